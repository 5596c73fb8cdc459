package rules

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/xweirdfor/xweirdfor/internal/features"
	"github.com/xweirdfor/xweirdfor/internal/headers"
	"github.com/xweirdfor/xweirdfor/internal/normalize"
)

const maxHeaderCount = 64

var (
	cliUA        = mustRegex(`(?i)\b(curl|wget|python-requests|python-urllib|python-httpx|aiohttp|go-http-client|libwww-perl|httpie|okhttp|java/|apache-httpclient|axios|node-fetch|postmanruntime)`)
	botUA        = mustRegex(`(?i)(bot\b|spider|crawler|scraper|slurp)`)
	automationUA = mustRegex(`(?i)(headless|phantomjs|selenium|puppeteer|playwright|webdriver|scrapy)`)
	scannerUA    = mustRegex(`(?i)(sqlmap|nikto|nmap|masscan|zgrab|nuclei|dirbuster|gobuster|wpscan|acunetix|nessus|openvas|burpsuite|w3af)`)

	shellshock    = mustRegex(`\(\)\s*\{`)
	sqlInjection  = mustRegex(`(?i)(\bunion\b.{0,32}\bselect\b|'\s*or\s+'?\d+'?\s*=\s*'?\d+|\bor\s+1\s*=\s*1\b|;\s*drop\s+table\b|\bsleep\s*\(\s*\d+\s*\)|\bbenchmark\s*\(|\bwaitfor\s+delay\b)`)
	pathTraversal = mustRegex(`(\.\./|\.\.\\|/etc/passwd|\\windows\\win\.ini)`)
	doubleEncoded = mustRegex(`(?i)%25[0-9a-f]{2}`)

	base64Blob = regexp.MustCompile(`^[A-Za-z0-9+/]{40,}={0,2}$`)
	hexBlob    = regexp.MustCompile(`^[0-9a-fA-F]{32,}$`)

	scriptMarkers = mustAho("<script", "javascript:", "vbscript:", "onerror=", "onload=", "<iframe", "<svg", "document.cookie")
)

var uncommonHeaders = map[string]struct{}{
	"x-amzn-trace-id":  {},
	"x-foo":            {},
	"x-test":           {},
	"dnt":              {},
	"x-requested-with": {},
	"x-evil":           {},
	"x-custom-foo":     {},
	"x-obfuscate":      {},
}

// Headers whose values are expected to be opaque tokens.
var opaqueHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"if-none-match":       {},
	"if-match":            {},
	"etag":                {},
	"x-request-id":        {},
	"x-correlation-id":    {},
	"traceparent":         {},
}

var (
	decoded      = []Transform{TransformURLDecode}
	decodedLower = []Transform{TransformURLDecode, TransformLowercase}
	scriptForm   = []Transform{TransformURLDecode, TransformHTMLEntity, TransformLowercase}
)

// Builtin returns the built-in rule registry in evaluation order.
func Builtin() []Rule {
	return []Rule{
		missing("missing-host", "Host", 0.35),
		missing("missing-user-agent", "User-Agent", 0.4),
		missing("missing-accept", "Accept", 0.15),

		userAgent("suspicious-ua-cli", 0.45, cliUA),
		userAgent("suspicious-ua-bot", 0.3, botUA),
		userAgent("suspicious-ua-automation", 0.35, automationUA),
		userAgent("suspicious-ua-scanner", 0.7, scannerUA),

		{ID: "header-injection-crlf", Category: CategoryInjection, Weight: 0.9, Critical: true, Predicate: lineBreak},
		{ID: "header-injection-control", Category: CategoryInjection, Weight: 0.8, Critical: true, Predicate: controlBytes},
		{ID: "injection-shellshock", Category: CategoryInjection, Weight: 0.9, Critical: true, Predicate: matchValues(shellshock, decoded)},
		{ID: "injection-script", Category: CategoryInjection, Weight: 0.6, Predicate: matchValues(scriptMarkers, scriptForm)},
		{ID: "injection-sqli", Category: CategoryInjection, Weight: 0.5, Predicate: matchValues(sqlInjection, decodedLower)},
		{ID: "injection-path-traversal", Category: CategoryInjection, Weight: 0.5, Predicate: matchValues(pathTraversal, decoded)},

		{ID: "encoding-excessive-percent", Category: CategoryEncoding, Weight: 0.3, Predicate: excessivePercent},
		{ID: "encoding-double", Category: CategoryEncoding, Weight: 0.4, Predicate: matchValues(doubleEncoded, nil)},
		{ID: "encoding-invalid-utf8", Category: CategoryEncoding, Weight: 0.3, Predicate: invalidUTF8},
		{ID: "encoding-opaque-blob", Category: CategoryEncoding, Weight: 0.15, Predicate: opaqueBlob},

		{ID: "mutation-duplicate-host", Category: CategoryMutation, Weight: 0.5, Predicate: duplicate("Host")},
		{ID: "mutation-duplicate-content-length", Category: CategoryMutation, Weight: 0.5, Predicate: duplicate("Content-Length")},
		{ID: "mutation-invalid-name", Category: CategoryMutation, Weight: 0.4, Predicate: invalidName},
		{ID: "mutation-empty-user-agent", Category: CategoryMutation, Weight: 0.3, Predicate: emptyUserAgent},
		{ID: "mutation-uncommon-header", Category: CategoryMutation, Weight: 0.1, Predicate: uncommonHeader},
		{ID: "mutation-oversized-value", Category: CategoryMutation, Weight: 0.3, Predicate: oversizedValue},
		{ID: "mutation-excessive-headers", Category: CategoryMutation, Weight: 0.2, Predicate: excessiveHeaders},
		{ID: "mutation-suspicious-mime", Category: CategoryMutation, Weight: 0.3, Predicate: suspiciousMIME},
		{ID: "mutation-malformed-xff", Category: CategoryMutation, Weight: 0.3, Predicate: malformedForwardedFor},
	}
}

func mustAho(patterns ...string) *AhoMatcher {
	m, err := NewAhoMatcher(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

func missing(id, name string, weight float64) Rule {
	return Rule{
		ID:       id,
		Category: CategoryMissingHeader,
		Weight:   weight,
		Predicate: func(hs headers.Set) (bool, string, error) {
			return !hs.Has(name), name, nil
		},
	}
}

func userAgent(id string, weight float64, m Matcher) Rule {
	return Rule{
		ID:       id,
		Category: CategorySuspiciousUA,
		Weight:   weight,
		Predicate: func(hs headers.Set) (bool, string, error) {
			for _, ua := range hs.Values("User-Agent") {
				if ok, evidence := m.Match(ua); ok {
					return true, evidence, nil
				}
			}
			return false, "", nil
		},
	}
}

// matchValues applies transforms to every capped value and reports the
// first match as "Name: evidence".
func matchValues(m Matcher, transforms []Transform) Predicate {
	return func(hs headers.Set) (bool, string, error) {
		for _, h := range hs {
			value, _ := normalize.Cap(h.Value, features.MaxValueBytes)
			input, err := applyTransforms(value, transforms)
			if err != nil {
				return false, "", err
			}
			if ok, evidence := m.Match(input); ok {
				return true, h.Name + ": " + evidence, nil
			}
		}
		return false, "", nil
	}
}

func lineBreak(hs headers.Set) (bool, string, error) {
	for _, h := range hs {
		if strings.ContainsAny(h.Name, "\r\n") {
			return true, h.Name, nil
		}
		value, _ := normalize.Cap(h.Value, features.MaxValueBytes)
		if features.HasLineBreak(value) {
			return true, h.Name + ": " + value, nil
		}
	}
	return false, "", nil
}

// controlBytes flags C0 controls other than CR, LF and tab, raw or
// percent-encoded.
func controlBytes(hs headers.Set) (bool, string, error) {
	for _, h := range hs {
		value, _ := normalize.Cap(h.Value, features.MaxValueBytes)
		res := normalize.Apply(value, normalize.Options{MaxDecodeDepth: 2})
		for _, candidate := range []string{h.Name, value, res.Normalized} {
			for i := 0; i < len(candidate); i++ {
				b := candidate[i]
				if b != '\r' && b != '\n' && normalize.IsControl(b) {
					return true, fmt.Sprintf("%s: byte 0x%02x", h.Name, b), nil
				}
			}
		}
	}
	return false, "", nil
}

func excessivePercent(hs headers.Set) (bool, string, error) {
	for _, h := range hs {
		value, _ := normalize.Cap(h.Value, features.MaxValueBytes)
		if len(value) >= 12 && features.PercentEncodedRatio(value) > 0.3 {
			return true, h.Name + ": " + value, nil
		}
	}
	return false, "", nil
}

func invalidUTF8(hs headers.Set) (bool, string, error) {
	for _, h := range hs {
		if !utf8.ValidString(h.Name) {
			return true, "name " + h.Name, nil
		}
		if !utf8.ValidString(h.Value) {
			return true, h.Name, nil
		}
	}
	return false, "", nil
}

func opaqueBlob(hs headers.Set) (bool, string, error) {
	for _, h := range hs {
		if _, skip := opaqueHeaders[strings.ToLower(h.Name)]; skip {
			continue
		}
		value, _ := normalize.Cap(h.Value, features.MaxValueBytes)
		value = strings.TrimSpace(value)
		if base64Blob.MatchString(value) || hexBlob.MatchString(value) {
			return true, h.Name + ": " + value, nil
		}
	}
	return false, "", nil
}

func duplicate(name string) Predicate {
	return func(hs headers.Set) (bool, string, error) {
		if n := hs.Count(name); n > 1 {
			return true, fmt.Sprintf("%s x%d", name, n), nil
		}
		return false, "", nil
	}
}

func invalidName(hs headers.Set) (bool, string, error) {
	for _, h := range hs {
		if !headers.ValidName(h.Name) {
			return true, fmt.Sprintf("%q", h.Name), nil
		}
	}
	return false, "", nil
}

func emptyUserAgent(hs headers.Set) (bool, string, error) {
	for _, ua := range hs.Values("User-Agent") {
		if strings.TrimSpace(ua) == "" {
			return true, "User-Agent", nil
		}
	}
	return false, "", nil
}

func uncommonHeader(hs headers.Set) (bool, string, error) {
	for _, h := range hs {
		if _, ok := uncommonHeaders[strings.ToLower(h.Name)]; ok {
			return true, h.Name, nil
		}
	}
	return false, "", nil
}

func oversizedValue(hs headers.Set) (bool, string, error) {
	for _, h := range hs {
		if len(h.Value) > features.MaxValueBytes {
			return true, fmt.Sprintf("%s: %d bytes", h.Name, len(h.Value)), nil
		}
	}
	return false, "", nil
}

func excessiveHeaders(hs headers.Set) (bool, string, error) {
	if len(hs) > maxHeaderCount {
		return true, fmt.Sprintf("%d headers", len(hs)), nil
	}
	return false, "", nil
}

func suspiciousMIME(hs headers.Set) (bool, string, error) {
	ct, ok := hs.Get("Content-Type")
	if !ok {
		return false, "", nil
	}
	capped, _ := normalize.Cap(ct, features.MaxValueBytes)
	if features.MIMESuspicion(capped) >= 0.5 {
		return true, capped, nil
	}
	return false, "", nil
}

func malformedForwardedFor(hs headers.Set) (bool, string, error) {
	for _, value := range hs.Values("X-Forwarded-For") {
		for _, part := range strings.Split(value, ",") {
			hop := strings.TrimSpace(part)
			if strings.EqualFold(hop, "unknown") {
				continue
			}
			if net.ParseIP(hop) == nil {
				return true, "X-Forwarded-For: " + value, nil
			}
		}
	}
	return false, "", nil
}
