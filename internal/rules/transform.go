package rules

import (
	"fmt"

	"github.com/xweirdfor/xweirdfor/internal/normalize"
)

const defaultDecodeDepth = 2

// applyTransforms normalizes input. Percent-decoding only happens when
// url_decode is requested.
func applyTransforms(input string, transforms []Transform) (string, error) {
	opts := normalize.Options{MaxDecodeDepth: defaultDecodeDepth, SkipDecode: true}
	for _, transform := range transforms {
		switch transform {
		case TransformURLDecode:
			opts.SkipDecode = false
		case TransformLowercase:
			opts.Lowercase = true
		case TransformHTMLEntity:
			opts.HTMLEntity = true
		default:
			return "", fmt.Errorf("unknown transform %q", transform)
		}
	}

	res := normalize.Apply(input, opts)
	return res.Normalized, nil
}
