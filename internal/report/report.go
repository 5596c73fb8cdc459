// Package report summarizes a verdict log.
package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/xweirdfor/xweirdfor/internal/logging"
)

type Summary struct {
	Total         int          `json:"total"`
	Low           int          `json:"low"`
	Medium        int          `json:"medium"`
	High          int          `json:"high"`
	GrayZone      int          `json:"gray_zone"`
	Vetoed        int          `json:"vetoed"`
	Errored       int          `json:"errored"`
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	TopRules      []CountItem  `json:"top_rules"`
	TopCategories []CountItem  `json:"top_categories"`
	ErrorKinds    []CountItem  `json:"error_kinds"`
	Scores        ScoreSummary `json:"scores"`
}

type CountItem struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type ScoreSummary struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type Reader struct {
	Since time.Time
}

// Read loads every entry at or after r.Since. A malformed line is an
// error naming its line number.
func (r *Reader) Read(path string) ([]logging.Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []logging.Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e logging.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if !r.Since.IsZero() && e.Timestamp.Before(r.Since) {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func Summarize(entries []logging.Entry) Summary {
	var summary Summary
	if len(entries) == 0 {
		return summary
	}

	summary.Start = entries[0].Timestamp
	summary.End = entries[0].Timestamp

	ruleCounts := map[string]int{}
	categoryCounts := map[string]int{}
	errorCounts := map[string]int{}
	scores := make([]float64, 0, len(entries))

	for _, e := range entries {
		summary.Total++
		if e.Timestamp.Before(summary.Start) {
			summary.Start = e.Timestamp
		}
		if e.Timestamp.After(summary.End) {
			summary.End = e.Timestamp
		}

		if e.Error != "" {
			summary.Errored++
			kind := e.ErrorKind
			if kind == "" {
				kind = "unknown"
			}
			errorCounts[kind]++
			continue
		}

		switch e.Risk {
		case "low":
			summary.Low++
		case "medium":
			summary.Medium++
		case "high":
			summary.High++
		}
		if e.GrayZone {
			summary.GrayZone++
		}
		if e.Vetoed {
			summary.Vetoed++
		}

		for _, match := range e.MatchedRules {
			ruleCounts[match.ID]++
			categoryCounts[match.Category]++
		}
		scores = append(scores, e.Score)
	}

	summary.TopRules = topCounts(ruleCounts, 5)
	summary.TopCategories = topCounts(categoryCounts, 5)
	summary.ErrorKinds = topCounts(errorCounts, 5)
	summary.Scores = scoreSummary(scores)

	return summary
}

func topCounts(counts map[string]int, n int) []CountItem {
	items := make([]CountItem, 0, len(counts))
	for key, count := range counts {
		items = append(items, CountItem{Key: key, Count: count})
	}
	if len(items) == 0 {
		return nil
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Count == items[j].Count {
			return items[i].Key < items[j].Key
		}
		return items[i].Count > items[j].Count
	})

	if len(items) > n {
		items = items[:n]
	}
	return items
}

func scoreSummary(values []float64) ScoreSummary {
	if len(values) == 0 {
		return ScoreSummary{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	return ScoreSummary{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	idx := int(float64(len(values)-1) * p)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

func RenderText(summary Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total: %d\n", summary.Total)
	fmt.Fprintf(&b, "Risk low/medium/high: %d/%d/%d\n", summary.Low, summary.Medium, summary.High)
	fmt.Fprintf(&b, "Gray zone: %d\n", summary.GrayZone)
	fmt.Fprintf(&b, "Vetoed: %d\n", summary.Vetoed)
	fmt.Fprintf(&b, "Errored: %d\n", summary.Errored)
	fmt.Fprintf(&b, "Score p50/p95/p99: %.3f/%.3f/%.3f\n", summary.Scores.P50, summary.Scores.P95, summary.Scores.P99)

	writeCounts(&b, "Top rules", summary.TopRules)
	writeCounts(&b, "Top categories", summary.TopCategories)
	writeCounts(&b, "Error kinds", summary.ErrorKinds)

	return b.String()
}

func RenderMarkdown(summary Summary) string {
	var b strings.Builder
	b.WriteString("# xweirdfor report\n\n")
	b.WriteString("## Totals\n\n")
	fmt.Fprintf(&b, "- Total: %d\n", summary.Total)
	fmt.Fprintf(&b, "- Risk low/medium/high: %d/%d/%d\n", summary.Low, summary.Medium, summary.High)
	fmt.Fprintf(&b, "- Gray zone: %d\n", summary.GrayZone)
	fmt.Fprintf(&b, "- Vetoed: %d\n", summary.Vetoed)
	fmt.Fprintf(&b, "- Errored: %d\n", summary.Errored)
	fmt.Fprintf(&b, "- Score p50/p95/p99: %.3f/%.3f/%.3f\n\n", summary.Scores.P50, summary.Scores.P95, summary.Scores.P99)

	writeCountsMarkdown(&b, "Top rules", summary.TopRules)
	writeCountsMarkdown(&b, "Top categories", summary.TopCategories)
	writeCountsMarkdown(&b, "Error kinds", summary.ErrorKinds)

	return b.String()
}

func RenderJSON(summary Summary) ([]byte, error) {
	return json.MarshalIndent(summary, "", "  ")
}

func writeCounts(b *strings.Builder, title string, items []CountItem) {
	if len(items) == 0 {
		fmt.Fprintf(b, "%s: none\n", title)
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
}

func writeCountsMarkdown(b *strings.Builder, title string, items []CountItem) {
	b.WriteString("## ")
	b.WriteString(title)
	b.WriteString("\n\n")
	if len(items) == 0 {
		b.WriteString("- none\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
	b.WriteString("\n")
}

// WriteOutput writes to path, or to w when path is empty.
func WriteOutput(w io.Writer, path string, content []byte) error {
	if path == "" {
		_, err := io.Copy(w, bytes.NewReader(content))
		return err
	}
	return os.WriteFile(path, content, 0o600)
}
