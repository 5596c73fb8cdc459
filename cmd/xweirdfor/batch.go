package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xweirdfor/xweirdfor/internal/headers"
	"github.com/xweirdfor/xweirdfor/internal/pipeline"
)

func newBatchCmd(configPath func() string) *cobra.Command {
	var format string
	var outPath string

	cmd := &cobra.Command{
		Use:   "batch [batch.json|records.jsonl|-]",
		Short: "Classify a batch of header records",
		Long: "Classify {\"requests\": [record, ...]} or JSON lines of records.\n" +
			"Malformed records fail alone; their outcome carries the error.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "jsonl" && format != "json" {
				return fmt.Errorf("unknown format %q", format)
			}
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			raws, err := parseBatchInput(data)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			a, err := newApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			outcomes, err := a.pipeline.Run(cmd.Context(), pipeline.RawInputs(raws))
			if err != nil {
				return err
			}

			errored := 0
			for _, o := range outcomes {
				if o.Failed() {
					errored++
				}
			}
			a.logger.Info("batch classified", zap.Int("records", len(outcomes)), zap.Int("errored", errored))

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return writeOutcomes(w, outcomes, errored, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "jsonl", "Output format: jsonl|json")
	cmd.Flags().StringVar(&outPath, "out", "", "Output file path (default stdout)")

	return cmd
}

// parseBatchInput accepts a {"requests": [...]} document or JSON lines.
func parseBatchInput(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty input")
	}
	raws, batchErr := headers.ParseBatch(trimmed)
	if batchErr == nil {
		return raws, nil
	}

	// A single JSON document is one record, unless it is a broken batch.
	if json.Valid(trimmed) {
		var probe map[string]json.RawMessage
		if json.Unmarshal(trimmed, &probe) == nil {
			if _, ok := probe["requests"]; ok {
				return nil, batchErr
			}
		}
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	}

	var lines []json.RawMessage
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, json.RawMessage(append([]byte(nil), line...)))
	}
	return lines, scanner.Err()
}

func writeOutcomes(w io.Writer, outcomes []pipeline.Outcome, errored int, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Outcomes []pipeline.Outcome `json:"outcomes"`
			Errored  int                `json:"errored"`
		}{outcomes, errored})
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, o := range outcomes {
		if err := enc.Encode(o); err != nil {
			return err
		}
	}
	return bw.Flush()
}
