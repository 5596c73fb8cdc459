package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xweirdfor/xweirdfor/internal/report"
)

func newReportCmd(configPath func() string) *cobra.Command {
	var inputPath string
	var since string
	var format string
	var outPath string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize a verdict log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && configPath() != "" {
				cfg, err := loadConfig(configPath())
				if err != nil {
					return err
				}
				inputPath = cfg.ResolvePath(cfg.Logging.VerdictLog)
			}
			if inputPath == "" {
				return errors.New("input path is required (--in or logging.verdictLog)")
			}

			reader := report.Reader{}
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid since duration: %w", err)
				}
				reader.Since = time.Now().Add(-dur)
			}

			entries, err := reader.Read(inputPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			summary := report.Summarize(entries)
			switch format {
			case "", "text":
				return report.WriteOutput(out, outPath, []byte(report.RenderText(summary)))
			case "md":
				return report.WriteOutput(out, outPath, []byte(report.RenderMarkdown(summary)))
			case "json":
				data, err := report.RenderJSON(summary)
				if err != nil {
					return err
				}
				return report.WriteOutput(out, outPath, append(data, '\n'))
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}

	cmd.Flags().StringVar(&inputPath, "in", "", "Path to verdict log JSONL (default logging.verdictLog)")
	cmd.Flags().StringVar(&since, "since", "", "Only include entries newer than this duration (e.g. 10m)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text|md|json")
	cmd.Flags().StringVar(&outPath, "out", "", "Output file path (default stdout)")

	return cmd
}
