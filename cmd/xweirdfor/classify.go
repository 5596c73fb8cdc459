package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xweirdfor/xweirdfor/internal/headers"
	"github.com/xweirdfor/xweirdfor/internal/pipeline"
)

func newClassifyCmd(configPath func() string) *cobra.Command {
	var inline []string

	cmd := &cobra.Command{
		Use:   "classify [record.json|-]",
		Short: "Classify one header record and print its outcome",
		Long: "Classify one record read from a file or stdin, or built from repeated -H flags.\n" +
			"A record is {\"headers\": [[\"Name\", \"value\"], ...]}.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input pipeline.Input
			if len(inline) > 0 {
				if len(args) > 0 {
					return errors.New("use either -H flags or a record file, not both")
				}
				hs, err := parseInlineHeaders(inline)
				if err != nil {
					return err
				}
				input.Headers = hs
			} else {
				data, err := readInput(cmd, args)
				if err != nil {
					return err
				}
				input.Raw = bytes.TrimSpace(data)
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

			outcomes, err := a.pipeline.Run(cmd.Context(), []pipeline.Input{input})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(outcomes[0])
		},
	}

	cmd.Flags().StringArrayVarP(&inline, "header", "H", nil, `Header as "Name: value" (repeatable, order kept)`)

	return cmd
}

// parseInlineHeaders splits "Name: value" at the first colon.
func parseInlineHeaders(raw []string) (headers.Set, error) {
	hs := make(headers.Set, 0, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("header %q must be \"Name: value\"", h)
		}
		hs = append(hs, headers.Header{Name: name, Value: strings.TrimPrefix(value, " ")})
	}
	return hs, nil
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}
