package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xweirdfor/xweirdfor/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, msg := range verr.Problems {
				fmt.Fprintln(os.Stderr, msg)
			}
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "xweirdfor",
		Short:         "Classify HTTP request headers as benign or anomalous",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (defaults apply when omitted)")

	cfgPath := func() string { return configPath }
	root.AddCommand(newClassifyCmd(cfgPath))
	root.AddCommand(newBatchCmd(cfgPath))
	root.AddCommand(newServeCmd(cfgPath))
	root.AddCommand(newReportCmd(cfgPath))
	root.AddCommand(newReviewCmd(cfgPath))
	root.AddCommand(newValidateCmd(cfgPath))
	root.AddCommand(newVersionCmd())

	return root
}

func newValidateCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file, its rules and its model",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath() == "" {
				return errors.New("config path is required")
			}
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			if _, err := buildEngine(cfg); err != nil {
				return err
			}
			if _, _, err := loadEnsemble(cfg); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "version=%s commit=%s buildDate=%s\n", version, commit, buildDate)
		},
	}
}
