package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xweirdfor/xweirdfor/internal/review"
)

func newReviewCmd(configPath func() string) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect and resolve the gray-zone review queue",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Review database path (default review.path)")

	open := func() (*review.Store, error) {
		path := dbPath
		if path == "" {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return nil, err
			}
			path = cfg.ResolvePath(cfg.Review.Path)
		}
		if path == "" {
			return nil, errors.New("review database path is required (--db or review.path)")
		}
		return review.Open(path)
	}

	cmd.AddCommand(newReviewListCmd(open))
	cmd.AddCommand(newReviewResolveCmd(open))
	cmd.AddCommand(newReviewStatsCmd(open))
	return cmd
}

func newReviewListCmd(open func() (*review.Store, error)) *cobra.Command {
	var status string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := review.Query{Limit: limit}
			if status != "" {
				st, err := review.ParseStatus(status)
				if err != nil {
					return err
				}
				q.Status = st
			}

			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.List(cmd.Context(), q)
			if err != nil {
				return err
			}

			if asJSON {
				if items == nil {
					items = []review.Item{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRECORD\tSCORE\tRISK\tDISAGREEMENT\tSTATUS\tRULES")
			for _, item := range items {
				fmt.Fprintf(tw, "%d\t%s\t%.3f\t%s\t%.3f\t%s\t%d\n",
					item.ID, item.RecordID, item.Score, item.Risk, item.Disagreement, item.Status, len(item.Rules))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", string(review.StatusPending), "Filter by status: pending|confirmed|dismissed (empty for all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum items to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print items as JSON")

	return cmd
}

func newReviewResolveCmd(open func() (*review.Store, error)) *cobra.Command {
	var status string
	var note string

	cmd := &cobra.Command{
		Use:   "resolve ID",
		Short: "Mark a queued verdict as confirmed or dismissed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			st, err := review.ParseStatus(status)
			if err != nil {
				return err
			}

			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Resolve(cmd.Context(), id, st, note); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "item %d %s\n", id, st)
			return err
		},
	}

	cmd.Flags().StringVar(&status, "status", string(review.StatusConfirmed), "Resolution: confirmed|dismissed")
	cmd.Flags().StringVar(&note, "note", "", "Reviewer note")

	return cmd
}

func newReviewStatsCmd(open func() (*review.Store, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count queued verdicts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.Counts(cmd.Context())
			if err != nil {
				return err
			}
			for _, st := range []review.Status{review.StatusPending, review.StatusConfirmed, review.StatusDismissed} {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", st, counts[st]); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
