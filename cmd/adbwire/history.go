package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/adbwire/internal/persistence"
)

func (c *cli) newHistoryCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "history",
		Short: "Inspect the device history recorded by track --history",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Root().PersistentPreRunE(cmd, args); err != nil {
				return err
			}

			return c.rt.OpenHistory()
		},
	}

	devices := &cobra.Command{
		Use:   "devices",
		Short: "List every device seen so far",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := c.rt.DeviceRepo.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERIAL\tSTATE\tMODEL\tLAST SEEN")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Device.Serial, r.Device.State, dash(r.Device.Model), r.LastSeenAt.Local().Format(time.DateTime))
			}

			return tw.Flush()
		},
	}

	var limit int
	eventsCmd := &cobra.Command{
		Use:   "events SERIAL",
		Short: "Show the recorded events of one device, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := c.rt.EventRepo.ListBySerial(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.At.Local().Format(time.DateTime), r.Kind, r.State)
			}

			return tw.Flush()
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events, 0 for all")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete events older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			n, err := persistence.PruneEvents(cmd.Context(), c.rt.DB, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d events\n", n)

			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the oldest event to keep")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all recorded devices and events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return persistence.ClearDatabase(cmd.Context(), c.rt.DB)
		},
	}

	parent.AddCommand(devices, eventsCmd, prune, clearCmd)

	return parent
}
