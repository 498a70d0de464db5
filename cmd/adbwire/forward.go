package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/transport"
)

// forwardOps is the shared shape of forward and reverse management.
type forwardOps struct {
	create    func(ctx context.Context, target transport.Target, from, to adb.ForwardSpec, rebind bool) (int, error)
	list      func(ctx context.Context, target transport.Target) ([]adb.Forward, error)
	remove    func(ctx context.Context, target transport.Target, from adb.ForwardSpec) error
	removeAll func(ctx context.Context, target transport.Target) error
}

func (c *cli) newForwardCmd() *cobra.Command {
	return c.newForwardingCmd("forward", "Forward host sockets to the device", "LOCAL REMOTE", func() forwardOps {
		return forwardOps{
			create:    c.rt.Client.CreateForward,
			list:      c.rt.Client.ListForwards,
			remove:    c.rt.Client.RemoveForward,
			removeAll: c.rt.Client.RemoveAllForwards,
		}
	})
}

func (c *cli) newReverseCmd() *cobra.Command {
	return c.newForwardingCmd("reverse", "Forward device sockets to the host", "REMOTE LOCAL", func() forwardOps {
		return forwardOps{
			create:    c.rt.Client.CreateReverse,
			list:      c.rt.Client.ListReverses,
			remove:    c.rt.Client.RemoveReverse,
			removeAll: c.rt.Client.RemoveAllReverses,
		}
	})
}

// newForwardingCmd builds the add, list and rm subcommands. ops is resolved lazily because
// the client only exists once the runtime is initialized.
func (c *cli) newForwardingCmd(use, short, pair string, ops func() forwardOps) *cobra.Command {
	parent := &cobra.Command{
		Use:   use,
		Short: short,
	}

	var noRebind bool
	add := &cobra.Command{
		Use:   "add " + pair,
		Short: "Create a " + use + " such as tcp:8080 localabstract:chrome_devtools_remote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := adb.ParseForwardSpec(args[0])
			if err != nil {
				return err
			}
			to, err := adb.ParseForwardSpec(args[1])
			if err != nil {
				return err
			}
			target, err := c.target(cmd.Context())
			if err != nil {
				return err
			}
			port, err := ops().create(cmd.Context(), target, from, to, !noRebind)
			if err != nil {
				return err
			}
			if port != 0 {
				fmt.Fprintln(cmd.OutOrStdout(), port)
			}

			return nil
		},
	}
	add.Flags().BoolVar(&noRebind, "no-rebind", false, "fail if the socket is already in use")

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List active " + use + "s",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The server lists forwards of every device when no device is selected.
			target, ok := c.explicitTarget()
			if !ok && use != "forward" {
				var err error
				if target, err = c.target(cmd.Context()); err != nil {
					return err
				}
			}
			forwards, err := ops().list(cmd.Context(), target)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, f := range forwards {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Serial, f.Local, f.Remote)
			}

			return tw.Flush()
		},
	}

	var all bool
	rm := &cobra.Command{
		Use:     "rm [SPEC]",
		Aliases: []string{"remove"},
		Short:   "Remove one " + use + ", or all with --all",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := c.target(cmd.Context())
			if err != nil {
				return err
			}
			if all {
				return ops().removeAll(cmd.Context(), target)
			}
			if len(args) != 1 {
				return errors.New("pass a spec to remove or --all")
			}
			spec, err := adb.ParseForwardSpec(args[0])
			if err != nil {
				return err
			}

			return ops().remove(cmd.Context(), target, spec)
		},
	}
	rm.Flags().BoolVar(&all, "all", false, "remove every "+use)

	parent.AddCommand(add, list, rm)

	return parent
}
