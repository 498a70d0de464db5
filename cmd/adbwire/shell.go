package main

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skobkin/adbwire/internal/transport"
)

func (c *cli) newShellCmd() *cobra.Command {
	var v2 bool
	cmd := &cobra.Command{
		Use:   "shell [COMMAND...]",
		Short: "Run a remote shell command, or an interactive shell without one",
		Long: `Runs COMMAND on the device and streams its output.

Without --v2 the legacy shell service is used and the device's CRLF line endings are
converted back to LF. With --v2 stdout and stderr are kept apart and the remote exit
status becomes the exit status of this command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			target, err := c.target(ctx)
			if err != nil {
				return err
			}
			command := strings.Join(args, " ")

			if v2 {
				code, err := c.rt.Client.RunShellV2(ctx, target, command, cmd.OutOrStdout(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				if code != 0 {
					return &exitCodeError{code: code}
				}

				return nil
			}

			sh, err := c.rt.Client.OpenShell(ctx, target, command)
			if err != nil {
				return err
			}
			defer func() { _ = sh.Close() }()

			if command == "" {
				go func() {
					_, _ = io.Copy(sh, cmd.InOrStdin())
				}()
			}
			_, err = io.Copy(cmd.OutOrStdout(), sh)
			if transport.IsEmptyStream(err) {
				return nil
			}

			return err
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVar(&v2, "v2", false, "use the shell v2 protocol")

	return cmd
}
