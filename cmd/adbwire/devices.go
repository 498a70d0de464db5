package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/app"
	"github.com/skobkin/adbwire/internal/client"
	"github.com/skobkin/adbwire/internal/events"
)

func (c *cli) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and adb server versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", app.Name, app.BuildString())

			version, err := c.rt.Client.CheckServerVersion(cmd.Context())
			if version != "" {
				fmt.Fprintf(out, "adb server %s (minimum %s)\n", version, client.MinServerVersion)
			}

			return err
		},
	}
}

func (c *cli) newDevicesCmd() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := c.rt.Client.Devices(cmd.Context())
			if err != nil {
				return err
			}
			writeDevices(cmd.OutOrStdout(), devices, long)

			return nil
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show product, model and transport id")

	return cmd
}

func writeDevices(out io.Writer, devices []adb.Device, long bool) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	if !long {
		for _, d := range devices {
			fmt.Fprintf(tw, "%s\t%s\n", d.Serial, d.State)
		}

		return
	}
	fmt.Fprintln(tw, "SERIAL\tSTATE\tMODEL\tPRODUCT\tTRANSPORT")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", d.Serial, d.State, dash(d.Model), dash(d.Product), d.TransportID)
	}
}

func dash(v string) string {
	if v == "" {
		return "-"
	}

	return v
}

func (c *cli) newTrackCmd() *cobra.Command {
	var (
		history bool
		notify  bool
		natsOn  bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Follow device list changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.rt.CurrentConfig()
			if history || cfg.History.Enabled {
				if err := c.rt.EnableHistory(); err != nil {
					return err
				}
			}
			if notify || cfg.Notify.Enabled {
				if !cfg.Notify.Enabled {
					cfg.Notify.Enabled = true
					c.rt.SetConfig(cfg)
				}
				c.rt.EnableNotifications(nil)
			}
			if natsOn || cfg.NATS.Enabled {
				if err := c.rt.EnableNATS(); err != nil {
					return err
				}
			}

			mon := c.rt.NewMonitor()
			if err := mon.Start(cmd.Context()); err != nil {
				return err
			}
			defer mon.Stop()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			for ev := range mon.Events() {
				if asJSON {
					if err := enc.Encode(newTrackLine(ev)); err != nil {
						return err
					}

					continue
				}
				if !ev.PerDevice() {
					fmt.Fprintf(out, "%s\t%-12s\t%d device(s)\n", ev.At.Format(time.TimeOnly), ev.Kind, len(ev.Devices))

					continue
				}
				fmt.Fprintf(out, "%s\t%-12s\t%s\n", ev.At.Format(time.TimeOnly), ev.Kind, ev.Device)
			}
			if cmd.Context().Err() != nil {
				return nil
			}

			return mon.Err()
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "record events in the history database")
	cmd.Flags().BoolVar(&notify, "notify", false, "show desktop notifications")
	cmd.Flags().BoolVar(&natsOn, "nats", false, "republish events to the configured NATS server")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per event")

	return cmd
}

type trackLine struct {
	Kind        events.DeviceEventKind `json:"kind"`
	Serial      string                 `json:"serial,omitempty"`
	State       adb.DeviceState        `json:"state,omitempty"`
	Previous    adb.DeviceState        `json:"previous_state,omitempty"`
	Model       string                 `json:"model,omitempty"`
	TransportID uint64                 `json:"transport_id,omitempty"`
	Devices     []string               `json:"devices,omitempty"`
	At          time.Time              `json:"at"`
}

func newTrackLine(ev events.DeviceEvent) trackLine {
	if !ev.PerDevice() {
		line := trackLine{Kind: ev.Kind, Devices: make([]string, 0, len(ev.Devices)), At: ev.At}
		for _, d := range ev.Devices {
			line.Devices = append(line.Devices, d.Serial)
		}

		return line
	}

	return trackLine{
		Kind:        ev.Kind,
		Serial:      ev.Device.Serial,
		State:       ev.Device.State,
		Previous:    ev.Previous.State,
		Model:       ev.Device.Model,
		TransportID: ev.Device.TransportID,
		At:          ev.At,
	}
}

func (c *cli) newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect HOST[:PORT]",
		Short: "Attach a device over TCP/IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, err := splitHostPort(args[0])
			if err != nil {
				return err
			}
			msg, err := c.rt.Client.Connect(cmd.Context(), host, port)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)

			return nil
		},
	}
}

func (c *cli) newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect [HOST[:PORT]]",
		Short: "Detach a TCP/IP device, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				host string
				port int
				err  error
			)
			if len(args) == 1 {
				if host, port, err = splitHostPort(args[0]); err != nil {
					return err
				}
			}
			msg, err := c.rt.Client.Disconnect(cmd.Context(), host, port)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)

			return nil
		},
	}
}

// splitHostPort accepts a bare host; a zero port lets the server pick its default.
func splitHostPort(raw string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(raw)
	if err != nil {
		if strings.Contains(err.Error(), "missing port") {
			return raw, 0, nil
		}

		return "", 0, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", raw)
	}

	return host, port, nil
}

func (c *cli) newRebootCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "reboot [bootloader|recovery|sideload|fastboot]",
		Short:     "Reboot the device",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"bootloader", "recovery", "sideload", "sideload-auto-reboot", "fastboot"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := c.target(cmd.Context())
			if err != nil {
				return err
			}
			into := ""
			if len(args) == 1 {
				into = args[0]
			}

			return c.rt.Client.Reboot(cmd.Context(), target, into)
		},
	}
}

func (c *cli) newRootAdbdCmd(unroot bool) *cobra.Command {
	use, short := "root", "Restart adbd with root permissions"
	if unroot {
		use, short = "unroot", "Restart adbd without root permissions"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := c.target(cmd.Context())
			if err != nil {
				return err
			}
			if unroot {
				return c.rt.Client.Unroot(cmd.Context(), target)
			}

			return c.rt.Client.Root(cmd.Context(), target)
		},
	}
}

func (c *cli) newKillServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-server",
		Short: "Stop the adb server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.rt.Client.KillServer(cmd.Context())
		},
	}
}

func (c *cli) newFeaturesCmd() *cobra.Command {
	var host bool
	cmd := &cobra.Command{
		Use:   "features",
		Short: "List device features, or adb server features with --host-features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				features []string
				err      error
			)
			if host {
				features, err = c.rt.Client.HostFeatures(cmd.Context())
			} else {
				target, terr := c.target(cmd.Context())
				if terr != nil {
					return terr
				}
				features, err = c.rt.Client.Features(cmd.Context(), target)
			}
			if err != nil {
				return err
			}
			for _, f := range features {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}

			return nil
		},
	}
	cmd.Flags().BoolVar(&host, "host-features", false, "query the adb server instead of a device")

	return cmd
}
