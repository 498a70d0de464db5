package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/app"
	"github.com/skobkin/adbwire/internal/transport"
)

// envAndroidSerial is the device selection variable honoured by adb itself.
const envAndroidSerial = "ANDROID_SERIAL"

var errNoDevice = errors.New("no device selected: pass --serial or --transport-id")

type cli struct {
	opts *app.Options
	rt   *app.Runtime

	serial      string
	transportID uint64
}

// execute runs the command line and releases the runtime even when a command failed.
func execute(ctx context.Context, opts *app.Options, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	c := &cli{opts: opts}
	cmd := c.newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if cerr := c.close(); err == nil {
		err = cerr
	}

	return err
}

func (c *cli) newRootCmd() *cobra.Command {
	opts := c.opts

	rootCmd := &cobra.Command{
		Use:   app.Name,
		Short: "Talks to the adb server without the adb binary",
		Long: `adbwire speaks the adb host protocol directly to a running adb server.

It lists and tracks devices, runs shell commands, transfers files over the sync
service and manages port forwards.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := app.Initialize(cmd.Context(), *c.opts)
			if err != nil {
				return err
			}
			c.rt = rt

			return nil
		},
	}
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.Host, "host", "H", "", "adb server host (default from config or 127.0.0.1)")
	flags.IntVarP(&opts.Port, "port", "P", 0, "adb server port (default from config or 5037)")
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (.json, .yaml or .yml)")
	flags.StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVarP(&c.serial, "serial", "s", "", "device serial (default $"+envAndroidSerial+")")
	flags.Uint64VarP(&c.transportID, "transport-id", "t", 0, "device transport id")

	rootCmd.AddCommand(
		c.newVersionCmd(),
		c.newDevicesCmd(),
		c.newTrackCmd(),
		c.newShellCmd(),
		c.newStatCmd(),
		c.newListCmd(),
		c.newPullCmd(),
		c.newPushCmd(),
		c.newForwardCmd(),
		c.newReverseCmd(),
		c.newConnectCmd(),
		c.newDisconnectCmd(),
		c.newRebootCmd(),
		c.newRootAdbdCmd(false),
		c.newRootAdbdCmd(true),
		c.newFeaturesCmd(),
		c.newKillServerCmd(),
		c.newHistoryCmd(),
		c.newConfigCmd(),
	)

	return rootCmd
}

func (c *cli) close() error {
	if c.rt == nil {
		return nil
	}
	err := c.rt.Close()
	c.rt = nil

	return err
}

// explicitTarget returns the device chosen by flags or $ANDROID_SERIAL.
func (c *cli) explicitTarget() (transport.Target, bool) {
	if c.transportID != 0 {
		return transport.Target{TransportID: c.transportID}, true
	}
	if serial := strings.TrimSpace(c.serial); serial != "" {
		return transport.Target{Serial: serial}, true
	}
	if serial := strings.TrimSpace(os.Getenv(envAndroidSerial)); serial != "" {
		return transport.Target{Serial: serial}, true
	}

	return transport.Target{}, false
}

// target resolves the device from explicitTarget, falling back to the only online device.
func (c *cli) target(ctx context.Context) (transport.Target, error) {
	if target, ok := c.explicitTarget(); ok {
		return target, nil
	}

	devices, err := c.rt.Client.Devices(ctx)
	if err != nil {
		return transport.Target{}, err
	}
	var online []adb.Device
	for _, d := range devices {
		if d.State == adb.StateOnline {
			online = append(online, d)
		}
	}
	switch len(online) {
	case 0:
		return transport.Target{}, fmt.Errorf("%w (no online devices)", errNoDevice)
	case 1:
		return transport.Target{Serial: online[0].Serial}, nil
	default:
		return transport.Target{}, fmt.Errorf("%w (%d online devices)", errNoDevice, len(online))
	}
}
