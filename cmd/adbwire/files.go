package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/filesync"
)

const stdioPath = "-"

func (c *cli) newStatCmd() *cobra.Command {
	var (
		v2    bool
		lstat bool
	)
	cmd := &cobra.Command{
		Use:   "stat REMOTE",
		Short: "Show the sync service view of a remote path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := c.openSync(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			out := cmd.OutOrStdout()
			if !v2 && !lstat {
				st, err := svc.Stat(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", st.Mode, st.ModTime.Format(time.DateTime), st.Size, st.Path)

				return nil
			}

			stat := svc.StatV2
			if lstat {
				stat = svc.LstatV2
			}
			st, err := stat(ctx, args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 1, ' ', 0)
			fmt.Fprintf(tw, "path:\t%s\n", st.Path)
			fmt.Fprintf(tw, "mode:\t%s (%o)\n", st.Mode, uint32(st.Mode))
			fmt.Fprintf(tw, "size:\t%d\n", st.Size)
			fmt.Fprintf(tw, "links:\t%d\n", st.LinkCount)
			fmt.Fprintf(tw, "uid/gid:\t%d/%d\n", st.UID, st.GID)
			fmt.Fprintf(tw, "device/inode:\t%d/%d\n", st.Device, st.Inode)
			fmt.Fprintf(tw, "atime:\t%s\n", st.AccessTime.Format(time.DateTime))
			fmt.Fprintf(tw, "mtime:\t%s\n", st.ModTime.Format(time.DateTime))
			fmt.Fprintf(tw, "ctime:\t%s\n", st.ChangeTime.Format(time.DateTime))

			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&v2, "v2", false, "use the extended stat record")
	cmd.Flags().BoolVar(&lstat, "lstat", false, "do not follow a final symlink (implies --v2)")

	return cmd
}

func (c *cli) newListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "ls REMOTE_DIR",
		Aliases: []string{"list"},
		Short:   "List a remote directory",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.openSync(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 1, ' ', 0)
			for entry, err := range svc.List(cmd.Context(), args[0]) {
				if err != nil {
					_ = tw.Flush()

					return err
				}
				if !all && (entry.Path == "." || entry.Path == "..") {
					continue
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", entry.Mode, entry.Size, entry.ModTime.Format(time.DateTime), entry.Path)
			}

			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include . and ..")

	return cmd
}

func (c *cli) newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull REMOTE [LOCAL]",
		Short: "Copy a remote file to the local machine (LOCAL - writes to stdout)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			remote := args[0]
			local := path.Base(remote)
			if len(args) == 2 {
				local = args[1]
			}

			svc, err := c.openSync(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			if local == stdioPath {
				return svc.Pull(ctx, remote, cmd.OutOrStdout(), nil)
			}
			if info, err := os.Stat(local); err == nil && info.IsDir() {
				local = filepath.Join(local, path.Base(remote))
			}

			st, err := svc.Stat(ctx, remote)
			if err != nil {
				return err
			}
			if st.Mode.IsDir() {
				return fmt.Errorf("pull %s: directories are not supported", remote)
			}

			// #nosec G304 -- destination is chosen by the user on the command line.
			file, err := os.OpenFile(filepath.Clean(local), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, st.Mode.Perm().FS()|0o200)
			if err != nil {
				return err
			}
			started := time.Now()
			err = svc.Pull(ctx, remote, file, c.progress("pull", remote, st.Size))
			if cerr := file.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			if c.rt.CurrentConfig().Sync.PreserveMtime && !st.ModTime.IsZero() {
				if err := os.Chtimes(local, st.ModTime, st.ModTime); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", remote, transferSummary(st.Size, time.Since(started)))

			return nil
		},
	}
}

func (c *cli) newPushCmd() *cobra.Command {
	var rawMode string
	cmd := &cobra.Command{
		Use:   "push LOCAL REMOTE",
		Short: "Copy a local file (or stdin with -) to the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			local, remote := args[0], args[1]
			cfg := c.rt.CurrentConfig().Sync

			defMode, err := cfg.FileMode()
			if err != nil {
				return err
			}
			mode := adb.FileMode(defMode)
			mtime := time.Now()
			var (
				source io.Reader
				size   int64 = -1
			)
			if local == stdioPath {
				source = cmd.InOrStdin()
			} else {
				// #nosec G304 -- source is chosen by the user on the command line.
				file, err := os.Open(filepath.Clean(local))
				if err != nil {
					return err
				}
				defer func() { _ = file.Close() }()
				info, err := file.Stat()
				if err != nil {
					return err
				}
				if info.IsDir() {
					return fmt.Errorf("push %s: directories are not supported", local)
				}
				mode = adb.FileModeFromFS(info.Mode())
				size = info.Size()
				if cfg.PreserveMtime {
					mtime = info.ModTime()
				}
				source = file
			}
			if rawMode != "" {
				perm, err := strconv.ParseUint(rawMode, 8, 32)
				if err != nil || perm > 0o7777 {
					return fmt.Errorf("invalid mode %q", rawMode)
				}
				mode = mode.Type() | adb.FileMode(perm)
			}

			svc, err := c.openSync(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			if st, err := svc.Stat(ctx, remote); err == nil && st.Mode.IsDir() {
				name := path.Base(filepath.ToSlash(local))
				if local == stdioPath {
					return fmt.Errorf("push: %s is a directory", remote)
				}
				remote = path.Join(remote, name)
			} else if err != nil && !errors.Is(err, filesync.ErrNotFound) {
				return err
			}

			started := time.Now()
			var pushed int64
			progress := c.progress("push", remote, size)
			err = svc.Push(ctx, source, remote, mode, mtime, func(n int64) {
				pushed = n
				progress(n)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", local, transferSummary(pushed, time.Since(started)))

			return nil
		},
	}
	cmd.Flags().StringVar(&rawMode, "mode", "", "octal permission bits for the remote file")

	return cmd
}

func (c *cli) openSync(cmd *cobra.Command) (*filesync.Service, error) {
	target, err := c.target(cmd.Context())
	if err != nil {
		return nil, err
	}

	return c.rt.Client.OpenSync(cmd.Context(), target)
}

// progress logs transfer progress at debug level.
func (c *cli) progress(op, remote string, size int64) filesync.ProgressFunc {
	logger := c.rt.LogManager.Logger("sync")

	return func(n int64) {
		logger.Debug("transfer progress", "op", op, "path", remote, "bytes", n, "size", size)
	}
}

func transferSummary(n int64, elapsed time.Duration) string {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return fmt.Sprintf("%d bytes", n)
	}

	return fmt.Sprintf("%d bytes in %.3fs (%.1f MB/s)", n, secs, float64(n)/secs/1e6)
}
