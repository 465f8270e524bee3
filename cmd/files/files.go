package files

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/meadow/cmd/util"
	"github.com/sidkik/meadow/pkg/config"
	"github.com/sidkik/meadow/pkg/device"
	"github.com/sidkik/meadow/pkg/device/hcom"
	"github.com/sidkik/meadow/pkg/errors"
)

// Mocked out for unit testing.
var (
	stdout        io.Writer     = os.Stdout
	parseSettings               = config.ParseSettings
	dialer        device.Dialer = hcom.SerialDialer(hcom.Options{})
	attachOpts                  = device.AttachOptions{Backoff: device.DefaultBackoff}
)

// New creates a new `files` command.
func New() *cobra.Command {
	var route string
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List the application files on Meadow",
		Long: "List the files in the application directory of the attached\n" +
			"Meadow, along with the CRC32 the device computed for each.",
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := util.SignalContext()
			defer cancel()

			if err := withConnection(ctx, route, listFiles); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.PersistentFlags().StringVar(&route, "route", "",
		"The serial port of the device. Defaults to the route saved by `meadow route`.")

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <name>...",
		Short: "Delete files from Meadow",
		Args:  cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, names []string) {
			ctx, cancel := util.SignalContext()
			defer cancel()

			err := withConnection(ctx, route, func(ctx context.Context, conn device.Connection) error {
				return deleteFiles(ctx, conn, names)
			})
			if err != nil {
				util.HandleFatalError(err)
			}
		},
	})
	return cmd
}

func withConnection(ctx context.Context, route string,
	fn func(context.Context, device.Connection) error) error {

	if route == "" {
		settings, err := parseSettings()
		if err != nil {
			return errors.WithContext(err, "parse settings")
		}

		route = settings.Route
		if route == "" {
			return errors.NewFriendlyError("No route is saved.\n" +
				"Run `meadow route` to select the port of the device, " +
				"or pass it with --route.")
		}
	}

	pp := util.NewProgressPrinter(stdout, "Connecting to Meadow")
	go pp.Run()
	conn, info, err := device.Attach(ctx, dialer, route, attachOpts)
	pp.Stop()
	if err != nil {
		return errors.WithContext(err, "attach")
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.WithError(err).Debug("Failed to close device connection")
		}
	}()

	log.WithField("route", route).Debugf("Attached to device: %s", info)
	return fn(ctx, conn)
}

func listFiles(ctx context.Context, conn device.Connection) error {
	files, err := conn.ListFiles(ctx)
	if err != nil {
		return errors.WithContext(err, "list device files")
	}

	if len(files) == 0 {
		fmt.Fprintln(stdout, "No files on Meadow.")
		return nil
	}

	out := tabwriter.NewWriter(stdout, 0, 10, 5, ' ', 0)
	fmt.Fprintln(out, "NAME\tCRC32")
	for _, f := range files {
		fmt.Fprintf(out, "%s\t%08x\n", f.Name, f.Fingerprint)
	}
	return out.Flush()
}

// deleteFiles deletes files from the device. The runtime is disabled while
// the files are deleted so that none of them are in use, and is always
// enabled afterwards.
func deleteFiles(ctx context.Context, conn device.Connection, names []string) (err error) {
	enabled, err := conn.IsRuntimeEnabled(ctx)
	if err != nil {
		return errors.WithContext(err, "get runtime state")
	}

	if enabled {
		if err := conn.SetRuntimeEnabled(ctx, false); err != nil {
			return errors.WithContext(err, "disable runtime")
		}
	}

	defer func() {
		// The context may already be cancelled if a delete failed.
		enableErr := conn.SetRuntimeEnabled(context.Background(), true)
		if enableErr == nil {
			return
		}
		if err == nil {
			err = errors.WithContext(enableErr, "enable runtime")
		} else {
			log.WithError(enableErr).Warn("Failed to enable runtime")
		}
	}()

	for _, name := range names {
		if err := conn.DeleteFile(ctx, name); err != nil {
			return errors.WithContext(err, fmt.Sprintf("delete %s", name))
		}
		fmt.Fprintf(stdout, "Deleted %s\n", name)
	}
	return nil
}
