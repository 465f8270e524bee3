package bugtool

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/meadow/cmd/util"
	"github.com/sidkik/meadow/pkg/config"
	"github.com/sidkik/meadow/pkg/device"
	"github.com/sidkik/meadow/pkg/device/hcom"
	"github.com/sidkik/meadow/pkg/errors"
	"github.com/sidkik/meadow/pkg/sync"
	"github.com/sidkik/meadow/pkg/version"
)

const archiveRoot = "meadow-bug-info"

// Mocked out for unit testing.
var (
	fs                            = afero.NewOsFs()
	listPorts                     = hcom.ListPorts
	getSettingsPath               = config.GetSettingsPath
	parseSettings                 = config.ParseSettings
	snapshotLocal                 = sync.SnapshotLocal
	dialer          device.Dialer = hcom.SerialDialer(hcom.Options{})
	attachOpts                    = device.AttachOptions{Backoff: device.DefaultBackoff}
)

type options struct {
	out       string
	route     string
	outputDir string
}

// New creates a new `bug-tool` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "bug-tool",
		Short: "Generate an archive for debugging deployments",
		Run:   func(_ *cobra.Command, _ []string) { main(opts) },
	}
	cmd.Flags().StringVar(&opts.out, "out", "", "path for archive")
	cmd.Flags().StringVar(&opts.route, "route", "",
		"The serial port of the device. Defaults to the route saved by `meadow route`.")
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", "",
		"The build output directory of the application, if any.")
	return cmd
}

func main(opts options) {
	tmpdir, err := afero.TempDir(fs, "", "meadow-bug-tool")
	if err != nil {
		err = errors.NewFriendlyError("Failed to create out directory:\n%s", err)
		util.HandleFatalError(err)
	}

	// Wrap defer in a function to handle errors from fs.RemoveAll().
	defer func() {
		err := fs.RemoveAll(tmpdir)
		if err != nil {
			util.HandleFatalError(err)
		}
	}()

	ctx, cancel := util.SignalContext()
	defer cancel()
	setupInfo(ctx, tmpdir, opts)

	out := opts.out
	if out == "" {
		out = fmt.Sprintf("meadow-bug-info-%s.tar.gz",
			time.Now().Format("Jan_02_2006-15-04-05"))
	}
	if err := tarDirectory(tmpdir, out); err != nil {
		err = errors.NewFriendlyError("Failed to tar:\n%s", err)
		util.HandleFatalError(err)
	}

	msg := `Created bug information archive at '%s'.
The archive contains:
 * The meadow settings.
 * The version of the meadow CLI.
 * The serial ports on this machine.
 * The OS version and files of the attached Meadow, if it responded.
 * The deployable files of the build output, if a directory was given.
`
	fmt.Printf(msg, out)
}

func setupInfo(ctx context.Context, root string, opts options) {
	if err := setupSettings(root); err != nil {
		log.WithError(err).Warn("Failed to setup settings")
	}

	if err := setupVersion(root); err != nil {
		log.WithError(err).Warn("Failed to setup version info")
	}

	if err := setupPorts(root); err != nil {
		log.WithError(err).Warn("Failed to setup serial ports")
	}

	route := opts.route
	if route == "" {
		settings, err := parseSettings()
		if err != nil {
			log.WithError(err).Warn("Failed to parse settings")
		}
		route = settings.Route
	}

	if route != "" {
		if err := setupDevice(ctx, filepath.Join(root, "device"), route); err != nil {
			log.WithError(err).WithField("route", route).Warn("Failed to setup device info")
		}
	} else {
		log.Info("No route is saved. Skipping device info.")
	}

	if opts.outputDir != "" {
		if err := setupLocalFiles(root, opts.outputDir); err != nil {
			log.WithError(err).WithField("dir", opts.outputDir).Warn("Failed to setup local files")
		}
	}
}

func setupSettings(root string) error {
	path, err := getSettingsPath()
	if err != nil {
		return errors.WithContext(err, "get path")
	}

	settings, err := fs.Open(path)
	if err != nil {
		return errors.WithContext(err, "open settings")
	}
	defer settings.Close()

	out, err := fs.Create(filepath.Join(root, "settings.yaml"))
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	if _, err := io.Copy(out, settings); err != nil {
		return errors.WithContext(err, "copy")
	}
	return nil
}

func setupVersion(root string) error {
	contents := fmt.Sprintf("local version:  %s\n", version.Version)
	if err := afero.WriteFile(fs, filepath.Join(root, "version"), []byte(contents), 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func setupPorts(root string) error {
	ports, err := listPorts()
	if err != nil {
		return err
	}

	var contents string
	for _, port := range ports {
		contents += port + "\n"
	}
	if err := afero.WriteFile(fs, filepath.Join(root, "ports"), []byte(contents), 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func setupDevice(ctx context.Context, outdir, route string) error {
	if err := fs.Mkdir(outdir, 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}

	conn, info, err := device.Attach(ctx, dialer, route, attachOpts)
	if err != nil {
		return errors.WithContext(err, "attach")
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.WithError(err).Debug("Failed to close device connection")
		}
	}()

	infoBytes, err := yaml.Marshal(info.Properties)
	if err != nil {
		log.WithError(err).Warn("Failed to marshal device info")
		infoBytes = []byte(fmt.Sprintf("%+v\n", info))
	}
	if err := afero.WriteFile(fs, filepath.Join(outdir, "info.yaml"), infoBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}

	files, err := conn.ListFiles(ctx)
	if err != nil {
		return errors.WithContext(err, "list device files")
	}
	return writeInventory(filepath.Join(outdir, "files"), files)
}

func setupLocalFiles(root, outputDir string) error {
	local, err := snapshotLocal(outputDir, sync.SnapshotOptions{})
	if err != nil {
		return errors.WithContext(err, "get local files")
	}
	return writeInventory(filepath.Join(root, "local-files"), local.Inventory())
}

// writeInventory writes one line per file in the format of `crc32sum`.
func writeInventory(path string, inv sync.Inventory) error {
	out, err := fs.Create(path)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	for _, f := range inv {
		if _, err := fmt.Fprintf(out, "%08x  %s\n", f.Fingerprint, f.Name); err != nil {
			return errors.WithContext(err, "write")
		}
	}
	return nil
}

func tarDirectory(src, outPath string) error {
	out, err := fs.Create(outPath)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return afero.Walk(fs, src, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("make header %s", file))
		}

		relPath, err := filepath.Rel(src, file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("get relative path of %s to %s", file, src))
		}

		header.Name = filepath.ToSlash(filepath.Join(archiveRoot, relPath))

		// Some file systems report directories without os.ModeDir, which
		// FileInfoHeader would turn into a regular file header.
		if fi.IsDir() {
			header.Typeflag = tar.TypeDir
			header.Size = 0
		}
		if err := tw.WriteHeader(header); err != nil {
			return errors.WithContext(err, fmt.Sprintf("write %s header", file))
		}

		// Only write contents if it's a file (i.e. not a directory).
		if fi.IsDir() || !fi.Mode().IsRegular() {
			return nil
		}

		f, err := fs.Open(file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("open %s", file))
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return errors.WithContext(err, fmt.Sprintf("copy %s", file))
		}
		return nil
	})
}
