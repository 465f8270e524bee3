package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/meadow/cmd/util"
	"github.com/sidkik/meadow/pkg/config"
	"github.com/sidkik/meadow/pkg/deploy"
	"github.com/sidkik/meadow/pkg/device"
	"github.com/sidkik/meadow/pkg/device/hcom"
	"github.com/sidkik/meadow/pkg/errors"
	"github.com/sidkik/meadow/pkg/firmware"
	"github.com/sidkik/meadow/pkg/fswatch"
)

// Mocked out for unit testing.
var (
	stdout        io.Writer = os.Stdout
	parseSettings           = config.ParseSettings
	listPorts               = hcom.ListPorts
	watch                   = watchOutput
)

func watchOutput(dir string) (<-chan struct{}, func() error, error) {
	watcher, err := fswatch.Watch(dir)
	if err != nil {
		return nil, nil, err
	}
	return watcher.Updates, watcher.Close, nil
}

type options struct {
	route    string
	assembly string
	debug    bool
	reset    bool
	watch    bool
}

// New creates a new `deploy` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "deploy [output_dir]",
		Short: "Deploy an application's build output to Meadow",
		Long: "Sync the build output of an application to the attached Meadow.\n" +
			"Only files that are missing on the device or whose contents changed\n" +
			"are transferred. Files that are no longer part of the build are\n" +
			"deleted from the device.\n\n" +
			"The output directory defaults to the current directory.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			outputDir := "."
			if len(args) == 1 {
				outputDir = args[0]
			}

			if err := run(outputDir, opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&opts.route, "route", "",
		"The serial port of the device. Defaults to the route saved by `meadow route`.")
	cmd.Flags().StringVar(&opts.assembly, "assembly", deploy.DeployableAssembly,
		"The name of the entry assembly of the build output.")
	cmd.Flags().BoolVar(&opts.debug, "debug", false,
		"Deploy a debug build, including debug symbols.")
	cmd.Flags().BoolVar(&opts.reset, "reset", false,
		"Reset the device after deploying.")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false,
		"Redeploy whenever the build output changes.")
	return cmd
}

func run(outputDir string, opts options) error {
	outputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return errors.WithContext(err, "resolve output directory")
	}

	settings, err := parseSettings()
	if err != nil {
		return errors.WithContext(err, "parse settings")
	}

	route, err := resolveRoute(opts.route, settings)
	if err != nil {
		return err
	}

	firmwareDir, err := settings.GetFirmwareDir()
	if err != nil {
		return errors.WithContext(err, "get firmware directory")
	}

	deployer := deploy.New(deploy.Options{
		Route:       route,
		Dialer:      hcom.SerialDialer(hcom.Options{}),
		Attach:      device.AttachOptions{Backoff: device.DefaultBackoff},
		SettleDelay: deploy.DefaultSettleDelay,
		Reset:       opts.reset,
		OSChecker:   firmware.NewChecker(firmwareDir, settings.FirmwareManifestURL),
	})
	project := deploy.Project{
		OutputDir:    outputDir,
		AssemblyName: opts.assembly,
		Debug:        opts.debug,
	}

	ctx, cancel := util.SignalContext()
	defer cancel()

	reporter := newTerminalReporter(stdout)
	if !opts.watch {
		return deployOnce(ctx, deployer, project, reporter)
	}
	return deployOnChange(ctx, deployer, project, reporter)
}

type deployer interface {
	Deploy(context.Context, deploy.Project, deploy.Reporter) (deploy.Result, error)
}

func deployOnce(ctx context.Context, d deployer, project deploy.Project, reporter *terminalReporter) error {
	res, err := d.Deploy(ctx, project, reporter)
	if err != nil {
		if errors.RootCause(err) == errors.ErrNotDeployable {
			return notDeployableError(project)
		}
		return err
	}

	reporter.Success(fmt.Sprintf("Deployed %s to Meadow %s.",
		project.AssemblyName, res.Device.SerialNumber))
	return nil
}

// deployOnChange deploys the project, and then redeploys it whenever its build
// output changes. Failed deployments are retried on the next change.
func deployOnChange(ctx context.Context, d deployer, project deploy.Project, reporter *terminalReporter) error {
	if !project.IsDeployableApp() {
		return notDeployableError(project)
	}

	updates, closeWatcher, err := watch(project.OutputDir)
	if err != nil {
		return errors.WithContext(err, "watch output directory")
	}
	defer func() {
		if err := closeWatcher(); err != nil {
			log.WithError(err).Debug("Failed to close file watcher")
		}
	}()

	for {
		err := deployOnce(ctx, d, project, reporter)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.WithError(err).Warn("Deployment failed. Waiting for the next change to retry.")
		}

		reporter.Log("Watching for changes. Press Ctrl-C to stop.")
		select {
		case <-updates:
		case <-ctx.Done():
			return nil
		}
	}
}

func notDeployableError(project deploy.Project) error {
	return errors.NewFriendlyError("%s isn't the device application.\n"+
		"Only the project with the assembly name %q is deployed.",
		project.AssemblyName, deploy.DeployableAssembly)
}

// resolveRoute picks the route to deploy over. An explicit route takes
// precedence over the saved route. If neither is set and exactly one serial
// port exists, that port is used.
func resolveRoute(flag string, settings config.Settings) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if settings.Route != "" {
		return settings.Route, nil
	}

	ports, err := listPorts()
	if err != nil {
		return "", errors.WithContext(err, "list serial ports")
	}

	switch len(ports) {
	case 0:
		return "", errors.NewFriendlyError("No Meadow found. " +
			"Please connect the device over USB.")
	case 1:
		log.WithField("route", ports[0]).Debug("Using the only serial port")
		return ports[0], nil
	default:
		return "", errors.NewFriendlyError("Multiple serial ports found.\n" +
			"Run `meadow route` to select the port of the device, " +
			"or pass it with --route.")
	}
}
