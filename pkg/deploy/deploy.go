// Package deploy syncs the build output of an application to an attached
// Meadow.
//
// A deployment attaches to the device, suspends the runtime so that the
// application's files aren't in use, and then makes the device's files match
// the local build output:
//  1. Files on the device that aren't part of the build output are deleted.
//  2. Files that are missing on the device, or whose CRC32 differs from the
//     local copy, are transferred in the order of the local inventory.
//
// The runtime is then resumed, which restarts the application. Deployments
// don't roll back. If a deployment fails or is cancelled partway through, the
// next deployment diffs against whatever the device holds and finishes the
// job.
package deploy

import (
	"context"
	"fmt"
	goSync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/meadow/pkg/device"
	"github.com/sidkik/meadow/pkg/errors"
	"github.com/sidkik/meadow/pkg/sync"
)

// DefaultSettleDelay is how long to wait after the last file is written before
// resuming the runtime. The device flushes its file system in the background.
const DefaultSettleDelay = 1500 * time.Millisecond

// Mocked out for unit testing.
var (
	snapshotLocal   = sync.SnapshotLocal
	fingerprintFile = sync.FingerprintFile
)

// OSChecker checks whether the host has what it needs to support the device's
// OS version. A failed check is only a warning.
type OSChecker interface {
	Check(ctx context.Context, osVersion string) error
}

// Options configures a Deployer.
type Options struct {
	// Route is the route to the device, e.g. a serial port.
	Route  string
	Dialer device.Dialer

	Attach device.AttachOptions

	// SettleDelay is how long to wait before resuming the runtime.
	SettleDelay time.Duration

	// Reset restarts the device after a successful deployment.
	Reset bool

	// OSChecker is optional.
	OSChecker OSChecker

	Clock clockwork.Clock
	Log   *logrus.Logger
}

// Deployer deploys projects to a single device. Only one deployment runs at a
// time. Concurrent calls to Deploy wait for the active deployment to finish.
type Deployer struct {
	opts Options

	// sem holds a token while a deployment is in flight.
	sem chan struct{}
}

// Result describes a completed deployment.
type Result struct {
	SessionID   string
	Device      device.Info
	Deleted     []string
	Transferred []string
}

// New creates a Deployer.
func New(opts Options) *Deployer {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Deployer{opts: opts, sem: make(chan struct{}, 1)}
}

// Deploy syncs the project's build output to the device.
// Projects that don't build the device application return ErrNotDeployable
// without touching the device.
func (d *Deployer) Deploy(ctx context.Context, project Project, reporter Reporter) (Result, error) {
	if !project.IsDeployableApp() {
		d.opts.Log.WithField("assembly", project.AssemblyName).Debug(
			"Skipping deployment of project that isn't the device application")
		return Result{}, errors.ErrNotDeployable
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { <-d.sem }()

	s := &session{
		id:       uuid.New().String(),
		opts:     d.opts,
		project:  project,
		reporter: reporter,
	}
	s.log = d.opts.Log.WithFields(logrus.Fields{
		"session": s.id,
		"route":   d.opts.Route,
	})

	res, err := s.run(ctx)
	if err != nil {
		s.log.WithError(err).Error("Deployment failed")
		reporter.Log(fmt.Sprintf("Deployment failed: %s", err))
		reporter.Log("Please reset Meadow and try again.")
		return res, err
	}
	return res, nil
}

// State is the phase of a deployment.
type State int

const (
	Disconnected State = iota
	Attaching
	RuntimeSuspended
	Syncing
	RuntimeResumed
	Failed
)

func (state State) String() string {
	switch state {
	case Disconnected:
		return "Disconnected"
	case Attaching:
		return "Attaching"
	case RuntimeSuspended:
		return "RuntimeSuspended"
	case Syncing:
		return "Syncing"
	case RuntimeResumed:
		return "RuntimeResumed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(state))
	}
}

// session is a single deployment. It owns the connection to the device until
// the deployment ends.
type session struct {
	id       string
	opts     Options
	project  Project
	reporter Reporter
	log      *logrus.Entry

	state State
	conn  device.Connection
}

func (s *session) setState(state State) {
	s.log.WithFields(logrus.Fields{
		"from": s.state,
		"to":   state,
	}).Debug("Deployment state changed")
	s.state = state
}

func (s *session) run(ctx context.Context) (res Result, err error) {
	res.SessionID = s.id

	s.setState(Attaching)
	var info device.Info
	s.conn, info, err = device.Attach(ctx, s.opts.Dialer, s.opts.Route, s.opts.Attach)
	if err != nil {
		s.setState(Failed)
		return res, errors.WithContext(err, "attach")
	}
	res.Device = info

	stopMessages := s.forwardMessages()
	defer func() {
		stopMessages()
		s.close()
		if err != nil {
			s.setState(Failed)
		} else {
			s.setState(Disconnected)
		}
	}()

	s.log.WithField("os", info.OSVersion).Debugf("Attached to device: %s", info)
	s.reporter.Log(fmt.Sprintf("Found Meadow with OS v%s (serial number %s)",
		info.OSVersion, info.SerialNumber))
	s.checkOS(ctx, info)

	// The runtime is always enabled when the session ends, whether or not
	// it was running when the session attached.
	defer func() {
		if err != nil {
			s.resumeAfterFailure()
		}
	}()

	if err := s.suspendRuntime(ctx); err != nil {
		return res, err
	}

	s.setState(Syncing)
	res.Deleted, res.Transferred, err = s.sync(ctx)
	if err != nil {
		return res, err
	}

	if err := s.resumeRuntime(ctx); err != nil {
		return res, err
	}

	s.reporter.Log(fmt.Sprintf("Deployment complete. Copied %d files, removed %d.",
		len(res.Transferred), len(res.Deleted)))
	return res, nil
}

func (s *session) checkOS(ctx context.Context, info device.Info) {
	if s.opts.OSChecker == nil {
		return
	}

	err := s.opts.OSChecker.Check(ctx, info.OSVersion)
	if err == nil {
		return
	}

	if offlineErr, ok := errors.RootCause(err).(errors.OfflineDependencyError); ok {
		s.log.WithError(offlineErr.Cause).Warnf(
			"Couldn't check for the Meadow OS v%s package. Are you offline?", offlineErr.OSVersion)
		return
	}
	s.log.WithError(err).Warn("Meadow OS check failed")
}

func (s *session) suspendRuntime(ctx context.Context) error {
	enabled, err := s.conn.IsRuntimeEnabled(ctx)
	if err != nil {
		return errors.WithContext(err, "get runtime state")
	}

	if enabled {
		s.reporter.Log("Disabling runtime")
		if err := s.conn.SetRuntimeEnabled(ctx, false); err != nil {
			return errors.WithContext(err, "disable runtime")
		}
	}
	s.setState(RuntimeSuspended)
	return nil
}

// sync makes the files on the device match the local build output. It returns
// the files that were deleted and transferred, even if it fails partway
// through.
func (s *session) sync(ctx context.Context) (deleted, transferred []string, err error) {
	remote, err := s.conn.ListFiles(ctx)
	if err != nil {
		return nil, nil, errors.WithContext(err, "list device files")
	}

	local, err := snapshotLocal(s.project.OutputDir, s.project.snapshotOptions())
	if err != nil {
		return nil, nil, errors.WithContext(err, "get local files")
	}

	plan := sync.Plan(local.Inventory(), remote)
	s.log.WithFields(logrus.Fields{
		"local":      len(local),
		"remote":     len(remote),
		"toDelete":   plan.ToDelete.Len(),
		"toTransfer": len(plan.ToTransfer),
	}).Debug("Computed sync plan")

	if plan.Empty() {
		s.reporter.Log("Already synced. No files need to be transferred.")
		return nil, nil, nil
	}

	if len(remote) == 0 {
		s.log.Info("Device doesn't hold any files. Transferring all files.")
		s.reporter.FirstDeployment()
	}

	// Sorted so that failures are reproducible.
	for _, name := range plan.ToDelete.List() {
		if err := ctx.Err(); err != nil {
			return deleted, transferred, err
		}

		s.reporter.Log(fmt.Sprintf("Deleting %s", name))
		if err := s.conn.DeleteFile(ctx, name); err != nil {
			return deleted, transferred, errors.WithContext(err, fmt.Sprintf("delete %s", name))
		}
		deleted = append(deleted, name)
	}

	for _, name := range plan.ToTransfer {
		if err := ctx.Err(); err != nil {
			return deleted, transferred, err
		}

		f, _ := local.Get(name)
		if err := s.transfer(ctx, f); err != nil {
			return deleted, transferred, errors.WithContext(err, fmt.Sprintf("transfer %s", name))
		}
		transferred = append(transferred, name)
	}
	return deleted, transferred, nil
}

func (s *session) transfer(ctx context.Context, f sync.LocalFile) error {
	// The build may have rewritten the file since the inventory was taken.
	// The device would accept the new contents, but the plan would be stale.
	fingerprint, _, err := fingerprintFile(f.Path)
	if err != nil {
		return errors.WithContext(err, "fingerprint")
	}
	if fingerprint != f.Fingerprint {
		return errors.ErrFileChanged
	}

	s.reporter.Log(fmt.Sprintf("Transferring %s", f.Name))
	tracker := newProgressTracker(f.Name, s.reporter)
	return s.conn.WriteFile(ctx, f.Path, f.Name, tracker.update)
}

func (s *session) resumeRuntime(ctx context.Context) error {
	if s.opts.SettleDelay > 0 {
		select {
		case <-s.opts.Clock.After(s.opts.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.reporter.Log("Enabling runtime")
	if err := s.conn.SetRuntimeEnabled(ctx, true); err != nil {
		return errors.WithContext(err, "enable runtime")
	}
	s.setState(RuntimeResumed)

	if s.opts.Reset {
		s.reporter.Log("Resetting Meadow")
		if err := s.conn.Reset(ctx); err != nil {
			s.log.WithError(err).Warn("Failed to reset device")
		}
	}
	return nil
}

// resumeAfterFailure tries to leave the device running its application
// after a failed deployment. The deployment's context may already be
// cancelled, so it isn't used.
func (s *session) resumeAfterFailure() {
	if err := s.conn.SetRuntimeEnabled(context.Background(), true); err != nil {
		s.log.WithError(err).Warn("Failed to enable runtime after failed deployment")
	}
}

// forwardMessages sends the device's console output to the reporter until
// the returned function is called.
func (s *session) forwardMessages() func() {
	messages, cancel := s.conn.Subscribe()

	var wg goSync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range messages {
			s.reporter.DeviceMessage(formatDeviceMessage(msg))
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func (s *session) close() {
	if err := s.conn.Close(); err != nil {
		s.log.WithError(err).Debug("Failed to close device connection")
	}
}
