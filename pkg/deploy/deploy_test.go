package deploy

import (
	"context"
	"path/filepath"
	goSync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/sidkik/meadow/pkg/device"
	"github.com/sidkik/meadow/pkg/device/devicetest"
	"github.com/sidkik/meadow/pkg/errors"
	"github.com/sidkik/meadow/pkg/sync"
)

const outputDir = "/build/bin/Debug"

var app = Project{OutputDir: outputDir, AssemblyName: "App", Debug: true}

type recordingReporter struct {
	lock             goSync.Mutex
	logs             []string
	progress         map[string][]int
	messages         []string
	firstDeployments int
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{progress: map[string][]int{}}
}

func (r *recordingReporter) Log(msg string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.logs = append(r.logs, msg)
}

func (r *recordingReporter) FileProgress(name string, percent int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.progress[name] = append(r.progress[name], percent)
}

func (r *recordingReporter) DeviceMessage(msg string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingReporter) FirstDeployment() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.firstDeployments++
}

type testEnv struct {
	fs       afero.Fs
	dev      *devicetest.FakeDevice
	reporter *recordingReporter
	hook     *logrusTest.Hook
	opts     Options

	lock         goSync.Mutex
	dials        int
	snapshotOpts []sync.SnapshotOptions
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{
		fs:       afero.NewMemMapFs(),
		reporter: newRecordingReporter(),
	}
	env.dev = devicetest.New(device.ParseInfo(map[string]string{
		"os": "1.2.0", "serial": "3F0123",
	}))
	env.dev.Fs = env.fs

	logger, hook := logrusTest.NewNullLogger()
	env.hook = hook
	env.opts = Options{
		Route: "/dev/ttyACM0",
		Dialer: device.DialerFunc(func(route string) (device.Connection, error) {
			env.lock.Lock()
			defer env.lock.Unlock()
			env.dials++
			return env.dev, nil
		}),
		Attach: device.AttachOptions{Backoff: wait.Backoff{Steps: 1}},
		Log:    logger,
	}

	snapshotLocal = env.snapshotLocal
	fingerprintFile = env.fingerprintFile
	t.Cleanup(func() {
		snapshotLocal = sync.SnapshotLocal
		fingerprintFile = sync.FingerprintFile
	})
	return env
}

func (env *testEnv) snapshotLocal(dir string, opts sync.SnapshotOptions) (sync.LocalInventory, error) {
	env.lock.Lock()
	env.snapshotOpts = append(env.snapshotOpts, opts)
	env.lock.Unlock()

	infos, err := afero.ReadDir(env.fs, dir)
	if err != nil {
		return nil, err
	}

	var local sync.LocalInventory
	for _, info := range infos {
		path := filepath.Join(dir, info.Name())
		fingerprint, size, err := env.fingerprintFile(path)
		if err != nil {
			return nil, err
		}
		local = append(local, sync.LocalFile{
			FileRecord: sync.FileRecord{Name: info.Name(), Fingerprint: fingerprint},
			Path:       path,
			Size:       size,
		})
	}
	return local, nil
}

func (env *testEnv) fingerprintFile(path string) (uint32, int64, error) {
	contents, err := afero.ReadFile(env.fs, path)
	if err != nil {
		return 0, 0, err
	}
	return sync.Fingerprint(contents), int64(len(contents)), nil
}

func (env *testEnv) writeLocal(t *testing.T, files map[string]string) {
	for name, contents := range files {
		err := afero.WriteFile(env.fs, filepath.Join(outputDir, name), []byte(contents), 0644)
		assert.NoError(t, err)
	}
}

func (env *testEnv) putRemote(files map[string]string) {
	for name, contents := range files {
		env.dev.PutFile(name, []byte(contents))
	}
}

func (env *testEnv) remoteContents() map[string]string {
	contents := map[string]string{}
	for name, b := range env.dev.Files() {
		contents[name] = string(b)
	}
	return contents
}

func (env *testEnv) deploy(ctx context.Context, project Project) (Result, error) {
	return New(env.opts).Deploy(ctx, project, env.reporter)
}

func TestFirstDeployment(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app", "Lib.dll": "lib"})

	res, err := env.deploy(context.Background(), app)
	assert.NoError(t, err)
	assert.Equal(t, []string{"App.dll", "Lib.dll"}, res.Transferred)
	assert.Empty(t, res.Deleted)
	assert.Equal(t, "1.2.0", res.Device.OSVersion)
	assert.NotEmpty(t, res.SessionID)

	assert.Equal(t, map[string]string{"App.dll": "app", "Lib.dll": "lib"}, env.remoteContents())
	assert.Equal(t, []string{
		"info", "runtime?", "runtime off", "list",
		"write App.dll", "write Lib.dll",
		"runtime on", "close",
	}, env.dev.Calls())
	assert.True(t, env.dev.RuntimeEnabled())
	assert.True(t, env.dev.Closed())

	assert.Equal(t, 1, env.reporter.firstDeployments)
	assert.Equal(t, []int{0, 100}, env.reporter.progress["App.dll"])
	assert.Contains(t, env.reporter.logs, "Found Meadow with OS v1.2.0 (serial number 3F0123)")
	assert.Contains(t, env.reporter.logs, "Deployment complete. Copied 2 files, removed 0.")
}

func TestDeploySyncPlan(t *testing.T) {
	tests := []struct {
		name           string
		local          map[string]string
		remote         map[string]string
		expDeleted     []string
		expTransferred []string
	}{
		{
			name:           "Delete stale files and transfer new ones",
			local:          map[string]string{"A.dll": "a", "C.dll": "c"},
			remote:         map[string]string{"A.dll": "a", "B.dll": "b"},
			expDeleted:     []string{"B.dll"},
			expTransferred: []string{"C.dll"},
		},
		{
			name:           "Transfer changed file",
			local:          map[string]string{"A.dll": "changed"},
			remote:         map[string]string{"A.dll": "a"},
			expTransferred: []string{"A.dll"},
		},
		{
			name:           "Renamed file is transferred again",
			local:          map[string]string{"New.dll": "same"},
			remote:         map[string]string{"Old.dll": "same"},
			expDeleted:     []string{"Old.dll"},
			expTransferred: []string{"New.dll"},
		},
		{
			name:       "Deletes are sorted",
			local:      map[string]string{"A.dll": "a"},
			remote:     map[string]string{"A.dll": "a", "Z.dll": "z", "M.dll": "m"},
			expDeleted: []string{"M.dll", "Z.dll"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.writeLocal(t, test.local)
			env.putRemote(test.remote)

			res, err := env.deploy(context.Background(), app)
			assert.NoError(t, err)
			assert.Equal(t, test.expDeleted, res.Deleted)
			assert.Equal(t, test.expTransferred, res.Transferred)
			assert.Equal(t, test.local, env.remoteContents())
			assert.Equal(t, 0, env.reporter.firstDeployments)
		})
	}
}

func TestDeletesPrecedeTransfers(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"A.dll": "a"})
	env.putRemote(map[string]string{"B.dll": "b"})

	_, err := env.deploy(context.Background(), app)
	assert.NoError(t, err)
	assert.Equal(t, []string{
		"info", "runtime?", "runtime off", "list",
		"delete B.dll", "write A.dll",
		"runtime on", "close",
	}, env.dev.Calls())
}

func TestRedeployIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app", "Lib.dll": "lib"})

	_, err := env.deploy(context.Background(), app)
	assert.NoError(t, err)

	res, err := env.deploy(context.Background(), app)
	assert.NoError(t, err)
	assert.Empty(t, res.Transferred)
	assert.Empty(t, res.Deleted)
	assert.Contains(t, env.reporter.logs, "Already synced. No files need to be transferred.")
	assert.Equal(t, 1, env.reporter.firstDeployments)
}

func TestDeployCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"A.dll": "a", "B.dll": "b", "C.dll": "c"})

	ctx, cancel := context.WithCancel(context.Background())
	env.dev.AfterWrite = func(name string) {
		cancel()
	}

	res, err := env.deploy(ctx, app)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, []string{"A.dll"}, res.Transferred)
	assert.Equal(t, map[string]string{"A.dll": "a"}, env.remoteContents())
	assert.True(t, env.dev.RuntimeEnabled())
	assert.True(t, env.dev.Closed())
	assert.Contains(t, env.reporter.logs, "Please reset Meadow and try again.")

	env.dev.AfterWrite = nil
	res, err = env.deploy(context.Background(), app)
	assert.NoError(t, err)
	assert.Equal(t, []string{"B.dll", "C.dll"}, res.Transferred)
	assert.Equal(t, map[string]string{"A.dll": "a", "B.dll": "b", "C.dll": "c"}, env.remoteContents())
}

func TestTransferFailureAbortsQueue(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"A.dll": "a", "B.dll": "b", "C.dll": "c"})

	writeErr := errors.IoError{Op: "write", Name: "B.dll", Message: "crc mismatch"}
	env.dev.WriteErr = func(name string) error {
		if name == "B.dll" {
			return writeErr
		}
		return nil
	}

	res, err := env.deploy(context.Background(), app)
	assert.EqualError(t, err, "transfer B.dll: write B.dll: crc mismatch")
	assert.Equal(t, writeErr, errors.RootCause(err))
	assert.Equal(t, []string{"A.dll"}, res.Transferred)
	assert.Equal(t, map[string]string{"A.dll": "a"}, env.remoteContents())

	calls := env.dev.Calls()
	assert.NotContains(t, calls, "write C.dll")
	assert.Equal(t, []string{"runtime on", "close"}, calls[len(calls)-2:])
	assert.True(t, env.dev.RuntimeEnabled())
	assert.Contains(t, env.reporter.logs, "Please reset Meadow and try again.")

	var errorLogged bool
	for _, entry := range env.hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Message == "Deployment failed" {
			errorLogged = true
		}
	}
	assert.True(t, errorLogged)
}

func TestDeleteFailure(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"A.dll": "a"})
	env.putRemote(map[string]string{"B.dll": "b"})
	env.dev.DeleteErr = errors.IoError{Op: "delete", Name: "B.dll", Message: "file locked"}

	_, err := env.deploy(context.Background(), app)
	assert.EqualError(t, err, "delete B.dll: delete B.dll: file locked")
	assert.NotContains(t, env.dev.Calls(), "write A.dll")
	assert.True(t, env.dev.RuntimeEnabled())
}

func TestFileChangedDuringDeploy(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"A.dll": "a", "B.dll": "b"})

	env.dev.AfterWrite = func(name string) {
		env.writeLocal(t, map[string]string{"B.dll": "rebuilt"})
	}

	_, err := env.deploy(context.Background(), app)
	assert.Equal(t, errors.ErrFileChanged, errors.RootCause(err))
	assert.Equal(t, map[string]string{"A.dll": "a"}, env.remoteContents())
}

func TestRuntimeAlreadyDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app"})
	env.dev.SetRuntime(false)

	_, err := env.deploy(context.Background(), app)
	assert.NoError(t, err)
	assert.Equal(t, []string{
		"info", "runtime?", "list", "write App.dll", "runtime on", "close",
	}, env.dev.Calls())
	assert.True(t, env.dev.RuntimeEnabled())
}

func TestSuspendFailure(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app"})
	env.dev.RuntimeErr = assert.AnError

	_, err := env.deploy(context.Background(), app)
	assert.Equal(t, assert.AnError, errors.RootCause(err))
	assert.Equal(t, []string{"info", "runtime?", "runtime on", "close"}, env.dev.Calls())
}

func TestRuntimeEnabledAfterFailureWhenAlreadyDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app"})
	env.dev.SetRuntime(false)
	env.dev.ListErr = assert.AnError

	_, err := env.deploy(context.Background(), app)
	assert.Equal(t, assert.AnError, errors.RootCause(err))
	assert.Equal(t, []string{"info", "runtime?", "list", "runtime on", "close"}, env.dev.Calls())
	assert.True(t, env.dev.RuntimeEnabled())
}

func TestNotDeployable(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.deploy(context.Background(), Project{OutputDir: outputDir, AssemblyName: "Sensors"})
	assert.Equal(t, errors.ErrNotDeployable, err)
	assert.Equal(t, 0, env.dials)
	assert.Empty(t, env.dev.Calls())
}

func TestDeviceNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.opts.Dialer = device.DialerFunc(func(route string) (device.Connection, error) {
		return nil, assert.AnError
	})

	_, err := env.deploy(context.Background(), app)
	assert.Equal(t, errors.DeviceNotFound{Route: "/dev/ttyACM0", Attempts: 1}, errors.RootCause(err))
	assert.Contains(t, env.reporter.logs, "Please reset Meadow and try again.")
}

func TestSnapshotOptions(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app"})

	_, err := env.deploy(context.Background(), app)
	assert.NoError(t, err)

	release := Project{OutputDir: outputDir, AssemblyName: "app"}
	_, err = env.deploy(context.Background(), release)
	assert.NoError(t, err)

	assert.Equal(t, []sync.SnapshotOptions{
		{EntryAssembly: "App.dll", IncludeSymbols: true},
		{EntryAssembly: "app.dll", IncludeSymbols: false},
	}, env.snapshotOpts)
}

func TestDeviceMessagesForwarded(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app"})
	env.dev.AfterWrite = func(name string) {
		env.dev.Emit(device.Message{Source: "stdout", Text: "Hello, Meadow"})
		env.dev.Emit(device.Message{Source: "stdout", Text: "done\n"})
	}

	_, err := env.deploy(context.Background(), app)
	assert.NoError(t, err)
	assert.Equal(t, []string{"Hello, Meadow\n", "done\n"}, env.reporter.messages)
	assert.Equal(t, 0, env.dev.Subscribers())
}

func TestSubscriptionReleasedOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.dev.ListErr = assert.AnError

	_, err := env.deploy(context.Background(), app)
	assert.Error(t, err)
	assert.Equal(t, 0, env.dev.Subscribers())
	assert.True(t, env.dev.Closed())
	assert.True(t, env.dev.RuntimeEnabled())
}

func TestSettleDelay(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app"})

	clock := clockwork.NewFakeClock()
	env.opts.Clock = clock
	env.opts.SettleDelay = DefaultSettleDelay

	res := make(chan error, 1)
	go func() {
		_, err := env.deploy(context.Background(), app)
		res <- err
	}()

	clock.BlockUntil(1)
	assert.False(t, env.dev.RuntimeEnabled())
	assert.Equal(t, map[string]string{"App.dll": "app"}, env.remoteContents())

	clock.Advance(DefaultSettleDelay)
	assert.NoError(t, <-res)
	assert.True(t, env.dev.RuntimeEnabled())
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app"})
	env.opts.Reset = true

	_, err := env.deploy(context.Background(), app)
	assert.NoError(t, err)
	assert.Equal(t, 1, env.dev.Resets())

	calls := env.dev.Calls()
	assert.Equal(t, []string{"runtime on", "reset", "close"}, calls[len(calls)-3:])
}

func TestDeploysAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app"})
	deployer := New(env.opts)

	writing := make(chan struct{})
	release := make(chan struct{})
	env.dev.WriteErr = func(name string) error {
		close(writing)
		<-release
		return nil
	}

	first := make(chan error, 1)
	go func() {
		_, err := deployer.Deploy(context.Background(), app, env.reporter)
		first <- err
	}()
	<-writing

	// A deploy that gives up waiting never touches the device.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := deployer.Deploy(ctx, app, env.reporter)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 1, env.dials)

	close(release)
	assert.NoError(t, <-first)

	res, err := deployer.Deploy(context.Background(), app, env.reporter)
	assert.NoError(t, err)
	assert.Empty(t, res.Transferred)
	assert.Equal(t, 2, env.dials)
}

type mockOSChecker struct {
	mock.Mock
}

func (m *mockOSChecker) Check(ctx context.Context, osVersion string) error {
	return m.Called(ctx, osVersion).Error(0)
}

func TestOSCheckOnlyWarns(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app"})

	checker := &mockOSChecker{}
	checker.On("Check", mock.Anything, "1.2.0").Return(errors.WithContext(
		errors.OfflineDependencyError{OSVersion: "1.2.0", Cause: assert.AnError}, "check manifest"))
	env.opts.OSChecker = checker

	res, err := env.deploy(context.Background(), app)
	assert.NoError(t, err)
	assert.Equal(t, []string{"App.dll"}, res.Transferred)
	checker.AssertExpectations(t)

	var warned bool
	for _, entry := range env.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel &&
			entry.Message == "Couldn't check for the Meadow OS v1.2.0 package. Are you offline?" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestProgressTracker(t *testing.T) {
	reporter := newRecordingReporter()

	tracker := newProgressTracker("App.dll", reporter)
	tracker.update(0, 200)
	tracker.update(1, 200)
	tracker.update(100, 200)
	tracker.update(200, 200)
	assert.Equal(t, []int{0, 50, 100}, reporter.progress["App.dll"])

	empty := newProgressTracker("empty.txt", reporter)
	empty.update(0, 0)
	empty.update(0, 0)
	assert.Equal(t, []int{100}, reporter.progress["empty.txt"])
}

func TestEmptyFileProgress(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, map[string]string{"App.dll": "app", "empty.txt": ""})

	_, err := env.deploy(context.Background(), app)
	assert.NoError(t, err)
	assert.Equal(t, "", env.remoteContents()["empty.txt"])
	assert.Equal(t, []int{100}, env.reporter.progress["empty.txt"])
}

func TestIsDeployableApp(t *testing.T) {
	assert.True(t, Project{AssemblyName: "App"}.IsDeployableApp())
	assert.True(t, Project{AssemblyName: "app"}.IsDeployableApp())
	assert.False(t, Project{AssemblyName: "App.Tests"}.IsDeployableApp())
	assert.False(t, Project{AssemblyName: ""}.IsDeployableApp())
}
