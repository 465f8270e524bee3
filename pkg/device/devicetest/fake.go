// Package devicetest provides an in-memory Meadow for testing code that
// depends on device.Connection.
package devicetest

import (
	"context"
	"sort"
	goSync "sync"

	"github.com/spf13/afero"

	"github.com/sidkik/meadow/pkg/device"
	"github.com/sidkik/meadow/pkg/errors"
	"github.com/sidkik/meadow/pkg/sync"
)

// FakeDevice implements device.Connection against an in-memory file system.
// The exported hooks let tests inject failures.
type FakeDevice struct {
	Info device.Info

	// Fs is used to read the local files passed to WriteFile.
	Fs afero.Fs

	// WriteErr is called before each file is written. A non-nil result
	// fails the write.
	WriteErr func(name string) error

	// AfterWrite is called after each file is successfully written.
	AfterWrite func(name string)

	// Errors returned by the corresponding methods when set.
	InfoErr    error
	ListErr    error
	DeleteErr  error
	RuntimeErr error

	lock           goSync.Mutex
	files          map[string][]byte
	runtimeEnabled bool
	resets         int
	closed         bool
	calls          []string
	subs           map[int]chan device.Message
	nextSub        int
}

// New returns a FakeDevice with an enabled runtime and no files.
func New(info device.Info) *FakeDevice {
	return &FakeDevice{
		Info:           info,
		Fs:             afero.NewOsFs(),
		files:          map[string][]byte{},
		runtimeEnabled: true,
		subs:           map[int]chan device.Message{},
	}
}

func (d *FakeDevice) record(call string) {
	d.calls = append(d.calls, call)
}

// Calls returns the operations performed on the device in order, e.g.
// "write App.dll".
func (d *FakeDevice) Calls() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string{}, d.calls...)
}

// PutFile stores a file on the device.
func (d *FakeDevice) PutFile(name string, contents []byte) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.files[name] = append([]byte{}, contents...)
}

// RemoveFile deletes a file from the device.
func (d *FakeDevice) RemoveFile(name string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	_, ok := d.files[name]
	delete(d.files, name)
	return ok
}

// Files returns a copy of the files stored on the device.
func (d *FakeDevice) Files() map[string][]byte {
	d.lock.Lock()
	defer d.lock.Unlock()

	files := map[string][]byte{}
	for name, contents := range d.files {
		files[name] = contents
	}
	return files
}

// FileNames returns the sorted names of the files on the device.
func (d *FakeDevice) FileNames() []string {
	var names []string
	for name := range d.Files() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RuntimeEnabled returns the current runtime state.
func (d *FakeDevice) RuntimeEnabled() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.runtimeEnabled
}

// SetRuntime sets the runtime state without recording a call.
func (d *FakeDevice) SetRuntime(enabled bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.runtimeEnabled = enabled
}

// Resets returns how many times the device was reset.
func (d *FakeDevice) Resets() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.resets
}

// Closed returns whether Close was called.
func (d *FakeDevice) Closed() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.closed
}

// Subscribers returns the number of active subscriptions.
func (d *FakeDevice) Subscribers() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.subs)
}

// Emit sends console output to all subscribers.
func (d *FakeDevice) Emit(msg device.Message) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, sub := range d.subs {
		sub <- msg
	}
}

func (d *FakeDevice) Route() string {
	return "fake"
}

func (d *FakeDevice) GetDeviceInfo(ctx context.Context) (device.Info, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.record("info")
	return d.Info, d.InfoErr
}

func (d *FakeDevice) ListFiles(ctx context.Context) (sync.Inventory, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.record("list")

	if d.ListErr != nil {
		return nil, d.ListErr
	}

	inv := sync.Inventory{}
	for name, contents := range d.files {
		inv = append(inv, sync.FileRecord{Name: name, Fingerprint: sync.Fingerprint(contents)})
	}
	sort.Slice(inv, func(i, j int) bool { return inv[i].Name < inv[j].Name })
	return inv, nil
}

func (d *FakeDevice) DeleteFile(ctx context.Context, name string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.record("delete " + name)

	if d.DeleteErr != nil {
		return d.DeleteErr
	}
	if _, ok := d.files[name]; !ok {
		return errors.IoError{Op: "delete", Name: name, Message: "no such file"}
	}
	delete(d.files, name)
	return nil
}

func (d *FakeDevice) WriteFile(ctx context.Context, localPath, remoteName string,
	progress device.ProgressFunc) error {

	d.lock.Lock()
	d.record("write " + remoteName)
	writeErr, afterWrite := d.WriteErr, d.AfterWrite
	d.lock.Unlock()

	if writeErr != nil {
		if err := writeErr(remoteName); err != nil {
			return err
		}
	}

	contents, err := afero.ReadFile(d.Fs, localPath)
	if err != nil {
		return errors.WithContext(err, "read local file")
	}

	total := int64(len(contents))
	if progress != nil {
		progress(0, total)
		progress(total, total)
	}

	d.PutFile(remoteName, contents)
	if afterWrite != nil {
		afterWrite(remoteName)
	}
	return nil
}

func (d *FakeDevice) IsRuntimeEnabled(ctx context.Context) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.record("runtime?")
	return d.runtimeEnabled, d.RuntimeErr
}

func (d *FakeDevice) SetRuntimeEnabled(ctx context.Context, enabled bool) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if enabled {
		d.record("runtime on")
	} else {
		d.record("runtime off")
	}

	if d.RuntimeErr != nil {
		return d.RuntimeErr
	}
	d.runtimeEnabled = enabled
	return nil
}

func (d *FakeDevice) Reset(ctx context.Context) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.record("reset")
	d.resets++
	return nil
}

func (d *FakeDevice) Subscribe() (<-chan device.Message, func()) {
	d.lock.Lock()
	defer d.lock.Unlock()

	id := d.nextSub
	d.nextSub++
	ch := make(chan device.Message, 16)
	d.subs[id] = ch

	cancel := func() {
		d.lock.Lock()
		defer d.lock.Unlock()
		if sub, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (d *FakeDevice) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.record("close")
	d.closed = true
	return nil
}
