package device

//go:generate mockery -name Connection

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sidkik/meadow/pkg/sync"
)

// Connection is the interface for managing the files and runtime of an
// attached Meadow.
// A Connection isn't safe for concurrent use. The deploy package guarantees
// that only one session uses it at a time.
type Connection interface {
	// Route returns the route (e.g. the serial port) the connection is
	// open on.
	Route() string

	GetDeviceInfo(ctx context.Context) (Info, error)

	// ListFiles returns the files stored in the application directory of
	// the device, along with the CRC32 the device computed for each.
	ListFiles(ctx context.Context) (sync.Inventory, error)

	DeleteFile(ctx context.Context, name string) error

	// WriteFile writes the local file at `localPath` to the device as
	// `remoteName`. The device verifies the written contents against the
	// fingerprint computed while sending. `progress` is called as bytes
	// are sent and may be nil.
	WriteFile(ctx context.Context, localPath, remoteName string, progress ProgressFunc) error

	IsRuntimeEnabled(ctx context.Context) (bool, error)
	SetRuntimeEnabled(ctx context.Context, enabled bool) error

	// Reset restarts the device. The device becomes unreachable
	// immediately, so the reset isn't awaited.
	Reset(ctx context.Context) error

	// Subscribe returns a channel that receives the console output of the
	// device until the returned cancel function is called.
	Subscribe() (<-chan Message, func())

	Close() error
}

// ProgressFunc reports the number of bytes that have been sent out of the
// total.
type ProgressFunc func(completed, total int64)

// Info describes the attached device.
type Info struct {
	OSVersion      string
	RuntimeVersion string
	SerialNumber   string
	Model          string

	// Properties contains every property the device reported, including
	// the ones above.
	Properties map[string]string
}

// ParseInfo builds an Info from the key/value properties reported by the
// device.
func ParseInfo(props map[string]string) Info {
	return Info{
		OSVersion:      props["os"],
		RuntimeVersion: props["runtime"],
		SerialNumber:   props["serial"],
		Model:          props["model"],
		Properties:     props,
	}
}

func (info Info) String() string {
	var keys []string
	for k := range info.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, info.Properties[k]))
	}
	return strings.Join(pairs, " ")
}

// Message is a line of console output emitted by the device.
type Message struct {
	Source string
	Text   string
}
