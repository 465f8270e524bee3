package device

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/sidkik/meadow/pkg/errors"
)

// Dialer opens a connection to the device on the given route.
type Dialer interface {
	Dial(route string) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(route string) (Connection, error)

// Dial calls f(route).
func (f DialerFunc) Dial(route string) (Connection, error) {
	return f(route)
}

// DefaultBackoff is used when attaching to a device. The device needs a few
// seconds to enumerate after it's plugged in or reset.
var DefaultBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   1.5,
	Steps:    10,
	Cap:      4 * time.Second,
}

// AttachOptions controls how Attach retries.
type AttachOptions struct {
	Backoff wait.Backoff
	Clock   clockwork.Clock
}

// Attach opens a connection on `route` and waits until the device responds
// to a device info request. Failed attempts are retried according to the
// backoff. When the attempts are exhausted, a DeviceNotFound error is
// returned.
func Attach(ctx context.Context, dialer Dialer, route string, opts AttachOptions) (Connection, Info, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	backoff := opts.Backoff
	if backoff.Steps == 0 {
		backoff = DefaultBackoff
	}

	attempts := backoff.Steps
	for attempt := 1; ; attempt++ {
		conn, info, err := attachOnce(ctx, dialer, route)
		if err == nil {
			return conn, info, nil
		}

		if ctx.Err() != nil {
			return nil, Info{}, ctx.Err()
		}

		if attempt >= attempts {
			log.WithError(err).WithField("route", route).Debug("Giving up on attaching to device")
			return nil, Info{}, errors.DeviceNotFound{Route: route, Attempts: attempt}
		}

		delay := backoff.Step()
		log.WithError(err).WithFields(log.Fields{
			"route":   route,
			"attempt": attempt,
			"retryIn": delay,
		}).Debug("Device didn't respond. Retrying.")

		select {
		case <-ctx.Done():
			return nil, Info{}, ctx.Err()
		case <-opts.Clock.After(delay):
		}
	}
}

func attachOnce(ctx context.Context, dialer Dialer, route string) (Connection, Info, error) {
	conn, err := dialer.Dial(route)
	if err != nil {
		return nil, Info{}, errors.WithContext(err, "open")
	}

	info, err := conn.GetDeviceInfo(ctx)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			log.WithError(closeErr).Debug("Failed to close unresponsive connection")
		}
		return nil, Info{}, errors.WithContext(err, "get device info")
	}
	return conn, info, nil
}
