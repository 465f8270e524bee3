package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/sidkik/meadow/pkg/device"
	"github.com/sidkik/meadow/pkg/device/mocks"
	"github.com/sidkik/meadow/pkg/errors"
)

type attachResult struct {
	conn device.Connection
	info device.Info
	err  error
}

func runAttach(ctx context.Context, dialer device.Dialer, clock clockwork.Clock, steps int) chan attachResult {
	res := make(chan attachResult, 1)
	go func() {
		conn, info, err := device.Attach(ctx, dialer, "/dev/ttyACM0", device.AttachOptions{
			Backoff: wait.Backoff{Duration: time.Second, Factor: 2, Steps: steps},
			Clock:   clock,
		})
		res <- attachResult{conn, info, err}
	}()
	return res
}

func TestAttachRetries(t *testing.T) {
	info := device.ParseInfo(map[string]string{"os": "1.2.0", "serial": "ABC"})

	unresponsive := &mocks.Connection{}
	unresponsive.On("GetDeviceInfo", mock.Anything).Return(device.Info{}, assert.AnError)
	unresponsive.On("Close").Return(nil)

	healthy := &mocks.Connection{}
	healthy.On("GetDeviceInfo", mock.Anything).Return(info, nil)

	var dials int
	dialer := device.DialerFunc(func(route string) (device.Connection, error) {
		assert.Equal(t, "/dev/ttyACM0", route)
		dials++
		switch dials {
		case 1:
			return nil, assert.AnError
		case 2:
			return unresponsive, nil
		default:
			return healthy, nil
		}
	})

	clock := clockwork.NewFakeClock()
	res := runAttach(context.Background(), dialer, clock, 5)

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Minute)
	}

	result := <-res
	assert.NoError(t, result.err)
	assert.Equal(t, healthy, result.conn)
	assert.Equal(t, "1.2.0", result.info.OSVersion)
	assert.Equal(t, 3, dials)
	unresponsive.AssertExpectations(t)
}

func TestAttachDeviceNotFound(t *testing.T) {
	var dials int
	dialer := device.DialerFunc(func(route string) (device.Connection, error) {
		dials++
		return nil, assert.AnError
	})

	clock := clockwork.NewFakeClock()
	res := runAttach(context.Background(), dialer, clock, 3)

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Minute)
	}

	result := <-res
	assert.Equal(t, errors.DeviceNotFound{Route: "/dev/ttyACM0", Attempts: 3}, result.err)
	assert.Equal(t, 3, dials)
}

func TestAttachCancelled(t *testing.T) {
	dialer := device.DialerFunc(func(route string) (device.Connection, error) {
		return nil, assert.AnError
	})

	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	res := runAttach(ctx, dialer, clock, 10)

	clock.BlockUntil(1)
	cancel()

	result := <-res
	assert.Equal(t, context.Canceled, result.err)
}

func TestInfoString(t *testing.T) {
	info := device.ParseInfo(map[string]string{
		"os":      "1.2.0",
		"runtime": "1.2.0.1",
		"serial":  "ABC",
		"model":   "F7v2",
	})
	assert.Equal(t, "1.2.0", info.OSVersion)
	assert.Equal(t, "1.2.0.1", info.RuntimeVersion)
	assert.Equal(t, "ABC", info.SerialNumber)
	assert.Equal(t, "F7v2", info.Model)
	assert.Equal(t, "model=F7v2 os=1.2.0 runtime=1.2.0.1 serial=ABC", info.String())
}
