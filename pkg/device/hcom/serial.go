package hcom

import (
	"go.bug.st/serial"

	"github.com/sidkik/meadow/pkg/device"
	"github.com/sidkik/meadow/pkg/errors"
)

// BaudRate is the speed of the Meadow's USB serial port.
const BaudRate = 115200

// Mocked out for unit testing.
var (
	openPort  = serial.Open
	listPorts = serial.GetPortsList
)

// SerialDialer returns a Dialer that opens the serial port named by the route.
func SerialDialer(opts Options) device.Dialer {
	return device.DialerFunc(func(route string) (device.Connection, error) {
		port, err := openPort(route, &serial.Mode{BaudRate: BaudRate})
		if err != nil {
			return nil, errors.WithContext(err, "open serial port")
		}
		return New(route, port, opts), nil
	})
}

// ListPorts returns the names of the serial ports on this machine.
func ListPorts() ([]string, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, errors.WithContext(err, "list serial ports")
	}
	return ports, nil
}
