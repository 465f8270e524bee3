package errors

import (
	"fmt"
)

// ErrFileChanged is returned when a file's contents don't match the
// fingerprint that was computed for it before the transfer started.
var ErrFileChanged = New("file contents changed during sync")

// ErrNotDeployable is returned when deployment is requested for a project that
// doesn't produce the device application.
var ErrNotDeployable = New("project is not the deployable application")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// DeviceNotFound is returned when no device answered on the configured route
// before the attach retries were exhausted.
type DeviceNotFound struct {
	Route    string
	Attempts int
}

func (err DeviceNotFound) Error() string {
	return fmt.Sprintf("no Meadow found on %q after %d attempts", err.Route, err.Attempts)
}

func (err DeviceNotFound) FriendlyMessage() string {
	return fmt.Sprintf("Device on %q is not connected or busy.\n"+
		"Check the cable, then run `meadow route` to select the right port.", err.Route)
}

// ConnectionLost is returned when the transport dropped while a command was
// in flight.
type ConnectionLost struct {
	Op    string
	Cause error
}

func (err ConnectionLost) Error() string {
	if err.Cause == nil {
		return fmt.Sprintf("connection lost during %s", err.Op)
	}
	return fmt.Sprintf("connection lost during %s: %s", err.Op, err.Cause)
}

func (err ConnectionLost) Unwrap() error {
	return err.Cause
}

// IoError is returned when the device failed to delete or write a single
// file.
type IoError struct {
	Op      string
	Name    string
	Message string
}

func (err IoError) Error() string {
	return fmt.Sprintf("%s %s: %s", err.Op, err.Name, err.Message)
}

// OfflineDependencyError is returned when the OS package matching the
// device couldn't be verified because the network is unreachable. It never
// aborts a deployment.
type OfflineDependencyError struct {
	OSVersion string
	Cause     error
}

func (err OfflineDependencyError) Error() string {
	return fmt.Sprintf("unable to verify OS package v%s while offline: %s",
		err.OSVersion, err.Cause)
}

func (err OfflineDependencyError) Unwrap() error {
	return err.Cause
}
