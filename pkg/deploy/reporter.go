package deploy

import (
	"strings"

	"github.com/sidkik/meadow/pkg/device"
)

// Reporter displays the progress of a deployment to the user.
// Its methods are called from the goroutine running Deploy, except for
// DeviceMessage, which may be called concurrently.
type Reporter interface {
	// Log displays a line of text.
	Log(msg string)

	// FileProgress displays the percentage of `name` that has been
	// transferred.
	FileProgress(name string, percent int)

	// DeviceMessage displays console output from the device. `msg` always
	// ends with a newline.
	DeviceMessage(msg string)

	// FirstDeployment is called when the device doesn't hold any files,
	// and every file is about to be transferred.
	FirstDeployment()
}

// NopReporter discards all reports.
type NopReporter struct{}

func (NopReporter) Log(string)               {}
func (NopReporter) FileProgress(string, int) {}
func (NopReporter) DeviceMessage(string)     {}
func (NopReporter) FirstDeployment()         {}

func formatDeviceMessage(msg device.Message) string {
	text := msg.Text
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text
}

// progressTracker converts byte progress into percentages, and only reports
// when the percentage changes.
type progressTracker struct {
	name     string
	reporter Reporter
	last     int
}

func newProgressTracker(name string, reporter Reporter) *progressTracker {
	return &progressTracker{name: name, reporter: reporter, last: -1}
}

func (tracker *progressTracker) update(completed, total int64) {
	// An empty file is complete as soon as its header is sent.
	percent := 100
	if total > 0 {
		percent = int(completed * 100 / total)
	}

	if percent == tracker.last {
		return
	}
	tracker.last = percent
	tracker.reporter.FileProgress(tracker.name, percent)
}
