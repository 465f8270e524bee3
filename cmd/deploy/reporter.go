package deploy

import (
	"fmt"
	"io"
	"strings"
	goSync "sync"

	"github.com/buger/goterm"
)

// terminalReporter prints the progress of a deployment. File progress is
// redrawn on a single line that's replaced by the next line of output.
type terminalReporter struct {
	out io.Writer

	lock goSync.Mutex

	// progressLen is the length of the progress line currently on the
	// screen, or zero if there isn't one.
	progressLen int
}

func newTerminalReporter(out io.Writer) *terminalReporter {
	return &terminalReporter{out: out}
}

func (r *terminalReporter) Log(msg string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.clearProgress()
	fmt.Fprintln(r.out, msg)
}

func (r *terminalReporter) Success(msg string) {
	r.Log(goterm.Color(msg, goterm.GREEN))
}

func (r *terminalReporter) FileProgress(name string, percent int) {
	r.lock.Lock()
	defer r.lock.Unlock()

	line := fmt.Sprintf("%s %3d%%", name, percent)
	r.clearProgress()
	fmt.Fprint(r.out, line)
	r.progressLen = len(line)

	if percent >= 100 {
		fmt.Fprintln(r.out)
		r.progressLen = 0
	}
}

func (r *terminalReporter) DeviceMessage(msg string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.clearProgress()
	fmt.Fprint(r.out, goterm.Color(msg, goterm.CYAN))
}

func (r *terminalReporter) FirstDeployment() {
	r.Log(goterm.Color("First deployment to this device. Transferring all files.", goterm.YELLOW))
}

// clearProgress erases the progress line. The lock must be held.
func (r *terminalReporter) clearProgress() {
	if r.progressLen == 0 {
		return
	}
	fmt.Fprint(r.out, "\r"+strings.Repeat(" ", r.progressLen)+"\r")
	r.progressLen = 0
}
