package util

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/meadow/pkg/errors"
)

// Mocked out for unit testing.
var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
	clock            = clockwork.NewRealClock()
)

// HandleFatalError prints the error and exits. Errors with a friendly message
// only print the message. The full error is still available in the debug
// logs.
func HandleFatalError(err error) {
	if msg, ok := errors.GetFriendlyMessage(err); ok {
		fmt.Fprintln(stderr, msg)
		log.WithError(err).Debug("Fatal error")
	} else {
		log.WithError(err).Error("Fatal error")
	}
	exit(1)
}

// HandlePanic logs the stack trace of a panic before exiting. It must be
// deferred.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		exit(1)
	}
}

// SignalContext returns a context that's cancelled when the user hits
// Ctrl-C.
func SignalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		select {
		case <-c:
			log.Debug("Received interrupt. Cancelling.")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(c)
		cancel()
	}
}

// ProgressPrinter prints a message followed by a dot every second until it's
// stopped.
type ProgressPrinter struct {
	out  io.Writer
	msg  string
	stop chan struct{}
	done chan struct{}
}

// NewProgressPrinter creates a ProgressPrinter. Run must be called to start
// printing.
func NewProgressPrinter(out io.Writer, msg string) *ProgressPrinter {
	return &ProgressPrinter{
		out:  out,
		msg:  msg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run prints until Stop is called.
func (pp *ProgressPrinter) Run() {
	defer close(pp.done)

	fmt.Fprint(pp.out, pp.msg)
	for {
		select {
		case <-pp.stop:
			fmt.Fprintln(pp.out)
			return
		case <-clock.After(time.Second):
			fmt.Fprint(pp.out, ".")
		}
	}
}

// Stop stops printing, and waits for the final newline to be printed.
func (pp *ProgressPrinter) Stop() {
	close(pp.stop)
	<-pp.done
}
