// Package fswatch notifies when the build output of an application changes,
// so that it can be redeployed.
package fswatch

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/meadow/pkg/errors"
)

// QuietPeriod is how long the directory must go without changes before an
// update is sent. A build writes many files, and deploying halfway through
// would only transfer some of them.
const QuietPeriod = 500 * time.Millisecond

// Mocked out for unit testing.
var (
	fs    = afero.NewOsFs()
	clock = clockwork.NewRealClock()
)

// Watcher sends an event on Updates after the files in the watched
// directory change.
type Watcher struct {
	Updates chan struct{}

	watcher *fsnotify.Watcher
}

// Watch watches the top level of `dir`. Subdirectories aren't watched since
// their contents are never deployed.
func Watch(dir string) (*Watcher, error) {
	if err := checkDir(dir); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	if err := watcher.Add(dir); err != nil {
		// Close the watcher so that we release its file handles.
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
		return nil, errors.WithContext(err, "watch")
	}

	go logErrors(watcher.Errors)
	return &Watcher{
		Updates: combineUpdates(watcher.Events, QuietPeriod),
		watcher: watcher,
	}, nil
}

// Close stops watching. No more updates are sent afterwards.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func checkDir(dir string) error {
	fi, err := fs.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: dir}
		}
		return errors.WithContext(err, "stat")
	}

	if !fi.IsDir() {
		return errors.New("%q is not a directory", dir)
	}
	return nil
}

// combineUpdates merges bursts of events into a single update that's sent
// once no events have arrived for `quiet`.
func combineUpdates(events <-chan fsnotify.Event, quiet time.Duration) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		var settled <-chan time.Time
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}

				// Permission changes don't affect what's deployed.
				if event.Op == fsnotify.Chmod {
					continue
				}
				settled = clock.After(quiet)
			case <-settled:
				settled = nil
				select {
				case combined <- struct{}{}:
				default:
				}
			}
		}
	}()
	return combined
}

func logErrors(errs <-chan error) {
	for err := range errs {
		log.WithError(err).Warn("File watcher error")
	}
}
