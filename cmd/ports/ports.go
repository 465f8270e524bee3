package ports

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/meadow/cmd/util"
	"github.com/sidkik/meadow/pkg/config"
	"github.com/sidkik/meadow/pkg/device/hcom"
)

// Mocked out for unit testing.
var (
	stdout    io.Writer = os.Stdout
	listPorts           = hcom.ListPorts
	getRoute            = config.GetRoute
)

// New creates a new `ports` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List the serial ports a Meadow may be attached to",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run() error {
	ports, err := listPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Fprintln(stdout, "No serial ports found.")
		return nil
	}

	// The saved route is only used to mark the port, so failing to read it
	// isn't fatal.
	route, _ := getRoute()
	for _, port := range ports {
		if port == route {
			fmt.Fprintf(stdout, "%s (saved route)\n", port)
		} else {
			fmt.Fprintln(stdout, port)
		}
	}
	return nil
}
