package route

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/meadow/cmd/util"
	"github.com/sidkik/meadow/pkg/config"
	"github.com/sidkik/meadow/pkg/device/hcom"
	"github.com/sidkik/meadow/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout    io.Writer = os.Stdout
	stdin     io.Reader = os.Stdin
	listPorts           = hcom.ListPorts
	getRoute            = config.GetRoute
	saveRoute           = config.SaveRoute
)

// New creates a new `route` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route [port]",
		Short: "Select the serial port of the Meadow",
		Long: "Save the serial port that the Meadow is attached to, so that\n" +
			"other commands use it by default.\n" +
			"If no port is given, the available ports are listed to choose from.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			var route string
			if len(args) == 1 {
				route = args[0]
			}

			if err := setRoute(route); err != nil {
				err = errors.NewFriendlyError("Failed to save route:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the saved route",
		Run: func(_ *cobra.Command, _ []string) {
			route, err := getRoute()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "read settings"))
			}
			fmt.Fprintln(stdout, route)
		},
	})
	return cmd
}

func setRoute(route string) error {
	if route == "" {
		var err error
		route, err = chooseRoute()
		if err != nil {
			return errors.WithContext(err, "choose route")
		}
	}

	if msg, ok := validateRoute(route); !ok {
		return errors.New("%s", msg)
	}

	if err := saveRoute(route); err != nil {
		return errors.WithContext(err, "write settings")
	}

	fmt.Fprintf(stdout, "Saved route %s\n", route)
	return nil
}

func validateRoute(route string) (string, bool) {
	switch {
	case route == "":
		return "The route must not be empty.", false
	case strings.ContainsAny(route, " \t"):
		return "The route must not contain spaces.", false
	}
	return "", true
}

// chooseRoute prompts the user to pick one of the serial ports on this
// machine. The saved route is recommended if it's still available.
func chooseRoute() (string, error) {
	ports, err := listPorts()
	if err != nil {
		return "", errors.WithContext(err, "list serial ports")
	}

	curr, err := getRoute()
	if err != nil {
		curr = ""
		log.WithError(err).Debug("Failed to read current route")
	}

	for {
		resp, err := promptUser("Select the serial port the Meadow is attached to.",
			"Route", ports, curr)
		if err != nil {
			return "", errors.WithContext(err, "read response")
		}

		msg, ok := validateRoute(resp)
		if ok {
			return resp, nil
		}
		fmt.Fprintln(stdout, msg)
	}
}

func promptUser(helpString, prompt string, ports []string, currAnswer string) (string, error) {
	// Display a new line at the end to separate the prompt from the
	// following output.
	defer fmt.Fprintln(stdout)

	var options []string
	for _, port := range ports {
		if port == currAnswer {
			options = append([]string{port}, options...)
		} else {
			options = append(options, port)
		}
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	stdinReader := bufio.NewReader(stdin)

	if nOptions := len(options); nOptions > 1 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimRight(choiceStr, "\r\n")

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					// Try again if the input is invalid.
					continue
				}
			}

			if choice == nOptions {
				// Enter manually.
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(resp, "\r\n"), nil
}
