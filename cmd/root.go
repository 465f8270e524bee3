package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/meadow/cmd/bugtool"
	"github.com/sidkik/meadow/cmd/deploy"
	"github.com/sidkik/meadow/cmd/files"
	"github.com/sidkik/meadow/cmd/ports"
	"github.com/sidkik/meadow/cmd/route"
	"github.com/sidkik/meadow/cmd/util"
	"github.com/sidkik/meadow/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "MEADOW_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "meadow",
		Short:        "Deploy applications to Meadow devices",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		bugtool.New(),
		deploy.New(),
		files.New(),
		ports.New(),
		route.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
