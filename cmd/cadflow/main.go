// CadFlow - CAD and mesh format conversion
// Imports STEP, IGES, STL, OBJ, glTF and more into one document and exports
// it to any format with a registered writer.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/lifecycle"
	"github.com/cadflow/cadflow/pkg/tui"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configFile string
	verbose    bool
	logLevel   string
	noProgress bool
	noJournal  bool
)

func main() {
	ctx, stop := lifecycle.SignalContext(context.Background())
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if app != nil {
		app.close()
	}
	if err != nil {
		tui.NewPrinter(os.Stderr).Error(err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "cadflow",
	Short: "CadFlow - Convert CAD and mesh files between formats",
	Long: `CadFlow converts 3D CAD and mesh files between exchange formats.

Input formats are detected from the file suffix or, failing that, from the
file content. Several inputs can be merged into one document and written to
several outputs in one run.`,
	Version:           fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: search ~/.cadflow, project dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "Do not draw progress bars")
	rootCmd.PersistentFlags().BoolVar(&noJournal, "no-journal", false, "Do not record conversions in the history")
}

func setup(cmd *cobra.Command, args []string) error {
	if app != nil {
		return nil
	}
	a, err := newApp(cmd.Context(), appOptions{
		configFile: configFile,
		verbose:    verbose,
		logLevel:   logLevel,
		noJournal:  noJournal,
	})
	if err != nil {
		return err
	}
	app = a
	return nil
}

// exitCode maps failures to process exit codes: 2 for configuration
// mistakes, 130 for cancellation, 1 otherwise.
func exitCode(err error) int {
	switch {
	case cferrors.IsConfiguration(err), cferrors.IsCode(err, cferrors.CodeUnknownFormat):
		return 2
	case cferrors.IsCode(err, cferrors.CodeCancelled), errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
