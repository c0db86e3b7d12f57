package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fabrica-dev/fabrica/internal/sprint"
)

var (
	pkgPreset      string
	pkgCustomTypes []string
)

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Generate a whole sprint package of artifacts",
	Long:  "Generates every artifact of a preset in dependency order. Later artifacts see excerpts of the earlier ones, so the package is internally consistent.",
	Args:  cobra.NoArgs,
	RunE:  runPackage,
}

func init() {
	packageCmd.Flags().StringVarP(&pkgPreset, "preset", "p", "quick", "preset: full, backend, frontend, documentation, pm, quick")
	packageCmd.Flags().StringSliceVar(&pkgCustomTypes, "types", nil, "custom ordered artifact-type list (overrides --preset)")
	packageCmd.Flags().StringVarP(&genNotesFile, "notes-file", "f", "", "file containing the meeting notes (- for stdin)")
	packageCmd.Flags().StringVarP(&genNotes, "notes", "n", "", "meeting notes inline")
}

func runPackage(cmd *cobra.Command, _ []string) error {
	notes, err := readNotes()
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Log.Sync()

	emit := func(ev sprint.Event) {
		if flagJSON {
			printJSON(ev)
			return
		}
		if ev.Type == sprint.EventProgress && ev.Progress != nil {
			fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", ev.Progress.Percent, ev.Progress.Message)
		}
	}
	summary, err := a.Sprint.GeneratePackage(cmd.Context(), notes, pkgPreset, pkgCustomTypes, emit)
	if err != nil {
		return err
	}
	if flagJSON {
		return nil // the result event already went to stdout
	}

	fmt.Printf("package %s (%s): %d artifacts, %.0f%% succeeded in %.1fs\n",
		summary.PackageID, summary.Preset, len(summary.Artifacts),
		summary.SuccessRate*100, summary.TotalTimeSeconds)
	if len(summary.FailedArtifacts) > 0 {
		fmt.Printf("failed: %s\n", strings.Join(summary.FailedArtifacts, ", "))
	}
	return nil
}
