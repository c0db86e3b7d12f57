package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fabrica-dev/fabrica/internal/generate"
)

var (
	genNotesFile   string
	genNotes       string
	genTemperature float64
	genRetries     int
	genThreshold   int
	genContextID   string
	genIncludeRAG  bool
	genOutput      string
)

var generateCmd = &cobra.Command{
	Use:   "generate <artifact-type>",
	Short: "Generate one artifact from meeting notes",
	Args:  cobra.ExactArgs(1),
	RunE:  runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&genNotesFile, "notes-file", "f", "", "file containing the meeting notes (- for stdin)")
	generateCmd.Flags().StringVarP(&genNotes, "notes", "n", "", "meeting notes inline")
	generateCmd.Flags().Float64Var(&genTemperature, "temperature", 0, "sampling temperature (default 0.2)")
	generateCmd.Flags().IntVar(&genRetries, "max-retries", 0, "retries per model (default 2, -1 for none)")
	generateCmd.Flags().IntVar(&genThreshold, "threshold", 0, "validation threshold; 0 accepts any parseable artifact (default 80)")
	generateCmd.Flags().StringVar(&genContextID, "context-id", "", "reuse an assembled context by id")
	generateCmd.Flags().BoolVar(&genIncludeRAG, "rag", false, "include repository retrieval context")
	generateCmd.Flags().StringVarP(&genOutput, "output", "o", "", "write artifact content to this file")
}

func readNotes() (string, error) {
	switch {
	case genNotes != "":
		return genNotes, nil
	case genNotesFile == "-":
		raw, err := os.ReadFile("/dev/stdin")
		return string(raw), err
	case genNotesFile != "":
		raw, err := os.ReadFile(genNotesFile)
		return string(raw), err
	}
	return "", fmt.Errorf("provide meeting notes via --notes or --notes-file")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	notes, err := readNotes()
	if err != nil {
		return err
	}
	if strings.TrimSpace(notes) == "" {
		return fmt.Errorf("meeting notes are empty")
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Log.Sync()

	threshold := genThreshold
	if threshold == 0 && cmd.Flags().Changed("threshold") {
		// An explicit --threshold 0 means "accept any parseable artifact";
		// an unset flag means "use the configured default".
		threshold = -1
	}
	opts := generate.Options{
		Temperature:         genTemperature,
		MaxRetriesPerModel:  genRetries,
		ValidationThreshold: threshold,
		ContextID:           genContextID,
		IncludeRAG:          genIncludeRAG,
		LocalTimeout:        a.Cfg.LocalTimeout(),
		CloudTimeout:        a.Cfg.CloudTimeout(),
	}
	var progress generate.ProgressFunc
	if !flagJSON {
		progress = func(pct int, msg string) {
			fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", pct, msg)
		}
	}

	res, err := a.Orchestrator.Generate(cmd.Context(), args[0], notes, opts, progress)
	if err != nil {
		return err
	}

	if genOutput != "" && res.Content != "" {
		if err := os.MkdirAll(filepath.Dir(genOutput), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(genOutput, []byte(res.Content), 0o644); err != nil {
			return err
		}
	}

	if flagJSON {
		return printJSON(res)
	}
	switch res.Kind {
	case generate.KindOk:
		fmt.Fprintf(os.Stderr, "generated %s with %s (score %d)\n", args[0], res.ModelUsed, res.Score)
	case generate.KindLowQuality:
		fmt.Fprintf(os.Stderr, "warning: %s\n", res.Warning)
	case generate.KindFailed:
		return fmt.Errorf("generation failed: %s", res.ErrorType)
	}
	if genOutput == "" {
		fmt.Println(res.Content)
	}
	return nil
}
