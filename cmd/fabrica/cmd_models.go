package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect and manage known models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known models and their statuses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		models := a.Router.Models()
		if flagJSON {
			return printJSON(models)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tPROVIDER\tSTATUS")
		for _, m := range models {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Provider, m.Status)
		}
		return w.Flush()
	},
}

var modelsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-probe model availability (ollama, HF cache, API keys)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		if err := a.Router.RefreshStatuses(cmd.Context()); err != nil {
			return err
		}
		return modelsListCmd.RunE(cmd, nil)
	},
}

var modelsAddCmd = &cobra.Command{
	Use:   "add <model-id>",
	Short: "Register a model id (e.g. ollama:llama3.2, openai:gpt-4o)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		info, err := a.Router.AddModel(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("registered %s (%s)\n", info.ID, info.Status)
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsListCmd, modelsRefreshCmd, modelsAddCmd)
}
