package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "Inspect and register artifact types",
}

var typesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in and custom artifact types",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		customs := a.Types.CustomTypes()
		if flagJSON {
			return printJSON(map[string]any{
				"builtin": artifact.Builtins(),
				"custom":  customs,
			})
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tKIND\tCATEGORY")
		for _, t := range artifact.Builtins() {
			c, _ := artifact.BuiltinCategory(t)
			fmt.Fprintf(w, "%s\tbuiltin\t%s\n", t, c)
		}
		for _, c := range customs {
			fmt.Fprintf(w, "%s\tcustom\t%s\n", c.Name, c.Category)
		}
		return w.Flush()
	},
}

var (
	typeTemplateFile string
	typeCategory     string
)

var typesRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a custom artifact type with a prompt template",
	Long:  "The template file must contain both {meeting_notes} and {context}; it replaces the default prompt entirely for this type.",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		raw, err := os.ReadFile(typeTemplateFile)
		if err != nil {
			return err
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		if err := a.Types.RegisterCustom(args[0], string(raw), artifact.Category(typeCategory)); err != nil {
			return err
		}
		fmt.Printf("registered custom type %s (%s)\n", args[0], typeCategory)
		return nil
	},
}

func init() {
	typesRegisterCmd.Flags().StringVarP(&typeTemplateFile, "template", "t", "", "prompt template file (required)")
	typesRegisterCmd.Flags().StringVar(&typeCategory, "category", string(artifact.CategoryDoc), "validator category: diagram-mermaid, diagram-html, code, doc")
	typesRegisterCmd.MarkFlagRequired("template")
	typesCmd.AddCommand(typesListCmd, typesRegisterCmd)
	rootCmd.AddCommand(typesCmd)
}
