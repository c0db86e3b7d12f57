package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

var routingCmd = &cobra.Command{
	Use:   "routing",
	Short: "Inspect and change model routing per artifact type",
}

var routingListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the routing table",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		routings := a.Router.Routings()
		if flagJSON {
			return printJSON(routings)
		}
		types := make([]string, 0, len(routings))
		for t := range routings {
			types = append(types, string(t))
		}
		sort.Strings(types)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ARTIFACT TYPE\tPRIMARY\tFALLBACKS\tENABLED")
		for _, t := range types {
			r := routings[artifact.Type(t)]
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", t, r.PrimaryModel, strings.Join(r.FallbackModels, ","), r.Enabled)
		}
		return w.Flush()
	},
}

var (
	routingFallbacks []string
	routingDisabled  bool
)

var routingSetCmd = &cobra.Command{
	Use:   "set <artifact-type> <primary-model>",
	Short: "Replace the routing for an artifact type",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		t := artifact.Type(args[0])
		if err := a.Router.UpdateRouting(t, args[1], routingFallbacks, !routingDisabled); err != nil {
			return err
		}
		fmt.Printf("routing updated: %s -> %s\n", t, args[1])
		return nil
	},
}

var routingPromoteCmd = &cobra.Command{
	Use:   "promote <artifact-type> <model-id>",
	Short: "Make a model primary for an artifact type",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		t := artifact.Type(args[0])
		if err := a.Router.Promote(t, args[1]); err != nil {
			return err
		}
		fmt.Printf("promoted %s for %s\n", args[1], t)
		return nil
	},
}

func init() {
	routingSetCmd.Flags().StringSliceVar(&routingFallbacks, "fallbacks", nil, "ordered fallback model ids")
	routingSetCmd.Flags().BoolVar(&routingDisabled, "disabled", false, "disable generation for this type")
	routingCmd.AddCommand(routingListCmd, routingSetCmd, routingPromoteCmd)
}
