package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fabrica-dev/fabrica/internal/graph"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect the artifact dependency graph",
}

var graphStalenessCmd = &cobra.Command{
	Use:   "staleness <artifact-id>",
	Short: "Check whether an artifact's upstreams changed since it was generated",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		report, err := a.Graph.CheckStaleness(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(report)
		}
		if !report.IsStale {
			fmt.Printf("%s is up to date\n", args[0])
			return nil
		}
		fmt.Printf("%s is stale: %s\n", args[0], report.Reason)
		for _, c := range report.UpstreamChanges {
			fmt.Printf("  - %s now at v%d (updated %s)\n", c.ArtifactID, c.Version, c.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Println(report.Recommendation)
		return nil
	},
}

var graphImpactCmd = &cobra.Command{
	Use:   "impact <artifact-id>",
	Short: "List downstream artifacts affected by a change",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		impact, err := a.Graph.ImpactAnalysis(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(impact)
		}
		if len(impact) == 0 {
			fmt.Println("no downstream artifacts")
			return nil
		}
		for _, e := range impact {
			fmt.Printf("%s%s (depth %d)\n", strings.Repeat("  ", e.Depth-1), e.ArtifactID, e.Depth)
		}
		return nil
	},
}

var graphTreeCmd = &cobra.Command{
	Use:   "tree [root-id]",
	Short: "Print the dependency forest, or the subtree under one artifact",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		root := ""
		if len(args) == 1 {
			root = args[0]
		}
		forest, err := a.Graph.DependencyTree(root)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(forest)
		}
		for _, n := range forest {
			printTree(n, 0)
		}
		return nil
	},
}

func printTree(n *graph.TreeNode, depth int) {
	marker := ""
	if n.IsStale {
		marker = " (stale)"
	}
	if n.Circular {
		marker = " (circular)"
	}
	fmt.Printf("%s%s v%d%s\n", strings.Repeat("  ", depth), n.ArtifactID, n.Version, marker)
	for _, child := range n.Children {
		printTree(child, depth+1)
	}
}

func init() {
	graphCmd.AddCommand(graphStalenessCmd, graphImpactCmd, graphTreeCmd)
}
