package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect the fine-tuning example pools",
}

var poolStatsCmd = &cobra.Command{
	Use:   "stats <artifact-type>",
	Short: "Show pool size and real/synthetic breakdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		stats, err := a.Pool.SourceStats(artifact.Type(args[0]))
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(stats)
		}
		fmt.Printf("total: %d\nreal: %d\nsynthetic: %d\n", stats.Total, stats.Real, stats.Synthetic)
		return nil
	},
}

var poolRemoveSyntheticCmd = &cobra.Command{
	Use:   "remove-synthetic <artifact-type>",
	Short: "Drop synthetic examples from a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		n, err := a.Pool.RemoveSynthetic(artifact.Type(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("removed %d synthetic examples\n", n)
		return nil
	},
}

var poolClearCmd = &cobra.Command{
	Use:   "clear <artifact-type>",
	Short: "Empty a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		if err := a.Pool.Clear(artifact.Type(args[0])); err != nil {
			return err
		}
		fmt.Println("pool cleared")
		return nil
	},
}

func init() {
	poolCmd.AddCommand(poolStatsCmd, poolRemoveSyntheticCmd, poolClearCmd)
}
