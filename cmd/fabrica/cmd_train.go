package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/train"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Manage fine-tuning jobs",
}

var trainBaseModel string

var trainTriggerCmd = &cobra.Command{
	Use:   "trigger <artifact-type>",
	Short: "Queue a training job from the current pool, regardless of batch size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		t := artifact.Type(args[0])
		entries, err := a.Pool.Entries(t)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("pool for %s is empty", t)
		}
		base := trainBaseModel
		if base == "" {
			routing, ok := a.Router.Routing(t)
			if !ok {
				return fmt.Errorf("no routing for %s; pass --base-model", t)
			}
			base = routing.PrimaryModel
		}
		scheduler := train.NewScheduler(a.Store, a.Cfg.HFTraining.Enabled, a.Log)
		if err := scheduler.ScheduleTraining(cmd.Context(), t, base, entries); err != nil {
			return err
		}
		fmt.Printf("queued training job for %s on %s (%d examples)\n", t, base, len(entries))
		return nil
	},
}

var trainCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a training job",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w, err := newWorker(cfg)
		if err != nil {
			return err
		}
		if err := w.Cancel(args[0]); err != nil {
			return err
		}
		fmt.Printf("cancellation requested for %s\n", args[0])
		return nil
	},
}

var trainStatusFilter string

var trainJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List training jobs",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w, err := newWorker(cfg)
		if err != nil {
			return err
		}
		jobs, err := w.ListJobs(trainStatusFilter)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(jobs)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tTYPE\tBASE MODEL\tSTATUS\tPROGRESS\tEXAMPLES")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%d\n",
				j.JobID, j.ArtifactType, j.BaseModel, j.Status, j.Progress, j.ExamplesCount)
		}
		return tw.Flush()
	},
}

func init() {
	trainTriggerCmd.Flags().StringVar(&trainBaseModel, "base-model", "", "base model id (default: routing primary)")
	trainJobsCmd.Flags().StringVar(&trainStatusFilter, "status", "", "filter by status")
	trainCmd.AddCommand(trainTriggerCmd, trainCancelCmd, trainJobsCmd)
}
