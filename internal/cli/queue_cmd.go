package cli

import (
	"text/tabwriter"

	"inboxpilot-backend/internal/worker"

	"github.com/spf13/cobra"
)

func newQueuesCmd(deps Deps) *cobra.Command {
	queuesCmd := &cobra.Command{
		Use:   "queues",
		Short: "Inspect the job queues",
	}
	queuesCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show waiting, active, delayed, completed and failed jobs per queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := deps.Pipeline.QueueStats()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			printf(w, "QUEUE\tWAITING\tACTIVE\tDELAYED\tCOMPLETED\tFAILED\n")
			for _, name := range worker.QueueNames {
				s := stats[name]
				printf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", name, s.Waiting, s.Active, s.Delayed, s.Completed, s.Failed)
			}
			return w.Flush()
		},
	})
	return queuesCmd
}
