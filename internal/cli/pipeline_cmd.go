package cli

import (
	"inboxpilot-backend/internal/worker"

	"github.com/spf13/cobra"
)

func newSyncCmd(deps Deps) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "sync <accountId>",
		Short: "Sync one account now, bypassing the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				days = deps.LookbackDays
			}
			res, err := deps.Sync.SyncAccount(cmd.Context(), args[0], days)
			if res != nil {
				printf(cmd.OutOrStdout(), "Synced %d messages (%d new, %d updated), %d queued for triage\n",
					res.SyncedCount, res.CreatedCount, res.UpdatedCount, res.TriageScheduled)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "lookback window in days (default HISTORY_LOOKBACK_DAYS)")
	return cmd
}

func newTrainCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "train <tenantId> <userId>",
		Short: "Reset a user's training status and schedule style analysis",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := deps.Pipeline.TriggerTraining(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Scheduled %s\n", key)
			return nil
		},
	}
}

func newFollowUpCmd(deps Deps) *cobra.Command {
	followUpCmd := &cobra.Command{
		Use:   "followup",
		Short: "Follow-up rule engine",
	}
	followUpCmd.AddCommand(&cobra.Command{
		Use:   "check [tenantId]",
		Short: "Scan follow-up rules now, for one tenant or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := worker.AllTenants
			if len(args) == 1 {
				tenantID = args[0]
			}
			res, err := deps.FollowUps.ProcessRules(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%d messages now pending, %d due\n", res.Matched, res.Due)
			return nil
		},
	})
	return followUpCmd
}
