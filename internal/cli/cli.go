package cli

import (
	"context"
	"fmt"
	"io"

	emailusecase "inboxpilot-backend/internal/email/usecase"
	followupusecase "inboxpilot-backend/internal/followup/usecase"
	"inboxpilot-backend/internal/worker"

	"github.com/spf13/cobra"
)

// Syncer runs a sync inline instead of through the queue.
type Syncer interface {
	SyncAccount(ctx context.Context, accountID string, lookbackDays int) (*emailusecase.SyncResult, error)
}

// Deps are the components the operator commands drive.
type Deps struct {
	Pipeline  *worker.Service
	Sync      Syncer
	FollowUps followupusecase.FollowUpUsecase
	Migrate   func() error
	// LookbackDays is the default window of `sync`.
	LookbackDays int
}

// NewRootCommand builds the operator CLI.
func NewRootCommand(deps Deps) *cobra.Command {
	root := &cobra.Command{
		Use:   "inboxpilot",
		Short: "InboxPilot mail pipeline",
		Long: `InboxPilot ingests mailboxes, triages them with an AI backend and tracks follow-ups.

Run without arguments to serve the HTTP API and the background workers.

Examples:
  inboxpilot queues stats            # backlog of every queue
  inboxpilot sync <accountId>        # sync one account now
  inboxpilot train <tenantId> <userId>
  inboxpilot followup check [tenantId]
  inboxpilot migrate`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newQueuesCmd(deps),
		newSyncCmd(deps),
		newTrainCmd(deps),
		newFollowUpCmd(deps),
		newMigrateCmd(deps),
	)
	return root
}

// Execute runs the CLI with args.
func Execute(ctx context.Context, deps Deps, args []string) error {
	root := NewRootCommand(deps)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newMigrateCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deps.Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
}

func printf(w io.Writer, format string, a ...interface{}) {
	fmt.Fprintf(w, format, a...)
}
