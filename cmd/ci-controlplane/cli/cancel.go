package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davarch/ci-controlplane/internal/domain"
)

var (
	cancelComponent        string
	cancelExclude          []string
	cancelIncludeCompleted bool
	cancelEvent            string
	cancelBranch           string
	cancelConcurrency      int
	cancelDryRun           bool
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel active runs of a component in its source and gitops repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		if cancelComponent != "" {
			e.cfg.ControlPlane.Component = cancelComponent
		}
		patterns, err := domain.CompilePatterns(cancelExclude)
		if err != nil {
			return err
		}
		event, err := domain.ParseEventType(cancelEvent)
		if err != nil {
			return err
		}
		concurrency := cancelConcurrency
		if concurrency <= 0 {
			concurrency = e.cfg.ControlPlane.CancelConcurrency
		}

		cp, _, err := e.controlPlane(cmd.Context())
		if err != nil {
			return err
		}
		res, err := cp.CancelAll(cmd.Context(), domain.CancelOptions{
			ExcludePatterns:  patterns,
			IncludeCompleted: cancelIncludeCompleted,
			EventType:        event,
			Branch:           cancelBranch,
			Concurrency:      concurrency,
			DryRun:           cancelDryRun,
		})
		if err != nil {
			return err
		}
		if err := emit(cmd, res); err != nil {
			return err
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d of %d cancellations failed", res.Failed, res.Total)
		}
		return nil
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelComponent, "component", "", "component name; defaults to controlplane.component")
	cancelCmd.Flags().StringArrayVar(&cancelExclude, "exclude", nil, "regex on run name or branch to leave alone (repeatable)")
	cancelCmd.Flags().BoolVar(&cancelIncludeCompleted, "include-completed", false, "also attempt runs that already finished")
	cancelCmd.Flags().StringVar(&cancelEvent, "event", "", "only runs triggered by push or pull_request")
	cancelCmd.Flags().StringVar(&cancelBranch, "branch", "", "only runs on this branch")
	cancelCmd.Flags().IntVar(&cancelConcurrency, "concurrency", 0, "cancellations in flight per batch; defaults to controlplane.cancel_concurrency")
	cancelCmd.Flags().BoolVar(&cancelDryRun, "dry-run", false, "report what would be cancelled without cancelling")

	rootCmd.AddCommand(cancelCmd)
}
