package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/davarch/ci-controlplane/internal/domain"
)

var argoNamespace string

var argoCmd = &cobra.Command{
	Use:   "argo",
	Short: "Observe and sync ArgoCD applications",
}

var (
	argoWaitRevision string
	argoWaitTimeout  time.Duration
)

var argoWaitCmd = &cobra.Command{
	Use:   "wait <application>",
	Short: "Wait until an application is Synced and Healthy at a revision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		cp, err := e.argoControlPlane(cmd.Context())
		if err != nil {
			return err
		}
		res, err := cp.WaitForSynced(cmd.Context(), appRef(e, args[0]), argoWaitRevision, argoWaitTimeout)
		if err != nil {
			return err
		}
		if err := emit(cmd, res); err != nil {
			return err
		}
		if !res.Synced {
			return fmt.Errorf("application %s not synced: %s", args[0], res.Reason)
		}
		return nil
	},
}

var (
	argoSyncPrune    bool
	argoSyncForce    bool
	argoSyncDryRun   bool
	argoSyncRevision string
	argoSyncExpect   string
	argoSyncTimeout  time.Duration
)

var argoSyncCmd = &cobra.Command{
	Use:   "sync <application>",
	Short: "Sync an application through the argocd CLI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		cp, err := e.argoControlPlane(cmd.Context())
		if err != nil {
			return err
		}
		res, err := cp.SyncApplication(cmd.Context(), appRef(e, args[0]), domain.SyncOptions{
			Prune:            argoSyncPrune,
			Force:            argoSyncForce,
			DryRun:           argoSyncDryRun,
			Revision:         argoSyncRevision,
			ExpectedRevision: argoSyncExpect,
		}, argoSyncTimeout)
		if err != nil {
			return err
		}
		if err := emit(cmd, res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("sync of %s failed: %s", args[0], res.Message)
		}
		return nil
	},
}

func appRef(e *env, name string) domain.ArgoAppRef {
	ns := argoNamespace
	if ns == "" {
		ns = e.cfg.ArgoCD.Namespace
	}
	return domain.ArgoAppRef{Name: name, Namespace: ns}
}

func init() {
	argoCmd.PersistentFlags().StringVarP(&argoNamespace, "namespace", "n", "", "application namespace; defaults to argocd.namespace")

	argoWaitCmd.Flags().StringVar(&argoWaitRevision, "revision", "", "expected sync revision")
	argoWaitCmd.Flags().DurationVar(&argoWaitTimeout, "timeout", 10*time.Minute, "give up after this long")
	_ = argoWaitCmd.MarkFlagRequired("revision")

	argoSyncCmd.Flags().BoolVar(&argoSyncPrune, "prune", false, "delete resources no longer in git")
	argoSyncCmd.Flags().BoolVar(&argoSyncForce, "force", false, "force apply")
	argoSyncCmd.Flags().BoolVar(&argoSyncDryRun, "dry-run", false, "preview the sync")
	argoSyncCmd.Flags().StringVar(&argoSyncRevision, "revision", "", "sync to this revision")
	argoSyncCmd.Flags().StringVar(&argoSyncExpect, "expect-revision", "", "after syncing, wait until the application is healthy at this revision")
	argoSyncCmd.Flags().DurationVar(&argoSyncTimeout, "timeout", 5*time.Minute, "sync timeout")

	argoCmd.AddCommand(argoWaitCmd, argoSyncCmd)
	rootCmd.AddCommand(argoCmd)
}
