package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/davarch/ci-controlplane/internal/infrastructure/config"
)

var (
	listOnlyEnabled  bool
	listOnlyDisabled bool
	listJSON         bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List watch targets from config.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		items := make([]config.Target, 0, len(cfg.Watch.Targets))
		for _, t := range cfg.Watch.Targets {
			if listOnlyEnabled && !t.Enabled {
				continue
			}
			if listOnlyDisabled && t.Enabled {
				continue
			}
			items = append(items, t)
		}

		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "NAME\tPROVIDER\tREPOSITORY\tPULL\tSHA\tSTATUS\tENABLED")
		for _, t := range items {
			provider := t.Provider
			if provider == "" {
				provider = cfg.Providers.Default
			}
			status := t.Status
			if status == "" {
				status = "-"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%t\n",
				t.TargetName(), provider, t.Repository, t.PullNumber, shortSHA(t.SHA), status, t.Enabled)
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&listOnlyEnabled, "enabled", false, "show only enabled targets")
	listCmd.Flags().BoolVar(&listOnlyDisabled, "disabled", false, "show only disabled targets")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")

	listCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if listOnlyEnabled && listOnlyDisabled {
			return fmt.Errorf("flags --enabled and --disabled are mutually exclusive")
		}
		return nil
	}

	rootCmd.AddCommand(listCmd)
}
