package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davarch/ci-controlplane/internal/infrastructure/config"
)

// setEnabled flips Enabled on every target named name and saves the file
// when something changed.
func setEnabled(name string, enabled bool) (bool, error) {
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return false, err
	}

	changed := false
	for i := range cfg.Watch.Targets {
		t := &cfg.Watch.Targets[i]
		if t.TargetName() == name && t.Enabled != enabled {
			t.Enabled = enabled
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	return true, config.Save(cfgPath, cfg)
}

var enableCmd = &cobra.Command{
	Use:   "enable <target_name>",
	Short: "Enable watch target by name in config.yaml",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		changed, err := setEnabled(args[0], true)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Printf("no change (target %q already enabled or not found)\n", args[0])
			return nil
		}
		fmt.Printf("enabled: %s\n", args[0])
		return nil
	},
}

func completeTargets(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	out := make([]string, 0, len(cfg.Watch.Targets))
	for _, t := range cfg.Watch.Targets {
		if name := t.TargetName(); strings.HasPrefix(name, toComplete) {
			out = append(out, name)
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	enableCmd.ValidArgsFunction = completeTargets

	rootCmd.AddCommand(enableCmd)
}
