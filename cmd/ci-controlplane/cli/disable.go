package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var disableCmd = &cobra.Command{
	Use:   "disable <target_name>",
	Short: "Disable watch target by name in config.yaml",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		changed, err := setEnabled(args[0], false)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Printf("no change (target %q already disabled or not found)\n", args[0])
			return nil
		}
		fmt.Printf("disabled: %s\n", args[0])
		return nil
	},
}

func init() {
	disableCmd.ValidArgsFunction = completeTargets

	rootCmd.AddCommand(disableCmd)
}
