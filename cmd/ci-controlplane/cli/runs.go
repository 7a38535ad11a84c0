package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/davarch/ci-controlplane/internal/domain"
)

var (
	runsSHA    string
	runsBranch string
	runsEvent  string
	runsStatus string
	runsSince  time.Duration
	runsLimit  int
	runsJSON   bool
)

var runsCmd = &cobra.Command{
	Use:   "runs <repository>",
	Short: "List runs of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		f := domain.RunFilter{SHA: runsSHA, Branch: runsBranch, PageLimit: runsLimit}
		if f.Event, err = domain.ParseEventType(runsEvent); err != nil {
			return err
		}
		if f.Status, err = domain.ParsePipelineStatus(strings.ToUpper(runsStatus)); err != nil {
			return err
		}
		if runsSince > 0 {
			f.Since = time.Now().Add(-runsSince)
		}

		cp, _, err := e.controlPlane(cmd.Context())
		if err != nil {
			return err
		}
		runs, err := cp.ListRuns(cmd.Context(), args[0], f)
		if err != nil {
			return err
		}

		if runsJSON || reportPath != "" {
			return emit(cmd, runs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tEVENT\tBRANCH\tSHA\tCREATED")
		for _, p := range runs {
			name := p.Name
			if name == "" {
				name = p.JobName
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				p.ID, name, p.Status, p.Event, p.Branch, shortSHA(p.SHA), p.CreatedAt.Format(time.RFC3339))
		}
		_ = w.Flush()
		return nil
	},
}

func shortSHA(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func init() {
	runsCmd.Flags().StringVar(&runsSHA, "sha", "", "only runs for this head commit")
	runsCmd.Flags().StringVar(&runsBranch, "branch", "", "only runs on this branch")
	runsCmd.Flags().StringVar(&runsEvent, "event", "", "only runs triggered by push or pull_request")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "only runs with this status")
	runsCmd.Flags().DurationVar(&runsSince, "since", 0, "only runs created within this window")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 100, "maximum number of runs; 0 lists everything")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print JSON")

	rootCmd.AddCommand(runsCmd)
}
