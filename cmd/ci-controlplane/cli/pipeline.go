package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/davarch/ci-controlplane/internal/domain"
)

var errNoMatch = errors.New("no matching run")

var (
	matchSHA    string
	matchPull   int
	matchStatus string
	matchEvent  string
	matchOnce   bool
)

var matchCmd = &cobra.Command{
	Use:   "match <repository>",
	Short: "Find the latest run produced by a pull request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		status, err := domain.ParsePipelineStatus(strings.ToUpper(matchStatus))
		if err != nil {
			return err
		}
		event, err := domain.ParseEventType(matchEvent)
		if err != nil {
			return err
		}
		cp, _, err := e.controlPlane(cmd.Context())
		if err != nil {
			return err
		}

		ref := domain.PullRequestRef{Repository: args[0], SHA: matchSHA, PullNumber: matchPull}
		find := cp.GetPipeline
		if matchOnce {
			find = cp.FindPipeline
		}
		p, err := find(cmd.Context(), ref, status, event)
		if err != nil {
			return err
		}
		if p == nil {
			return errNoMatch
		}
		return emit(cmd, p)
	},
}

var (
	waitJob     string
	waitBuild   int
	waitTimeout time.Duration
)

var waitCmd = &cobra.Command{
	Use:   "wait <repository> <run-id>",
	Short: "Wait until a run reaches a terminal status",
	Long:  "Wait until a run reaches a terminal status. Exits non-zero unless the run succeeded.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		cp, kind, err := e.controlPlane(cmd.Context())
		if err != nil {
			return err
		}
		h := domain.RunHandle{Provider: kind, Repository: args[0], ID: args[1], JobName: waitJob, BuildNumber: waitBuild}
		p, err := cp.GetRun(cmd.Context(), h)
		if err != nil {
			return err
		}
		p.RepositoryName, p.JobName, p.BuildNumber = h.Repository, firstSet(p.JobName, h.JobName), max(p.BuildNumber, h.BuildNumber)

		status, err := cp.WaitForTerminal(cmd.Context(), p, waitTimeout)
		if err != nil {
			return err
		}
		p.Status = status
		if err := emit(cmd, p); err != nil {
			return err
		}
		if status != domain.StatusSuccess {
			return fmt.Errorf("run %s finished with status %s", h, status)
		}
		return nil
	},
}

var (
	logsJob   string
	logsBuild int
)

var logsCmd = &cobra.Command{
	Use:   "logs <repository> <run-id>",
	Short: "Print the logs of a run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		cp, kind, err := e.controlPlane(cmd.Context())
		if err != nil {
			return err
		}
		p := domain.Pipeline{Provider: kind, RepositoryName: args[0], ID: args[1], JobName: logsJob, BuildNumber: logsBuild}
		out, err := cp.GetLogs(cmd.Context(), p)
		if err != nil {
			return err
		}
		if out == "" {
			stderrf("no logs available for %s\n", p.Handle())
			return nil
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), out)
		return err
	},
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	matchCmd.Flags().StringVar(&matchSHA, "sha", "", "head commit of the pull request")
	matchCmd.Flags().IntVar(&matchPull, "pull", 0, "pull request number; 0 matches any run")
	matchCmd.Flags().StringVar(&matchStatus, "status", "", "desired status (SUCCESS, FAILURE, RUNNING, ...); empty accepts any")
	matchCmd.Flags().StringVar(&matchEvent, "event", "", "push or pull_request")
	matchCmd.Flags().BoolVar(&matchOnce, "once", false, "single attempt, no retries")

	waitCmd.Flags().StringVar(&waitJob, "job", "", "Jenkins job name")
	waitCmd.Flags().IntVar(&waitBuild, "build", 0, "Jenkins build number")
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 30*time.Minute, "give up after this long")

	logsCmd.Flags().StringVar(&logsJob, "job", "", "Jenkins job name")
	logsCmd.Flags().IntVar(&logsBuild, "build", 0, "Jenkins build number")

	rootCmd.AddCommand(matchCmd, waitCmd, logsCmd)
}
