package cli

import (
	"context"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davarch/ci-controlplane/internal/application"
	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/infrastructure/config"
	"github.com/davarch/ci-controlplane/internal/infrastructure/metrics"
	"github.com/davarch/ci-controlplane/internal/infrastructure/notify_libnotify"
	"github.com/davarch/ci-controlplane/internal/infrastructure/report_fs"
)

const reloadDebounce = 300 * time.Millisecond

var (
	watchMetricsAddr string
	watchNotify      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the enabled watch targets and keep a JSON report of their latest runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()
		log := e.log

		targets := watchTargets(e.cfg, log)
		if len(targets) == 0 {
			return &domain.ConfigError{Field: "watch.targets", Message: "no enabled targets"}
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		report := report_fs.New(e.cfg.Watch.ReportPath)
		var note application.Notifier
		if watchNotify {
			note = notify_libnotify.NewSoft()
		}
		w := application.NewWatcher(e.resolver(ctx), report, note, nil, log.Named("watch"))
		sched := application.NewScheduler(log.Named("scheduler"), w, targets, e.cfg.Watch.Interval, e.cfg.Watch.PauseFile, nil)
		watchAndReload(ctx, cfgPath, log, sched)

		addr := watchMetricsAddr
		if addr == "" {
			addr = e.cfg.Watch.MetricsAddr
		}
		if addr != "" {
			go func() {
				if err := metrics.Serve(ctx, addr, log); err != nil {
					log.Error("metrics server", zap.Error(err))
				}
			}()
		}

		log.Info("start",
			zap.String("version", version),
			zap.Int("targets", len(targets)),
			zap.Duration("every", e.cfg.Watch.Interval),
			zap.String("report", report.Path()),
			zap.String("pause_file", e.cfg.Watch.PauseFile),
		)
		sched.Run(ctx)
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchNotify, "notify", false, "send a desktop notification on every run transition")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address; defaults to watch.metrics_addr")

	rootCmd.AddCommand(watchCmd)
}

// resolver builds one control plane per provider kind on first use.
func (e *env) resolver(ctx context.Context) application.FinderResolver {
	var (
		mu    sync.Mutex
		built = map[domain.ProviderKind]*application.ControlPlane{}
	)
	return func(kind domain.ProviderKind) (application.PipelineFinder, error) {
		mu.Lock()
		defer mu.Unlock()
		if cp, ok := built[kind]; ok {
			return cp, nil
		}
		p, err := e.provider(ctx, kind)
		if err != nil {
			return nil, err
		}
		cp := application.New(p, nil, nil, e.options())
		built[kind] = cp
		return cp, nil
	}
}

// watchTargets converts the enabled config targets. Validate already
// rejected bad enumerations, so parse errors only come from a default.
func watchTargets(cfg config.Config, log *zap.Logger) []application.WatchTarget {
	var out []application.WatchTarget
	for _, t := range cfg.Watch.Targets {
		if !t.Enabled {
			continue
		}
		name := t.Provider
		if name == "" {
			name = cfg.Providers.Default
		}
		kind, err := domain.ParseProviderKind(name)
		if err != nil {
			log.Warn("skipping target", zap.String("target", t.TargetName()), zap.Error(err))
			continue
		}
		status, _ := domain.ParsePipelineStatus(strings.ToUpper(t.Status))
		event, _ := domain.ParseEventType(t.Event)
		out = append(out, application.WatchTarget{
			Name:     t.TargetName(),
			Provider: kind,
			Ref:      domain.PullRequestRef{Repository: t.Repository, SHA: t.SHA, PullNumber: t.PullNumber},
			Status:   status,
			Event:    event,
		})
	}
	return out
}

func watchAndReload(ctx context.Context, cfgPath string, log *zap.Logger, sched *application.Scheduler) {
	if cfgPath == "" {
		return
	}

	dir := filepath.Dir(cfgPath)
	base := filepath.Base(cfgPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		return
	}
	if err := w.Add(dir); err != nil {
		log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
		_ = w.Close()
		return
	}

	fire := func() {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		targets := watchTargets(cfg, log)
		if len(targets) == 0 {
			log.Warn("config reload: no enabled targets")
		}
		sched.UpdateTargets(targets)
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(reloadDebounce, fire)
				} else {
					timer.Reset(reloadDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}
