package notify_libnotify

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const appName = "ci-controlplane"

type runner func(ctx context.Context, name string, args ...string) error

func execRun(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Notifier posts watch transitions to the desktop through notify-send.
type Notifier struct {
	soft   bool
	expire time.Duration
	run    runner
}

// New returns a Notifier that reports notify-send failures.
func New() *Notifier { return &Notifier{run: execRun} }

// NewSoft returns a Notifier that ignores notify-send failures, for hosts
// without a notification daemon.
func NewSoft() *Notifier { return &Notifier{soft: true, run: execRun} }

// WithExpire sets how long notifications stay on screen.
func (n *Notifier) WithExpire(d time.Duration) *Notifier {
	n.expire = d
	return n
}

func (n *Notifier) Notify(ctx context.Context, title, body, url string, critical bool) error {
	if strings.TrimSpace(url) != "" {
		if body == "" {
			body = url
		} else {
			body = body + "\n" + url
		}
	}

	args := []string{"--app-name=" + appName}
	if critical {
		args = append(args, "--urgency=critical")
	}
	if n.expire > 0 {
		args = append(args, "--expire-time="+strconv.Itoa(int(n.expire/time.Millisecond)))
	}
	args = append(args, title, body)

	if err := n.run(ctx, "notify-send", args...); err != nil && !n.soft {
		return err
	}
	return nil
}
