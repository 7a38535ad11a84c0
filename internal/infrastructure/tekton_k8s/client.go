// Package tekton_k8s reads and cancels Tekton PipelineRuns created by
// Pipelines-as-Code through the Kubernetes API.
package tekton_k8s

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/domain/normalize"
	"github.com/davarch/ci-controlplane/internal/infrastructure/retry"
)

var PipelineRunGVR = schema.GroupVersionResource{Group: "tekton.dev", Version: "v1", Resource: "pipelineruns"}

const (
	listChunk        = 100
	labelPipelineRun = "tekton.dev/pipelineRun"
	cancelPatch      = `{"spec":{"status":"Cancelled"}}`
)

type Client struct {
	dyn       dynamic.Interface
	core      kubernetes.Interface
	namespace string
	policy    retry.Policy
	log       *zap.Logger
}

// New returns a Tekton adapter over PipelineRuns in namespace. A zero policy
// uses the adapter default.
func New(dyn dynamic.Interface, core kubernetes.Interface, namespace string, policy retry.Policy, log *zap.Logger) *Client {
	if policy.MaxAttempts == 0 && policy.MinInterval == 0 {
		policy = retry.Adapter()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{dyn: dyn, core: core, namespace: namespace, policy: policy, log: log}
}

func (c *Client) Kind() domain.ProviderKind { return domain.ProviderTekton }

func (c *Client) runs() dynamic.ResourceInterface {
	return c.dyn.Resource(PipelineRunGVR).Namespace(c.namespace)
}

// ListRuns selects PipelineRuns by repository label and, when given, by the
// sha label. Remaining filters are applied client-side. The API server lists
// in name order, so every page is read and the result is sorted newest first
// before PageLimit applies.
func (c *Client) ListRuns(ctx context.Context, repo string, f domain.RunFilter) ([]domain.Pipeline, error) {
	sel := labels.Set{normalize.LabelURLRepository: repo}
	if f.SHA != "" {
		sel[normalize.LabelSHA] = f.SHA
	}
	opts := metav1.ListOptions{LabelSelector: sel.String(), Limit: listChunk}

	var out []domain.Pipeline
	for {
		list, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (*unstructured.UnstructuredList, error) {
			l, err := c.runs().List(ctx, opts)
			return l, classify("list runs", err)
		}, c.notify("list runs"))
		if err != nil {
			return nil, fmt.Errorf("listing pipelineruns of %s: %w", repo, err)
		}

		for i := range list.Items {
			p := toPipeline(repo, &list.Items[i])
			if f.Accepts(p) {
				out = append(out, p)
			}
		}
		if list.GetContinue() == "" {
			break
		}
		opts.Continue = list.GetContinue()
	}

	sortNewestFirst(out)
	if f.PageLimit > 0 && len(out) > f.PageLimit {
		out = out[:f.PageLimit]
	}
	return out, nil
}

// sortNewestFirst orders by creation time descending, ties by name
// descending.
func sortNewestFirst(runs []domain.Pipeline) {
	slices.SortStableFunc(runs, func(a, b domain.Pipeline) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}

func (c *Client) get(ctx context.Context, name string) (*unstructured.Unstructured, error) {
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (*unstructured.Unstructured, error) {
		u, err := c.runs().Get(ctx, name, metav1.GetOptions{})
		return u, classify("get run", err)
	}, c.notify("get run"))
}

func (c *Client) GetRun(ctx context.Context, h domain.RunHandle) (domain.Pipeline, error) {
	u, err := c.get(ctx, h.ID)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("getting pipelinerun %s: %w", h, err)
	}
	return toPipeline(h.Repository, u), nil
}

// Cancel sets spec.status to Cancelled. Runs that already finished are
// reported as conflicts.
func (c *Client) Cancel(ctx context.Context, h domain.RunHandle) error {
	u, err := c.get(ctx, h.ID)
	if err != nil {
		return fmt.Errorf("cancelling pipelinerun %s: %w", h, err)
	}
	if p := toPipeline(h.Repository, u); p.IsFinished() {
		return &domain.ProviderError{
			Kind:       domain.KindConflict,
			Provider:   domain.ProviderTekton,
			Op:         "cancel",
			StatusCode: 409,
			Message:    "pipelinerun already finished with status " + string(p.Status),
		}
	}

	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		_, err := c.runs().Patch(ctx, h.ID, types.MergePatchType, []byte(cancelPatch), metav1.PatchOptions{})
		return classify("cancel", err)
	}, c.notify("cancel"))
	if err != nil {
		return fmt.Errorf("cancelling pipelinerun %s: %w", h, err)
	}
	return nil
}

// GetLogs concatenates the container logs of every TaskRun pod of the run.
func (c *Client) GetLogs(ctx context.Context, h domain.RunHandle) (string, error) {
	pods, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (*corev1.PodList, error) {
		l, err := c.core.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: labels.Set{labelPipelineRun: h.ID}.String(),
		})
		return l, classify("list pods", err)
	}, c.notify("list pods"))
	if err != nil {
		if domain.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("listing pods of %s: %w", h, err)
	}

	items := slices.Clone(pods.Items)
	slices.SortFunc(items, func(a, b corev1.Pod) int {
		if d := a.CreationTimestamp.Compare(b.CreationTimestamp.Time); d != 0 {
			return d
		}
		return strings.Compare(a.Name, b.Name)
	})

	var b strings.Builder
	for _, pod := range items {
		for _, ctr := range pod.Spec.Containers {
			raw, err := c.core.CoreV1().Pods(c.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{Container: ctr.Name}).DoRaw(ctx)
			if err != nil {
				c.log.Debug("container log unavailable", zap.String("pod", pod.Name), zap.String("container", ctr.Name), zap.Error(err))
				continue
			}
			fmt.Fprintf(&b, "=== %s/%s ===\n%s\n", pod.Name, ctr.Name, raw)
		}
	}
	return b.String(), nil
}

func (c *Client) notify(op string) retry.Notify {
	return func(err error, next time.Duration) {
		c.log.Debug("retrying kubernetes call", zap.String("op", op), zap.Duration("next", next), zap.Error(err))
	}
}

// classify maps Kubernetes API errors onto provider errors by HTTP code.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		s := status.Status()
		if s.Code > 0 {
			pe := domain.NewHTTPError(domain.ProviderTekton, op, int(s.Code), string(s.Reason), s.Message)
			pe.Err = err
			return pe
		}
	}
	return domain.NewTransportError(domain.ProviderTekton, op, err)
}

func toPipeline(repo string, u *unstructured.Unstructured) domain.Pipeline {
	raw := normalize.TektonRun{Labels: u.GetLabels(), Annotations: u.GetAnnotations()}
	conds, _, _ := unstructured.NestedSlice(u.Object, "status", "conditions")
	for _, c := range conds {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		raw.Conditions = append(raw.Conditions, normalize.TektonCondition{
			Type:   str(m["type"]),
			Status: str(m["status"]),
			Reason: str(m["reason"]),
		})
	}

	lbl := raw.Labels
	if r := lbl[normalize.LabelURLRepository]; r != "" {
		repo = r
	}
	branch := raw.Annotations[normalize.AnnotationSrcBr]
	if branch == "" {
		branch = lbl[normalize.LabelBranch]
	}

	p := domain.Pipeline{
		Provider:       domain.ProviderTekton,
		ID:             u.GetName(),
		RepositoryName: repo,
		Name:           u.GetName(),
		Status:         normalize.Status(raw),
		Event:          normalize.Event(raw),
		Branch:         strings.TrimPrefix(branch, "refs/heads/"),
		SHA:            lbl[normalize.LabelSHA],
		URL:            raw.Annotations[normalize.AnnotationLogURL],
		CreatedAt:      u.GetCreationTimestamp().Time,
		Completed:      normalize.TektonCompleted(raw),
	}
	p.StartTime = nestedTime(u, "status", "startTime")
	p.EndTime = nestedTime(u, "status", "completionTime")
	return p
}

func nestedTime(u *unstructured.Unstructured, fields ...string) time.Time {
	s, _, _ := unstructured.NestedString(u.Object, fields...)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
