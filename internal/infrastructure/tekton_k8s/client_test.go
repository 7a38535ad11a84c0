package tekton_k8s

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/domain/normalize"
	"github.com/davarch/ci-controlplane/internal/infrastructure/retry"
)

const ns = "rhtap-app-development"

func pipelineRun(name, repo, sha, event string, created time.Time, cond map[string]any, state string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "tekton.dev/v1",
		"kind":       "PipelineRun",
		"metadata": map[string]any{
			"name":              name,
			"namespace":         ns,
			"creationTimestamp": created.UTC().Format(time.RFC3339),
		},
	}}
	lbl := map[string]string{
		normalize.LabelURLRepository: repo,
		normalize.LabelSHA:           sha,
	}
	if state != "" {
		lbl[normalize.LabelState] = state
	}
	u.SetLabels(lbl)
	u.SetAnnotations(map[string]string{
		normalize.AnnotationOnEvent: event,
		normalize.AnnotationSrcBr:   "refs/heads/main",
	})
	if cond != nil {
		_ = unstructured.SetNestedSlice(u.Object, []any{cond}, "status", "conditions")
	}
	return u
}

func newTestClient(t *testing.T, objs ...runtime.Object) (*Client, *dynamicfake.FakeDynamicClient) {
	t.Helper()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{PipelineRunGVR: "PipelineRunList"}, objs...)
	core := k8sfake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "run-1-build-pod", Namespace: ns, Labels: map[string]string{labelPipelineRun: "run-1"}},
		Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "step-build"}}},
	})
	return New(dyn, core, ns, retry.Fixed(time.Millisecond, 2), nil), dyn
}

var (
	succeeded = map[string]any{"type": "Succeeded", "status": "True", "reason": "Succeeded"}
	running   = map[string]any{"type": "Succeeded", "status": "Unknown", "reason": "Running"}
)

func TestListRuns_SelectsByRepositoryAndSHA(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t,
		pipelineRun("run-1", "r", "abc123", "pull_request", now, succeeded, "completed"),
		pipelineRun("run-2", "r", "other", "push", now, running, ""),
		pipelineRun("run-3", "elsewhere", "abc123", "pull_request", now, running, ""),
	)

	runs, err := c.ListRuns(context.Background(), "r", domain.RunFilter{SHA: "abc123"})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	p := runs[0]
	assert.Equal(t, "run-1", p.ID)
	assert.Equal(t, domain.StatusSuccess, p.Status)
	assert.Equal(t, domain.EventPullRequest, p.Event)
	assert.Equal(t, "main", p.Branch)
	assert.True(t, p.Completed)
	assert.True(t, p.CreatedAt.Equal(now))
}

func TestListRuns_ClientSideEventFilter(t *testing.T) {
	now := time.Now()
	c, _ := newTestClient(t,
		pipelineRun("run-1", "r", "a", "pull_request", now, running, ""),
		pipelineRun("run-2", "r", "b", "push", now, running, ""),
	)
	runs, err := c.ListRuns(context.Background(), "r", domain.RunFilter{Event: domain.EventPush})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)
}

func TestListRuns_PageLimitKeepsNewest(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(schema.GroupVersionKind{Group: "tekton.dev", Version: "v1", Kind: "PipelineRunList"})
	// Creation minutes are a permutation of the name order.
	for i := range 150 {
		created := base.Add(time.Duration((i*7)%150) * time.Minute)
		list.Items = append(list.Items, *pipelineRun(fmt.Sprintf("app-on-push-%03d", i), "r", "a", "push", created, running, ""))
	}
	c, dyn := newTestClient(t)
	dyn.PrependReactor("list", "pipelineruns", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, list, nil
	})

	runs, err := c.ListRuns(context.Background(), "r", domain.RunFilter{PageLimit: 100})
	require.NoError(t, err)
	require.Len(t, runs, 100)

	newest := base.Add(149 * time.Minute)
	assert.True(t, runs[0].CreatedAt.Equal(newest), "first run created %s, want %s", runs[0].CreatedAt, newest)
	for i := 1; i < len(runs); i++ {
		assert.False(t, runs[i].CreatedAt.After(runs[i-1].CreatedAt), "runs not newest first at %d", i)
	}
	assert.True(t, runs[99].CreatedAt.Equal(base.Add(50*time.Minute)))
}

func TestCancel(t *testing.T) {
	now := time.Now()
	c, dyn := newTestClient(t,
		pipelineRun("run-1", "r", "a", "push", now, running, ""),
		pipelineRun("run-2", "r", "a", "push", now, succeeded, "completed"),
	)
	ctx := context.Background()

	require.NoError(t, c.Cancel(ctx, domain.RunHandle{Repository: "r", ID: "run-1"}))
	u, err := dyn.Resource(PipelineRunGVR).Namespace(ns).Get(ctx, "run-1", metav1.GetOptions{})
	require.NoError(t, err)
	status, _, _ := unstructured.NestedString(u.Object, "spec", "status")
	assert.Equal(t, "Cancelled", status)

	err = c.Cancel(ctx, domain.RunHandle{Repository: "r", ID: "run-2"})
	assert.True(t, domain.IsConflict(err))

	err = c.Cancel(ctx, domain.RunHandle{Repository: "r", ID: "missing"})
	assert.True(t, domain.IsNotFound(err))
}

func TestGetRunAndLogs(t *testing.T) {
	c, _ := newTestClient(t, pipelineRun("run-1", "r", "a", "push", time.Now(), running, ""))
	ctx := context.Background()

	p, err := c.GetRun(ctx, domain.RunHandle{Repository: "r", ID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, p.Status)

	logs, err := c.GetLogs(ctx, domain.RunHandle{Repository: "r", ID: "run-1"})
	require.NoError(t, err)
	assert.Contains(t, logs, "=== run-1-build-pod/step-build ===")
	assert.Contains(t, logs, "fake logs")

	logs, err = c.GetLogs(ctx, domain.RunHandle{Repository: "r", ID: "run-9"})
	require.NoError(t, err)
	assert.Empty(t, logs)
}
