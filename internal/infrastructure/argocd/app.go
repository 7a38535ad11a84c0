// Package argocd observes ArgoCD Applications through the Kubernetes API and
// drives the argocd command line for sync operations.
package argocd

import (
	"context"
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/infrastructure/kube"
)

var ApplicationGVR = schema.GroupVersionResource{Group: "argoproj.io", Version: "v1alpha1", Resource: "applications"}

const (
	Source domain.ProviderKind = "argocd"

	DefaultNamespace = "openshift-gitops"
	ServerRoute      = "openshift-gitops-server"
	ClusterSecret    = "openshift-gitops-cluster"
	PasswordKey      = "admin.password"
)

type Reader struct {
	dyn       dynamic.Interface
	namespace string
}

// NewReader reads Applications, defaulting to namespace when a ref carries
// none.
func NewReader(dyn dynamic.Interface, namespace string) *Reader {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Reader{dyn: dyn, namespace: namespace}
}

func (r *Reader) GetApplication(ctx context.Context, ref domain.ArgoAppRef) (domain.ArgoApplication, error) {
	ns := ref.Namespace
	if ns == "" {
		ns = r.namespace
	}
	u, err := r.dyn.Resource(ApplicationGVR).Namespace(ns).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return domain.ArgoApplication{}, fmt.Errorf("getting application %s/%s: %w", ns, ref.Name, classify("get application", err))
	}
	return toApplication(u), nil
}

func toApplication(u *unstructured.Unstructured) domain.ArgoApplication {
	s := func(fields ...string) string {
		v, _, _ := unstructured.NestedString(u.Object, append([]string{"status"}, fields...)...)
		return v
	}
	app := domain.ArgoApplication{
		Name:      u.GetName(),
		Namespace: u.GetNamespace(),
		Sync:      domain.ArgoSyncStatus{Status: s("sync", "status"), Revision: s("sync", "revision")},
		Health:    domain.ArgoHealthStatus{Status: s("health", "status"), Message: s("health", "message")},
		OperationState: domain.ArgoOperationState{
			Phase:   s("operationState", "phase"),
			Message: s("operationState", "message"),
		},
	}

	resources, _, _ := unstructured.NestedSlice(u.Object, "status", "resources")
	for _, item := range resources {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		res := domain.ArgoResource{
			Group:     str(m["group"]),
			Kind:      str(m["kind"]),
			Namespace: str(m["namespace"]),
			Name:      str(m["name"]),
			Status:    str(m["status"]),
		}
		if h, ok := m["health"].(map[string]any); ok {
			res.Health = str(h["status"])
		}
		app.Resources = append(app.Resources, res)
	}
	return app
}

// Discover reads the ArgoCD server host from its OpenShift route and the
// admin password from the cluster secret.
func Discover(ctx context.Context, dyn dynamic.Interface, secrets domain.SecretReader, namespace string) (server, password string, err error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	server, err = kube.RouteHost(ctx, dyn, namespace, ServerRoute)
	if err != nil {
		return "", "", fmt.Errorf("discovering argocd server: %w", err)
	}
	data, err := secrets.ReadSecret(ctx, namespace, ClusterSecret)
	if err != nil {
		return "", "", fmt.Errorf("reading argocd admin password: %w", err)
	}
	password = data[PasswordKey]
	if password == "" {
		return "", "", &domain.ConfigError{Field: ClusterSecret + "." + PasswordKey, Message: "required key missing"}
	}
	return server, password, nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) && status.Status().Code > 0 {
		st := status.Status()
		pe := domain.NewHTTPError(Source, op, int(st.Code), string(st.Reason), st.Message)
		pe.Err = err
		return pe
	}
	return domain.NewTransportError(Source, op, err)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
