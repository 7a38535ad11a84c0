// Package kube builds Kubernetes clients and reads the secrets and routes the
// control plane depends on.
package kube

import (
	"context"
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/davarch/ci-controlplane/internal/domain"
)

var RouteGVR = schema.GroupVersionResource{Group: "route.openshift.io", Version: "v1", Resource: "routes"}

type Clients struct {
	Dynamic dynamic.Interface
	Core    kubernetes.Interface
}

// NewClients loads kubeconfig (explicit path, $KUBECONFIG or ~/.kube/config)
// and falls back to the in-cluster configuration.
func NewClients(kubeconfig, kubeContext string) (*Clients, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, &domain.ConfigError{Field: "kubernetes.kubeconfig", Message: "cannot load cluster configuration", Err: err}
	}

	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("dynamic client: %w", err)
	}
	core, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("core client: %w", err)
	}
	return &Clients{Dynamic: dyn, Core: core}, nil
}

// Secrets reads secret data as strings.
type Secrets struct {
	core kubernetes.Interface
}

func NewSecrets(core kubernetes.Interface) *Secrets { return &Secrets{core: core} }

func (s *Secrets) ReadSecret(ctx context.Context, namespace, name string) (map[string]string, error) {
	sec, err := s.core.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classify("read secret "+namespace+"/"+name, err)
	}
	out := make(map[string]string, len(sec.Data)+len(sec.StringData))
	for k, v := range sec.Data {
		out[k] = string(v)
	}
	for k, v := range sec.StringData {
		out[k] = v
	}
	return out, nil
}

// RouteHost returns spec.host of an OpenShift route.
func RouteHost(ctx context.Context, dyn dynamic.Interface, namespace, name string) (string, error) {
	u, err := dyn.Resource(RouteGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", classify("get route "+namespace+"/"+name, err)
	}
	host, _, _ := unstructured.NestedString(u.Object, "spec", "host")
	if host == "" {
		return "", &domain.ConfigError{Field: "route " + name, Message: "route has no spec.host"}
	}
	return host, nil
}

func classify(op string, err error) error {
	var status apierrors.APIStatus
	if errors.As(err, &status) && status.Status().Code > 0 {
		s := status.Status()
		pe := domain.NewHTTPError("", op, int(s.Code), string(s.Reason), s.Message)
		pe.Err = err
		return pe
	}
	return domain.NewTransportError("", op, err)
}
