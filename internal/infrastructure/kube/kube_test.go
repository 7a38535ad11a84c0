package kube

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/davarch/ci-controlplane/internal/domain"
)

func TestSecrets_ReadSecret(t *testing.T) {
	core := k8sfake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "tssc-github-integration", Namespace: "tssc"},
		Data:       map[string][]byte{"token": []byte("ghp_x")},
	})
	s := NewSecrets(core)

	data, err := s.ReadSecret(context.Background(), "tssc", "tssc-github-integration")
	require.NoError(t, err)
	assert.Equal(t, "ghp_x", data["token"])

	_, err = s.ReadSecret(context.Background(), "tssc", "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestCredentialStore_LoadsOnce(t *testing.T) {
	secrets := &domain.MockSecrets{Data: map[string]map[string]string{
		"tssc-jenkins-integration": {"username": "admin", "token": "t"},
	}}
	store := NewCredentialStore(secrets, "tssc")
	ctx := context.Background()

	data, err := store.Lookup(ctx, domain.ProviderJenkins, "username", "token")
	require.NoError(t, err)
	assert.Equal(t, "admin", data["username"])

	v, err := store.Value(ctx, domain.ProviderJenkins, "token")
	require.NoError(t, err)
	assert.Equal(t, "t", v)
	assert.Equal(t, 1, secrets.Calls)
}

func TestCredentialStore_ConfigErrors(t *testing.T) {
	secrets := &domain.MockSecrets{Data: map[string]map[string]string{
		"tssc-gitlab-integration": {"url": "https://gitlab.example.com"},
	}}
	store := NewCredentialStore(secrets, "tssc")
	ctx := context.Background()

	_, err := store.Value(ctx, domain.ProviderGitLab, "token")
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))
	assert.Contains(t, err.Error(), "tssc-gitlab-integration.token")

	_, err = store.Lookup(ctx, domain.ProviderAzure)
	assert.True(t, domain.IsConfigError(err))
}

func TestRouteHost(t *testing.T) {
	route := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "route.openshift.io/v1",
		"kind":       "Route",
		"metadata":   map[string]any{"name": "openshift-gitops-server", "namespace": "openshift-gitops"},
		"spec":       map[string]any{"host": "gitops.apps.example.com"},
	}}
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{RouteGVR: "RouteList"}, route)

	host, err := RouteHost(context.Background(), dyn, "openshift-gitops", "openshift-gitops-server")
	require.NoError(t, err)
	assert.Equal(t, "gitops.apps.example.com", host)

	_, err = RouteHost(context.Background(), dyn, "openshift-gitops", "nope")
	assert.True(t, domain.IsNotFound(err))
}

var _ domain.SecretReader = (*Secrets)(nil)
