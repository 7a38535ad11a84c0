package domain

import "context"

// Provider is the capability surface every CI adapter implements.
type Provider interface {
	Kind() ProviderKind
	ListRuns(ctx context.Context, repo string, f RunFilter) ([]Pipeline, error)
	GetRun(ctx context.Context, h RunHandle) (Pipeline, error)
	// GetLogs returns best-effort text. A run without logs yet yields "".
	GetLogs(ctx context.Context, h RunHandle) (string, error)
	Cancel(ctx context.Context, h RunHandle) error
}

type ArgoClient interface {
	GetApplication(ctx context.Context, ref ArgoAppRef) (ArgoApplication, error)
}

// ArgoCLI drives the argocd command line for operations the API does not
// expose uniformly.
type ArgoCLI interface {
	Login(ctx context.Context) error
	Sync(ctx context.Context, ref ArgoAppRef, opts SyncOptions, timeout int) (string, error)
}

type SecretReader interface {
	ReadSecret(ctx context.Context, namespace, name string) (map[string]string, error)
}
