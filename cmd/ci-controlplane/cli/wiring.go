package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davarch/ci-controlplane/internal/application"
	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/infrastructure/argocd"
	"github.com/davarch/ci-controlplane/internal/infrastructure/azure_http"
	"github.com/davarch/ci-controlplane/internal/infrastructure/config"
	"github.com/davarch/ci-controlplane/internal/infrastructure/github_actions"
	"github.com/davarch/ci-controlplane/internal/infrastructure/gitlab_http"
	"github.com/davarch/ci-controlplane/internal/infrastructure/httpx"
	"github.com/davarch/ci-controlplane/internal/infrastructure/jenkins_http"
	"github.com/davarch/ci-controlplane/internal/infrastructure/kube"
	"github.com/davarch/ci-controlplane/internal/infrastructure/logging"
	"github.com/davarch/ci-controlplane/internal/infrastructure/report_fs"
	"github.com/davarch/ci-controlplane/internal/infrastructure/retry"
	"github.com/davarch/ci-controlplane/internal/infrastructure/tekton_k8s"
)

// env holds what a command needs: configuration, a logger and lazily built
// cluster clients.
type env struct {
	cfg config.Config
	log *zap.Logger

	mu    sync.Mutex
	kc    *kube.Clients
	creds *kube.CredentialStore
}

func newEnv() (*env, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return &env{cfg: cfg, log: logging.New(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})}, nil
}

func (e *env) close() { _ = e.log.Sync() }

func (e *env) kube() (*kube.Clients, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.kc != nil {
		return e.kc, nil
	}
	kc, err := kube.NewClients(e.cfg.Kubernetes.Kubeconfig, e.cfg.Kubernetes.Context)
	if err != nil {
		return nil, err
	}
	e.kc = kc
	return kc, nil
}

// credential returns configured when set, otherwise key from the provider's
// integration secret.
func (e *env) credential(ctx context.Context, p domain.ProviderKind, key, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	kc, err := e.kube()
	if err != nil {
		return "", fmt.Errorf("%s %s not configured and cluster unavailable: %w", p, key, err)
	}
	e.mu.Lock()
	if e.creds == nil {
		e.creds = kube.NewCredentialStore(kube.NewSecrets(kc.Core), e.cfg.Kubernetes.SecretsNamespace)
	}
	creds := e.creds
	e.mu.Unlock()
	return creds.Value(ctx, p, key)
}

func (e *env) providerKind() (domain.ProviderKind, error) {
	name := providerName
	if name == "" {
		name = e.cfg.Providers.Default
	}
	return domain.ParseProviderKind(name)
}

func (e *env) httpOptions(kind domain.ProviderKind) httpx.Options {
	h := e.cfg.Providers.HTTP
	return httpx.Options{
		Timeout:           h.Timeout,
		RequestsPerSecond: h.RequestsPerSecond,
		Burst:             h.Burst,
		Logger:            e.log.Named(string(kind)),
	}
}

func (e *env) provider(ctx context.Context, kind domain.ProviderKind) (domain.Provider, error) {
	p := e.cfg.Providers
	switch kind {
	case domain.ProviderTekton:
		kc, err := e.kube()
		if err != nil {
			return nil, err
		}
		return tekton_k8s.New(kc.Dynamic, kc.Core, p.Tekton.Namespace, retry.Adapter(), e.log.Named("tekton")), nil

	case domain.ProviderGitHub:
		token, err := e.credential(ctx, kind, "token", p.GitHub.Token)
		if err != nil {
			return nil, err
		}
		if p.GitHub.Organization == "" {
			return nil, &domain.ConfigError{Field: "providers.github.organization", Message: "required"}
		}
		return github_actions.New(p.GitHub.Organization, token, p.GitHub.BaseURL, e.httpOptions(kind))

	case domain.ProviderGitLab:
		token, err := e.credential(ctx, kind, "token", p.GitLab.Token)
		if err != nil {
			return nil, err
		}
		if p.GitLab.Group == "" {
			return nil, &domain.ConfigError{Field: "providers.gitlab.group", Message: "required"}
		}
		return gitlab_http.New(p.GitLab.BaseURL, p.GitLab.Group, token, e.httpOptions(kind)), nil

	case domain.ProviderJenkins:
		base, err := e.credential(ctx, kind, "url", p.Jenkins.BaseURL)
		if err != nil {
			return nil, err
		}
		user, err := e.credential(ctx, kind, "username", p.Jenkins.Username)
		if err != nil {
			return nil, err
		}
		token, err := e.credential(ctx, kind, "token", p.Jenkins.Token)
		if err != nil {
			return nil, err
		}
		return jenkins_http.New(base, p.Jenkins.Folder, user, token, e.httpOptions(kind)), nil

	case domain.ProviderAzure:
		token, err := e.credential(ctx, kind, "token", p.Azure.Token)
		if err != nil {
			return nil, err
		}
		if p.Azure.Organization == "" || p.Azure.Project == "" {
			return nil, &domain.ConfigError{Field: "providers.azure", Message: "organization and project are required"}
		}
		return azure_http.New(p.Azure.BaseURL, p.Azure.Organization, p.Azure.Project, token, e.httpOptions(kind)), nil
	}
	return nil, &domain.ConfigError{Field: "provider", Message: "unsupported provider kind " + string(kind)}
}

// argo builds the Application reader and the CLI driver. Server and password
// come from config or are discovered from the cluster.
func (e *env) argo(ctx context.Context) (domain.ArgoClient, domain.ArgoCLI, error) {
	kc, err := e.kube()
	if err != nil {
		return nil, nil, err
	}
	a := e.cfg.ArgoCD
	reader := argocd.NewReader(kc.Dynamic, a.Namespace)

	server, password := a.Server, a.Password
	if server == "" || password == "" {
		ds, dp, err := argocd.Discover(ctx, kc.Dynamic, kube.NewSecrets(kc.Core), a.Namespace)
		if err != nil {
			return nil, nil, err
		}
		if server == "" {
			server = ds
		}
		if password == "" {
			password = dp
		}
	}

	cli := argocd.NewCLI(argocd.CLIConfig{
		Binary:   a.Binary,
		Server:   server,
		Username: a.Username,
		Password: password,
		Insecure: a.Insecure,
		GRPCWeb:  a.GRPCWeb,
	}, nil, e.log.Named("argocd-cli"))
	return reader, cli, nil
}

func (e *env) options() application.Options {
	cp := e.cfg.ControlPlane
	match := retry.Match()
	if cp.MatchAttempts > 0 {
		match.MaxAttempts = cp.MatchAttempts
	}
	return application.Options{
		Component:    cp.Component,
		MatchPolicy:  match,
		PageLimit:    cp.PageLimit,
		PollInterval: cp.PollInterval,
		Logger:       e.log,
	}
}

// controlPlane wires the selected CI provider and nothing else.
func (e *env) controlPlane(ctx context.Context) (*application.ControlPlane, domain.ProviderKind, error) {
	kind, err := e.providerKind()
	if err != nil {
		return nil, "", err
	}
	p, err := e.provider(ctx, kind)
	if err != nil {
		return nil, kind, err
	}
	return application.New(p, nil, nil, e.options()), kind, nil
}

// argoControlPlane wires ArgoCD only.
func (e *env) argoControlPlane(ctx context.Context) (*application.ControlPlane, error) {
	reader, cli, err := e.argo(ctx)
	if err != nil {
		return nil, err
	}
	return application.New(nil, reader, cli, e.options()), nil
}

// emit prints v as indented JSON and, with --report, writes it to the report
// file as well.
func emit(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	if reportPath != "" {
		if err := report_fs.WriteFile(reportPath, v); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}
	return nil
}

func stderrf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format, args...)
}
