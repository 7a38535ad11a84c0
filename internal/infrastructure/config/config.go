package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/davarch/ci-controlplane/internal/domain"
)

// Target is a watched pull request: the scheduler looks for the latest run
// of Repository at SHA with the desired Status.
type Target struct {
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	Provider   string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Repository string `yaml:"repository" json:"repository"`
	SHA        string `yaml:"sha,omitempty" json:"sha,omitempty"`
	PullNumber int    `yaml:"pull_number,omitempty" json:"pullNumber,omitempty"`
	Status     string `yaml:"status,omitempty" json:"status,omitempty"`
	Event      string `yaml:"event,omitempty" json:"event,omitempty"`
	Enabled    bool   `yaml:"enabled" json:"enabled"`
}

type HTTP struct {
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type Providers struct {
	// Default is the provider used when a command does not name one.
	Default string `yaml:"default"`
	HTTP    HTTP   `yaml:"http"`

	Tekton struct {
		Namespace string `yaml:"namespace"`
	} `yaml:"tekton"`

	GitHub struct {
		BaseURL      string `yaml:"base_url"`
		Organization string `yaml:"organization"`
		Token        string `yaml:"token"`
	} `yaml:"github"`

	GitLab struct {
		BaseURL string `yaml:"base_url"`
		Group   string `yaml:"group"`
		Token   string `yaml:"token"`
	} `yaml:"gitlab"`

	Jenkins struct {
		BaseURL  string `yaml:"base_url"`
		Folder   string `yaml:"folder"`
		Username string `yaml:"username"`
		Token    string `yaml:"token"`
	} `yaml:"jenkins"`

	Azure struct {
		BaseURL      string `yaml:"base_url"`
		Organization string `yaml:"organization"`
		Project      string `yaml:"project"`
		Token        string `yaml:"token"`
	} `yaml:"azure"`
}

type ArgoCD struct {
	Namespace string `yaml:"namespace"`
	// Server and Password are discovered from the cluster when empty.
	Server   string `yaml:"server"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Binary   string `yaml:"binary"`
	Insecure bool   `yaml:"insecure"`
	GRPCWeb  bool   `yaml:"grpc_web"`
}

type ControlPlane struct {
	Component         string        `yaml:"component"`
	MatchAttempts     int           `yaml:"match_attempts"`
	PageLimit         int           `yaml:"page_limit"`
	CancelConcurrency int           `yaml:"cancel_concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

type Config struct {
	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Kubernetes struct {
		Kubeconfig       string `yaml:"kubeconfig"`
		Context          string `yaml:"context"`
		SecretsNamespace string `yaml:"secrets_namespace"`
	} `yaml:"kubernetes"`

	Providers    Providers    `yaml:"providers"`
	ArgoCD       ArgoCD       `yaml:"argocd"`
	ControlPlane ControlPlane `yaml:"controlplane"`

	Watch struct {
		Interval    time.Duration `yaml:"interval"`
		PauseFile   string        `yaml:"pause_file"`
		ReportPath  string        `yaml:"report_path"`
		MetricsAddr string        `yaml:"metrics_addr"`
		Targets     []Target      `yaml:"targets"`
	} `yaml:"watch"`
}

// Env is the environment overlay. Set variables override the file.
type Env struct {
	LogLevel         string `env:"LOG_LEVEL"`
	Kubeconfig       string `env:"KUBECONFIG"`
	SecretsNamespace string `env:"SECRETS_NAMESPACE"`
	Provider         string `env:"CI_PROVIDER"`
	Component        string `env:"COMPONENT"`

	TektonNamespace string `env:"TEKTON_NAMESPACE"`

	GitHubURL          string `env:"GITHUB_URL"`
	GitHubOrganization string `env:"GITHUB_ORGANIZATION"`
	GitHubToken        string `env:"GITHUB_TOKEN"`

	GitLabURL   string `env:"GITLAB_URL"`
	GitLabGroup string `env:"GITLAB_GROUP"`
	GitLabToken string `env:"GITLAB_TOKEN"`

	JenkinsURL      string `env:"JENKINS_URL"`
	JenkinsFolder   string `env:"JENKINS_FOLDER"`
	JenkinsUsername string `env:"JENKINS_USERNAME"`
	JenkinsToken    string `env:"JENKINS_TOKEN"`

	AzureURL          string `env:"AZURE_URL"`
	AzureOrganization string `env:"AZURE_ORGANIZATION"`
	AzureProject      string `env:"AZURE_PROJECT"`
	AzureToken        string `env:"AZURE_TOKEN"`

	ArgoCDNamespace string `env:"ARGOCD_NAMESPACE"`
	ArgoCDServer    string `env:"ARGOCD_SERVER"`
	ArgoCDPassword  string `env:"ARGOCD_PASSWORD"`
}

func defaults() Config {
	var c Config
	c.Log.Level = "info"
	c.Kubernetes.SecretsNamespace = "tssc"
	c.Providers.Default = string(domain.ProviderTekton)
	c.Providers.HTTP.Timeout = 30 * time.Second
	c.Providers.HTTP.RequestsPerSecond = 10
	c.Providers.HTTP.Burst = 5
	c.Providers.GitLab.BaseURL = "https://gitlab.com"
	c.Providers.Azure.BaseURL = "https://dev.azure.com"
	c.ArgoCD.Namespace = "openshift-gitops"
	c.ArgoCD.Username = "admin"
	c.ArgoCD.Binary = "argocd"
	c.ControlPlane.MatchAttempts = 10
	c.ControlPlane.PageLimit = 100
	c.ControlPlane.CancelConcurrency = domain.DefaultCancelConcurrency
	c.ControlPlane.PollInterval = 30 * time.Second
	c.Watch.Interval = 30 * time.Second
	c.Watch.PauseFile = expandHome("~/.cache/ci-controlplane.paused")
	c.Watch.ReportPath = expandHome("~/.cache/ci-controlplane.json")
	return c
}

// Load reads path (a missing file is not an error) and overlays the process
// environment.
func Load(path string) (Config, error) {
	return LoadWith(path, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit environment source.
func LoadWith(path string, env envconfig.Lookuper) (Config, error) {
	c := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, &domain.ConfigError{Field: path, Message: "invalid YAML", Err: err}
			}
		case !errors.Is(err, os.ErrNotExist):
			return c, err
		}
	}

	var e Env
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{Target: &e, Lookuper: env}); err != nil {
		return c, &domain.ConfigError{Field: "environment", Err: err}
	}
	c.apply(e)

	c.Watch.PauseFile = expandHome(c.Watch.PauseFile)
	c.Watch.ReportPath = expandHome(c.Watch.ReportPath)
	c.Kubernetes.Kubeconfig = expandHome(c.Kubernetes.Kubeconfig)
	if c.Watch.Interval <= 0 {
		c.Watch.Interval = 30 * time.Second
	}
	if c.ControlPlane.PollInterval <= 0 {
		c.ControlPlane.PollInterval = 30 * time.Second
	}
	if c.ControlPlane.CancelConcurrency <= 0 {
		c.ControlPlane.CancelConcurrency = domain.DefaultCancelConcurrency
	}

	return c, c.Validate()
}

func set(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *Config) apply(e Env) {
	set(&c.Log.Level, e.LogLevel)
	set(&c.Kubernetes.Kubeconfig, e.Kubeconfig)
	set(&c.Kubernetes.SecretsNamespace, e.SecretsNamespace)
	set(&c.Providers.Default, e.Provider)
	set(&c.ControlPlane.Component, e.Component)

	set(&c.Providers.Tekton.Namespace, e.TektonNamespace)

	set(&c.Providers.GitHub.BaseURL, e.GitHubURL)
	set(&c.Providers.GitHub.Organization, e.GitHubOrganization)
	set(&c.Providers.GitHub.Token, e.GitHubToken)

	set(&c.Providers.GitLab.BaseURL, e.GitLabURL)
	set(&c.Providers.GitLab.Group, e.GitLabGroup)
	set(&c.Providers.GitLab.Token, e.GitLabToken)

	set(&c.Providers.Jenkins.BaseURL, e.JenkinsURL)
	set(&c.Providers.Jenkins.Folder, e.JenkinsFolder)
	set(&c.Providers.Jenkins.Username, e.JenkinsUsername)
	set(&c.Providers.Jenkins.Token, e.JenkinsToken)

	set(&c.Providers.Azure.BaseURL, e.AzureURL)
	set(&c.Providers.Azure.Organization, e.AzureOrganization)
	set(&c.Providers.Azure.Project, e.AzureProject)
	set(&c.Providers.Azure.Token, e.AzureToken)

	set(&c.ArgoCD.Namespace, e.ArgoCDNamespace)
	set(&c.ArgoCD.Server, e.ArgoCDServer)
	set(&c.ArgoCD.Password, e.ArgoCDPassword)
}

// Validate checks enumerations. Credentials are not required here; missing
// ones are read from the cluster later.
func (c Config) Validate() error {
	if _, err := domain.ParseProviderKind(c.Providers.Default); err != nil {
		return err
	}
	for i, t := range c.Watch.Targets {
		field := fmt.Sprintf("watch.targets[%d]", i)
		if t.Repository == "" {
			return &domain.ConfigError{Field: field, Message: "repository is required"}
		}
		if t.Provider != "" {
			if _, err := domain.ParseProviderKind(t.Provider); err != nil {
				return &domain.ConfigError{Field: field + ".provider", Err: err}
			}
		}
		if _, err := domain.ParsePipelineStatus(strings.ToUpper(t.Status)); err != nil {
			return &domain.ConfigError{Field: field + ".status", Err: err}
		}
		if _, err := domain.ParseEventType(t.Event); err != nil {
			return &domain.ConfigError{Field: field + ".event", Err: err}
		}
	}
	return nil
}

// TargetName returns the display name of a target.
func (t Target) TargetName() string {
	if t.Name != "" {
		return t.Name
	}
	if t.PullNumber > 0 {
		return fmt.Sprintf("%s#%d", t.Repository, t.PullNumber)
	}
	return t.Repository
}

// LoadFile reads path as written, without defaults or environment, so that
// edits saved back do not leak overlay values into the file.
func LoadFile(path string) (Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, &domain.ConfigError{Field: path, Message: "invalid YAML", Err: err}
	}
	return c, nil
}

// Save writes c atomically under an exclusive lock on path.lock.
func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
