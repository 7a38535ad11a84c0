package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davarch/ci-controlplane/internal/domain"
)

const sample = `
providers:
  default: gitlab
  gitlab:
    base_url: https://gitlab.example.com
    group: rhtap
    token: token-yaml

controlplane:
  component: app
  poll_interval: 10s

watch:
  interval: 15s
  targets:
    - name: app-pr
      repository: app
      sha: abc
      pull_number: 5
      status: success
      event: pull_request
      enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FromYAMLAndEnvOverride(t *testing.T) {
	path := writeConfig(t, sample)

	c, err := LoadWith(path, envconfig.MapLookuper(map[string]string{
		"GITLAB_TOKEN": "token-env",
		"COMPONENT":    "other",
	}))
	require.NoError(t, err)

	assert.Equal(t, "token-env", c.Providers.GitLab.Token)
	assert.Equal(t, "rhtap", c.Providers.GitLab.Group)
	assert.Equal(t, "other", c.ControlPlane.Component)
	assert.Equal(t, 10*time.Second, c.ControlPlane.PollInterval)
	assert.Equal(t, 15*time.Second, c.Watch.Interval)
	assert.Equal(t, domain.DefaultCancelConcurrency, c.ControlPlane.CancelConcurrency)
	require.Len(t, c.Watch.Targets, 1)
	assert.Equal(t, 5, c.Watch.Targets[0].PullNumber)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	c, err := LoadWith(filepath.Join(t.TempDir(), "absent.yaml"), envconfig.MapLookuper(nil))
	require.NoError(t, err)
	assert.Equal(t, "tekton", c.Providers.Default)
	assert.Equal(t, "tssc", c.Kubernetes.SecretsNamespace)
	assert.Equal(t, 100, c.ControlPlane.PageLimit)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":        "providers: [",
		"bad provider":    "providers:\n  default: bitbucket\n",
		"bad status":      "watch:\n  targets:\n    - repository: app\n      status: DONE\n",
		"missing repo":    "watch:\n  targets:\n    - sha: abc\n",
		"bad target kind": "watch:\n  targets:\n    - repository: app\n      provider: svn\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadWith(writeConfig(t, body), envconfig.MapLookuper(nil))
			require.Error(t, err)
			assert.True(t, domain.IsConfigError(err))
		})
	}
}

func TestSave_RoundTripKeepsFileOnly(t *testing.T) {
	path := writeConfig(t, sample)

	c, err := LoadFile(path)
	require.NoError(t, err)
	c.Watch.Targets[0].Enabled = false
	require.NoError(t, Save(path, c))

	again, err := LoadWith(path, envconfig.MapLookuper(map[string]string{"GITLAB_TOKEN": "secret-env"}))
	require.NoError(t, err)
	assert.False(t, again.Watch.Targets[0].Enabled)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-env")
}

func TestTargetName(t *testing.T) {
	assert.Equal(t, "x", Target{Name: "x", Repository: "app"}.TargetName())
	assert.Equal(t, "app#3", Target{Repository: "app", PullNumber: 3}.TargetName())
	assert.Equal(t, "app", Target{Repository: "app"}.TargetName())
}
