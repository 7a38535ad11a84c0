package jenkins_http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/infrastructure/httpx"
	"github.com/davarch/ci-controlplane/internal/infrastructure/retry"
)

const buildsJSON = `{"builds":[
 {"number":12,"url":"http://j/job/app/12/","building":true,"result":null,"timestamp":1714557600000,"displayName":"#12",
  "actions":[{"_class":"hudson.model.CauseAction","causes":[{"_class":"com.cloudbees.jenkins.GitHubPushCause"}]},
             {"_class":"hudson.plugins.git.util.BuildData","lastBuiltRevision":{"SHA1":"abc","branch":[{"SHA1":"abc","name":"origin/main"}]}}]},
 {"number":11,"url":"http://j/job/app/11/","building":false,"result":"UNSTABLE","timestamp":1714554000000,"duration":60000,"displayName":"#11",
  "actions":[{"_class":"hudson.model.CauseAction","causes":[{"_class":"hudson.model.Cause$UserIdCause"}]},
             {"_class":"hudson.model.ParametersAction","parameters":[{"name":"GIT_COMMIT","value":"def"}]}]}
]}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "rhtap", "admin", "token", httpx.Options{Retry: retry.Fixed(time.Millisecond, 2)})
}

func TestListRuns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/job/rhtap/job/app/api/json", r.URL.Path)
		assert.True(t, strings.HasSuffix(r.URL.Query().Get("tree"), "{0,100}"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "token", pass)
		_, _ = w.Write([]byte(buildsJSON))
	})

	runs, err := c.ListRuns(context.Background(), "app", domain.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, domain.StatusRunning, runs[0].Status)
	assert.Equal(t, domain.EventPush, runs[0].Event)
	assert.Equal(t, "abc", runs[0].SHA)
	assert.Equal(t, "main", runs[0].Branch)
	assert.Equal(t, 12, runs[0].BuildNumber)
	assert.Equal(t, "app", runs[0].JobName)

	assert.Equal(t, domain.StatusFailure, runs[1].Status)
	assert.Equal(t, "def", runs[1].SHA)
	assert.True(t, runs[1].EventUnfiltered)
	assert.False(t, runs[1].EndTime.IsZero())
}

func TestListRuns_EventFilterSkipsOnlyKnownEvents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(buildsJSON))
	})

	runs, err := c.ListRuns(context.Background(), "app", domain.RunFilter{Event: domain.EventPullRequest})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 11, runs[0].BuildNumber)
}

func TestGetRunAndLogs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/job/rhtap/job/app/11/api/json":
			_, _ = w.Write([]byte(`{"number":11,"building":false,"result":"SUCCESS","timestamp":1714554000000}`))
		case "/job/rhtap/job/app/11/consoleText":
			_, _ = w.Write([]byte("Finished: SUCCESS"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	h := domain.RunHandle{Repository: "app", JobName: "app", BuildNumber: 11}
	p, err := c.GetRun(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, p.Status)

	logs, err := c.GetLogs(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "Finished: SUCCESS", logs)

	logs, err = c.GetLogs(context.Background(), domain.RunHandle{Repository: "app", ID: "99"})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestCancelNotSupported(t *testing.T) {
	c := New("http://unused", "", "u", "p", httpx.Options{})
	err := c.Cancel(context.Background(), domain.RunHandle{Repository: "app", BuildNumber: 1})
	assert.True(t, domain.IsNotSupported(err))
}
