package domain

import (
	"context"
	"sync"
)

type MockProvider struct {
	ProviderKind ProviderKind

	mu sync.Mutex

	// Runs are returned by ListRuns per repository.
	Runs    map[string][]Pipeline
	ListErr map[string]error
	// ListSeq, when set, is consumed one entry per ListRuns call.
	ListSeq [][]Pipeline

	// GetSeq is consumed one entry per GetRun call; the last entry repeats.
	GetSeq []Pipeline
	GetErr error

	CancelErr map[string]error
	Logs      string

	ListCalls   int
	GetCalls    int
	CancelCalls []RunHandle
	Filters     []RunFilter
}

func (m *MockProvider) Kind() ProviderKind {
	if m.ProviderKind == "" {
		return ProviderTekton
	}
	return m.ProviderKind
}

func (m *MockProvider) ListRuns(ctx context.Context, repo string, f RunFilter) ([]Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	m.Filters = append(m.Filters, f)
	if err := m.ListErr[repo]; err != nil {
		return nil, err
	}
	if len(m.ListSeq) > 0 {
		runs := m.ListSeq[0]
		if len(m.ListSeq) > 1 {
			m.ListSeq = m.ListSeq[1:]
		}
		return append([]Pipeline(nil), runs...), nil
	}
	return append([]Pipeline(nil), m.Runs[repo]...), nil
}

func (m *MockProvider) GetRun(ctx context.Context, h RunHandle) (Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.GetErr != nil {
		return Pipeline{}, m.GetErr
	}
	if len(m.GetSeq) == 0 {
		return Pipeline{}, &ProviderError{Kind: KindNotFound, Provider: m.Kind(), Op: "get run", StatusCode: 404}
	}
	p := m.GetSeq[0]
	if len(m.GetSeq) > 1 {
		m.GetSeq = m.GetSeq[1:]
	}
	return p, nil
}

func (m *MockProvider) GetLogs(ctx context.Context, h RunHandle) (string, error) {
	return m.Logs, nil
}

func (m *MockProvider) Cancel(ctx context.Context, h RunHandle) error {
	m.mu.Lock()
	m.CancelCalls = append(m.CancelCalls, h)
	err := m.CancelErr[h.ID]
	m.mu.Unlock()
	return err
}

func (m *MockProvider) ListCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ListCalls
}

func (m *MockProvider) CancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CancelCalls)
}

type MockArgo struct {
	mu sync.Mutex

	// Apps is consumed one entry per GetApplication call; the last entry repeats.
	Apps  []ArgoApplication
	Err   error
	Calls int
}

func (m *MockArgo) GetApplication(ctx context.Context, ref ArgoAppRef) (ArgoApplication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return ArgoApplication{}, m.Err
	}
	a := m.Apps[0]
	if len(m.Apps) > 1 {
		m.Apps = m.Apps[1:]
	}
	return a, nil
}

type MockArgoCLI struct {
	mu sync.Mutex

	LoginErrs []error
	SyncOut   []string
	SyncErrs  []error

	LoginCalls int
	SyncCalls  int
}

func (m *MockArgoCLI) Login(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoginCalls++
	return pop(&m.LoginErrs)
}

func (m *MockArgoCLI) Sync(ctx context.Context, ref ArgoAppRef, opts SyncOptions, timeout int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncCalls++
	out := ""
	if len(m.SyncOut) > 0 {
		out = m.SyncOut[0]
		m.SyncOut = m.SyncOut[1:]
	}
	return out, pop(&m.SyncErrs)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

type MockSecrets struct {
	Data  map[string]map[string]string
	Calls int
}

func (m *MockSecrets) ReadSecret(ctx context.Context, namespace, name string) (map[string]string, error) {
	m.Calls++
	d, ok := m.Data[name]
	if !ok {
		return nil, &ProviderError{Kind: KindNotFound, Op: "read secret " + name, StatusCode: 404}
	}
	return d, nil
}
