package sandbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/config"
)

type fakeSession struct {
	baseURL string

	mu         sync.Mutex
	files      map[string]string
	commands   []string
	background []string
	released   bool
	logTail    string
}

func (s *fakeSession) ID() string      { return "fake-session" }
func (s *fakeSession) BaseURL() string { return s.baseURL }
func (s *fakeSession) Port() int       { return 3000 }

func (s *fakeSession) Run(ctx context.Context, cmd string) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	return 0, "", nil
}

func (s *fakeSession) StartBackground(ctx context.Context, cmd string, env map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.background = append(s.background, cmd)
	return nil
}

func (s *fakeSession) WriteFile(ctx context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = map[string]string{}
	}
	s.files[path] = content
	return nil
}

func (s *fakeSession) LogTail(ctx context.Context) string { return s.logTail }

func (s *fakeSession) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}

type fakeProvider struct {
	baseURL     string
	createDelay time.Duration
	createErr   error

	created  int64
	sessions []*fakeSession
	mu       sync.Mutex
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Create(ctx context.Context, projectID uint) (Session, error) {
	if p.createDelay > 0 {
		time.Sleep(p.createDelay)
	}
	if p.createErr != nil {
		return nil, p.createErr
	}
	atomic.AddInt64(&p.created, 1)
	s := &fakeSession{baseURL: p.baseURL, logTail: "Error: listen EADDRINUSE"}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

func testConfig() *config.SandboxConfig {
	return &config.SandboxConfig{
		InternalPort:   3000,
		HealthAttempts: 3,
		HealthInterval: 10 * time.Millisecond,
		BootDelay:      time.Millisecond,
	}
}

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStartBootsAndRegisters(t *testing.T) {
	srv := healthyServer(t)
	provider := &fakeProvider{baseURL: srv.URL}
	m := NewManager(testConfig(), provider)

	files := map[string]string{"server.js": "require('http')", "package.json": `{"scripts":{"dev":"node server.js"}}`}
	h, err := m.Start(context.Background(), 1, files)
	require.NoError(t, err)
	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, srv.URL, h.BaseURL())

	got, ok := m.IsRunning(1)
	require.True(t, ok)
	assert.Same(t, h, got)

	session := provider.sessions[0]
	assert.Equal(t, "require('http')", session.files["server.js"])
	require.Len(t, session.background, 1)
	assert.Equal(t, "npm run dev", session.background[0])
}

func TestStartReturnsExistingHandle(t *testing.T) {
	srv := healthyServer(t)
	provider := &fakeProvider{baseURL: srv.URL}
	m := NewManager(testConfig(), provider)

	first, err := m.Start(context.Background(), 1, map[string]string{"server.js": ""})
	require.NoError(t, err)
	second, err := m.Start(context.Background(), 1, map[string]string{"server.js": ""})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt64(&provider.created))
}

func TestStartCrashedHandlePersists(t *testing.T) {
	// Nothing listens here, so the health check budget runs out.
	provider := &fakeProvider{baseURL: "http://127.0.0.1:1"}
	m := NewManager(testConfig(), provider)

	h, err := m.Start(context.Background(), 7, map[string]string{"server.js": ""})
	var crash *StartupCrashError
	require.ErrorAs(t, err, &crash)
	assert.EqualValues(t, 7, crash.ProjectID)
	assert.Contains(t, crash.LogTail, "EADDRINUSE")

	require.NotNil(t, h)
	assert.Equal(t, StateCrashed, h.State())

	got, ok := m.IsRunning(7)
	require.True(t, ok, "crashed handle must stay registered")
	assert.Equal(t, StateCrashed, got.State())
}

func TestStartCrashedWithoutRestartPolicyKeepsHandle(t *testing.T) {
	provider := &fakeProvider{baseURL: "http://127.0.0.1:1"}
	m := NewManager(testConfig(), provider)

	_, err := m.Start(context.Background(), 7, map[string]string{"server.js": ""})
	require.Error(t, err)

	_, err = m.Start(context.Background(), 7, map[string]string{"server.js": ""})
	var crash *StartupCrashError
	require.ErrorAs(t, err, &crash)
	assert.EqualValues(t, 1, atomic.LoadInt64(&provider.created), "no reboot without the restart policy")
}

func TestStartCrashedWithRestartPolicyReboots(t *testing.T) {
	provider := &fakeProvider{baseURL: "http://127.0.0.1:1"}
	cfg := testConfig()
	cfg.RestartCrashed = true
	m := NewManager(cfg, provider)

	_, err := m.Start(context.Background(), 7, map[string]string{"server.js": ""})
	require.Error(t, err)
	firstSession := provider.sessions[0]

	_, err = m.Start(context.Background(), 7, map[string]string{"server.js": ""})
	require.Error(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt64(&provider.created))
	assert.True(t, firstSession.released, "old session must be released before reboot")
}

func TestConcurrentStartSharesOneBoot(t *testing.T) {
	srv := healthyServer(t)
	provider := &fakeProvider{baseURL: srv.URL, createDelay: 50 * time.Millisecond}
	m := NewManager(testConfig(), provider)

	const workers = 8
	handles := make([]*Handle, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = m.Start(context.Background(), 42, map[string]string{"server.js": ""})
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}

	assert.EqualValues(t, 1, atomic.LoadInt64(&provider.created), "concurrent starts must share one boot")
	for i := 1; i < workers; i++ {
		assert.Same(t, handles[0], handles[i])
	}
}

func TestStartProviderFailure(t *testing.T) {
	provider := &fakeProvider{createErr: errors.New("daemon unreachable")}
	m := NewManager(testConfig(), provider)

	_, err := m.Start(context.Background(), 1, nil)
	var boot *BootError
	require.ErrorAs(t, err, &boot)

	_, ok := m.IsRunning(1)
	assert.False(t, ok, "failed create must not register a handle")
}

func TestWriteFileWithoutSandboxIsNoop(t *testing.T) {
	m := NewManager(testConfig(), &fakeProvider{})
	err := m.WriteFile(context.Background(), 99, "index.html", "<html></html>")
	assert.NoError(t, err)
}

func TestWriteFileHotPatchesLiveSandbox(t *testing.T) {
	srv := healthyServer(t)
	provider := &fakeProvider{baseURL: srv.URL}
	m := NewManager(testConfig(), provider)

	_, err := m.Start(context.Background(), 1, map[string]string{"server.js": ""})
	require.NoError(t, err)

	require.NoError(t, m.WriteFile(context.Background(), 1, "app.css", "body{}"))
	assert.Equal(t, "body{}", provider.sessions[0].files["app.css"])
}

func TestRunCommandRequiresActiveSandbox(t *testing.T) {
	m := NewManager(testConfig(), &fakeProvider{})
	_, _, err := m.RunCommand(context.Background(), 5, "ls", false)
	var notActive *SandboxNotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.EqualValues(t, 5, notActive.ProjectID)
}

func TestStopReleasesAndDeregisters(t *testing.T) {
	srv := healthyServer(t)
	provider := &fakeProvider{baseURL: srv.URL}
	m := NewManager(testConfig(), provider)

	_, err := m.Start(context.Background(), 1, map[string]string{"server.js": ""})
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background(), 1))
	_, ok := m.IsRunning(1)
	assert.False(t, ok)
	assert.True(t, provider.sessions[0].released)

	assert.NoError(t, m.Stop(context.Background(), 1), "stopping an absent sandbox is a no-op")
}
