package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/config"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/logging"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/metrics"
)

// State is a sandbox handle's lifecycle state.
type State string

const (
	StateBooting State = "booting"
	StateReady   State = "ready"
	StateCrashed State = "crashed"
)

// Handle is a registered sandbox. Crashed handles stay in the registry so
// their logs remain inspectable and hot-patches still land; they are only
// removed by Stop or, when so configured, replaced on the next boot.
type Handle struct {
	ProjectID uint
	Session   Session
	StartedAt time.Time

	mu    sync.RWMutex
	state State
}

func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// BaseURL is the host-reachable address of the sandbox, valid in any state.
func (h *Handle) BaseURL() string { return h.Session.BaseURL() }

// Port is the host-side port, reported even for crashed handles.
func (h *Handle) Port() int { return h.Session.Port() }

// Manager owns the sandbox registry and the boot pipeline. Concurrent Start
// calls for the same project collapse into one boot; operations against
// different projects never block each other.
type Manager struct {
	cfg      *config.SandboxConfig
	provider Provider
	health   *http.Client

	mu      sync.RWMutex
	handles map[uint]*Handle

	boots singleflight.Group

	opMu  sync.Mutex
	opLks map[uint]*sync.Mutex
}

// NewManager creates a Manager using the given provider.
func NewManager(cfg *config.SandboxConfig, provider Provider) *Manager {
	return &Manager{
		cfg:      cfg,
		provider: provider,
		health:   &http.Client{Timeout: 900 * time.Millisecond},
		handles:  make(map[uint]*Handle),
		opLks:    make(map[uint]*sync.Mutex),
	}
}

// Provider reports the active provider's name.
func (m *Manager) Provider() string { return m.provider.Name() }

// IsRunning is a pure registry lookup. It reports the handle in whatever
// state it is, including crashed, and never triggers a boot.
func (m *Manager) IsRunning(projectID uint) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[projectID]
	return h, ok
}

// Handles returns a snapshot of all registered handles.
func (m *Manager) Handles() []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

// Start returns the project's sandbox, booting one if needed. Concurrent
// calls for the same project share a single boot. A handle that previously
// crashed is returned with a StartupCrashError unless the restart policy is
// enabled, in which case it is torn down and booted fresh.
func (m *Manager) Start(ctx context.Context, projectID uint, files map[string]string) (*Handle, error) {
	if h, ok := m.IsRunning(projectID); ok {
		switch h.State() {
		case StateCrashed:
			if !m.cfg.RestartCrashed {
				return h, &StartupCrashError{ProjectID: projectID, LogTail: h.Session.LogTail(ctx)}
			}
			if err := m.Stop(ctx, projectID); err != nil {
				logging.L().Warn("crashed sandbox teardown failed",
					zap.Uint("project_id", projectID), zap.Error(err))
			}
		default:
			return h, nil
		}
	}

	v, err, shared := m.boots.Do(strconv.FormatUint(uint64(projectID), 10), func() (interface{}, error) {
		if h, ok := m.IsRunning(projectID); ok && h.State() != StateCrashed {
			return h, nil
		}
		return m.boot(ctx, projectID, files)
	})
	if shared {
		logging.L().Debug("sandbox boot deduplicated", zap.Uint("project_id", projectID))
	}
	if err != nil {
		return nil, err
	}
	h := v.(*Handle)
	if h.State() == StateCrashed {
		return h, &StartupCrashError{ProjectID: projectID, LogTail: h.Session.LogTail(ctx)}
	}
	return h, nil
}

// boot runs the cold-start pipeline. The handle is registered before the
// health check so that a crash during startup leaves an inspectable handle
// behind rather than nothing.
func (m *Manager) boot(ctx context.Context, projectID uint, files map[string]string) (*Handle, error) {
	started := time.Now()
	log := logging.L().With(zap.Uint("project_id", projectID))
	log.Info("booting sandbox", zap.String("provider", m.provider.Name()), zap.Int("files", len(files)))

	session, err := m.provider.Create(ctx, projectID)
	if err != nil {
		metrics.Get().SandboxBootsTotal.WithLabelValues("error").Inc()
		return nil, &BootError{Err: err}
	}

	synced := 0
	for path, content := range files {
		if err := session.WriteFile(ctx, path, content); err != nil {
			metrics.Get().SandboxSoftFailures.WithLabelValues("file_sync").Inc()
			log.Warn("file sync failed", zap.String("path", path), zap.Error(err))
			continue
		}
		synced++
	}
	log.Info("files synced", zap.Int("synced", synced), zap.Int("total", len(files)))

	plan := ResolveStartPlan(files)
	if plan.Install != "" {
		if code, out, err := session.Run(ctx, plan.Install); err != nil || code != 0 {
			metrics.Get().SandboxSoftFailures.WithLabelValues("install").Inc()
			log.Warn("dependency install failed",
				zap.Int("exit_code", code),
				zap.String("output", tail(out, 512)),
				zap.Error(err))
		}
	}

	env := map[string]string{"PORT": strconv.Itoa(m.cfg.InternalPort)}
	for k, v := range m.cfg.UpstreamEnv {
		env[k] = v
	}
	if err := session.StartBackground(ctx, plan.Command, env); err != nil {
		_ = session.Release(context.Background())
		metrics.Get().SandboxBootsTotal.WithLabelValues("error").Inc()
		return nil, &BootError{Err: fmt.Errorf("launch %q: %w", plan.Command, err)}
	}

	h := &Handle{
		ProjectID: projectID,
		Session:   session,
		StartedAt: started,
		state:     StateBooting,
	}
	m.register(h)

	select {
	case <-time.After(m.cfg.BootDelay):
	case <-ctx.Done():
	}

	if m.waitHealthy(ctx, session.BaseURL()) {
		h.setState(StateReady)
		metrics.Get().SandboxBootsTotal.WithLabelValues("ok").Inc()
		metrics.Get().SandboxBootDuration.Observe(time.Since(started).Seconds())
		log.Info("sandbox ready",
			zap.String("base_url", session.BaseURL()),
			zap.Duration("boot_time", time.Since(started)))
		return h, nil
	}

	h.setState(StateCrashed)
	metrics.Get().SandboxBootsTotal.WithLabelValues("crash").Inc()
	log.Error("sandbox never became healthy", zap.String("command", plan.Command))
	return h, nil
}

// waitHealthy polls the sandbox until any HTTP response arrives. A 404 still
// proves the server is up; only connection failures count against the budget.
func (m *Manager) waitHealthy(ctx context.Context, baseURL string) bool {
	for i := 0; i < m.cfg.HealthAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/", nil)
		if err != nil {
			return false
		}
		resp, err := m.health.Do(req)
		if err == nil {
			resp.Body.Close()
			return true
		}
		select {
		case <-time.After(m.cfg.HealthInterval):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// WriteFile hot-patches a file into a live sandbox. A missing handle is not
// an error: the next cold boot will pick the file up from the store anyway.
func (m *Manager) WriteFile(ctx context.Context, projectID uint, path, content string) error {
	h, ok := m.IsRunning(projectID)
	if !ok {
		logging.L().Warn("hot patch skipped, no active sandbox",
			zap.Uint("project_id", projectID), zap.String("path", path))
		return nil
	}

	lk := m.opLock(projectID)
	lk.Lock()
	defer lk.Unlock()

	if err := h.Session.WriteFile(ctx, path, content); err != nil {
		return fmt.Errorf("hot patch %s: %w", path, err)
	}
	logging.L().Debug("hot patched file",
		zap.Uint("project_id", projectID), zap.String("path", path))
	return nil
}

// DeleteFile removes a file from a live sandbox. Like WriteFile, a missing
// handle is not an error.
func (m *Manager) DeleteFile(ctx context.Context, projectID uint, path string) error {
	h, ok := m.IsRunning(projectID)
	if !ok {
		return nil
	}

	lk := m.opLock(projectID)
	lk.Lock()
	defer lk.Unlock()

	if _, _, err := h.Session.Run(ctx, "rm -f "+shellQuote(path)); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// RunCommand executes a command in the project's sandbox. Background commands
// return immediately with no output.
func (m *Manager) RunCommand(ctx context.Context, projectID uint, cmd string, background bool) (int, string, error) {
	h, ok := m.IsRunning(projectID)
	if !ok {
		return -1, "", &SandboxNotActiveError{ProjectID: projectID}
	}

	lk := m.opLock(projectID)
	lk.Lock()
	defer lk.Unlock()

	if background {
		return 0, "", h.Session.StartBackground(ctx, cmd, nil)
	}
	return h.Session.Run(ctx, cmd)
}

// LogTail returns the captured server log for a project's sandbox.
func (m *Manager) LogTail(ctx context.Context, projectID uint) (string, error) {
	h, ok := m.IsRunning(projectID)
	if !ok {
		return "", &SandboxNotActiveError{ProjectID: projectID}
	}
	return h.Session.LogTail(ctx), nil
}

// Stop releases a project's sandbox and removes it from the registry. Absent
// handles are a no-op.
func (m *Manager) Stop(ctx context.Context, projectID uint) error {
	m.mu.Lock()
	h, ok := m.handles[projectID]
	if ok {
		delete(m.handles, projectID)
		metrics.Get().SandboxesActive.Set(float64(len(m.handles)))
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	logging.L().Info("stopping sandbox", zap.Uint("project_id", projectID))
	if err := h.Session.Release(ctx); err != nil {
		logging.L().Warn("sandbox release failed",
			zap.Uint("project_id", projectID), zap.Error(err))
		return err
	}
	return nil
}

// StopAll releases every registered sandbox, used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, h := range m.Handles() {
		_ = m.Stop(ctx, h.ProjectID)
	}
}

func (m *Manager) register(h *Handle) {
	m.mu.Lock()
	m.handles[h.ProjectID] = h
	metrics.Get().SandboxesActive.Set(float64(len(m.handles)))
	m.mu.Unlock()
}

// opLock returns the per-project operation mutex, creating it on first use.
func (m *Manager) opLock(projectID uint) *sync.Mutex {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	lk, ok := m.opLks[projectID]
	if !ok {
		lk = &sync.Mutex{}
		m.opLks[projectID] = lk
	}
	return lk
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
