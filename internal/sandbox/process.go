package sandbox

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/config"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/logging"
)

// ProcessProvider runs sandboxes as child processes in per-project workspace
// directories. Used when no container daemon is reachable.
type ProcessProvider struct {
	cfg *config.SandboxConfig
}

func (p *ProcessProvider) Name() string { return "process" }

// Create allocates a workspace directory and a free local port. Unlike the
// container backend the port cannot be fixed, since every sandbox shares the
// host network namespace.
func (p *ProcessProvider) Create(ctx context.Context, projectID uint) (Session, error) {
	dir := filepath.Join(p.cfg.WorkspaceRoot, fmt.Sprintf("project-%d", projectID))
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".sandbox"), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	port, err := freePort()
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	logging.L().Info("process sandbox created",
		zap.Uint("project_id", projectID),
		zap.String("workspace", dir),
		zap.Int("port", port))

	return &processSession{dir: dir, port: port}, nil
}

type processSession struct {
	dir  string
	port int

	mu    sync.Mutex
	child *exec.Cmd
}

func (s *processSession) ID() string      { return s.dir }
func (s *processSession) Port() int       { return s.port }
func (s *processSession) BaseURL() string { return fmt.Sprintf("http://127.0.0.1:%d", s.port) }

func (s *processSession) Run(ctx context.Context, cmd string) (int, string, error) {
	c := exec.CommandContext(ctx, "sh", "-lc", cmd)
	c.Dir = s.dir
	out, err := c.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), string(out), nil
		}
		return -1, string(out), err
	}
	return 0, string(out), nil
}

// StartBackground launches the dev server in its own process group so the
// whole tree can be killed on release. Output goes to a log file in the
// workspace for crash diagnosis.
func (s *processSession) StartBackground(ctx context.Context, cmd string, env map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logFile, err := os.Create(s.logPath())
	if err != nil {
		return fmt.Errorf("create server log: %w", err)
	}

	c := exec.Command("sh", "-lc", cmd)
	c.Dir = s.dir
	c.Stdout = logFile
	c.Stderr = logFile
	c.Env = os.Environ()
	for k, v := range env {
		c.Env = append(c.Env, k+"="+v)
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := c.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start dev server: %w", err)
	}
	s.child = c

	go func() {
		_ = c.Wait()
		logFile.Close()
	}()
	return nil
}

func (s *processSession) WriteFile(ctx context.Context, relPath, content string) error {
	full, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

func (s *processSession) LogTail(ctx context.Context) string {
	f, err := os.Open(s.logPath())
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - maxLogTailBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}
	return string(buf)
}

// Release kills the process group and removes the workspace.
func (s *processSession) Release(ctx context.Context) error {
	s.mu.Lock()
	child := s.child
	s.child = nil
	s.mu.Unlock()

	if child != nil && child.Process != nil {
		pgid := -child.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)
		time.Sleep(2 * time.Second)
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}
	return os.RemoveAll(s.dir)
}

func (s *processSession) logPath() string {
	return filepath.Join(s.dir, ".sandbox", "server.log")
}

// resolve joins a sandbox-relative path and rejects traversal outside the
// workspace.
func (s *processSession) resolve(relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid file path %q", relPath)
	}
	return filepath.Join(s.dir, clean), nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate sandbox port: %w", err)
	}
	defer l.Close()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
