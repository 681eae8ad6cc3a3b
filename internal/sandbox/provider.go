package sandbox

import (
	"context"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/config"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/logging"
)

// Session is one isolated runtime bound to a single project. Implementations
// normalize over two very different backends: Docker containers, where every
// interaction is a command executed inside the container, and local
// workspaces, where the dev server is a child process we own directly.
type Session interface {
	// ID is the provider-native identifier (container ID or workspace path).
	ID() string

	// BaseURL is the host-reachable address of the dev server once launched.
	BaseURL() string

	// Port is the host-side port the dev server is reachable on.
	Port() int

	// Run executes a command to completion and returns its exit code and
	// combined output.
	Run(ctx context.Context, cmd string) (int, string, error)

	// StartBackground launches a long-lived command detached from the caller.
	// The command's stderr is captured so crashes can be diagnosed later.
	StartBackground(ctx context.Context, cmd string, env map[string]string) error

	// WriteFile places content at a path relative to the sandbox app root,
	// creating parent directories as needed.
	WriteFile(ctx context.Context, path, content string) error

	// LogTail returns the last portion of the dev server's captured stderr.
	LogTail(ctx context.Context) string

	// Release tears the session down and frees its resources.
	Release(ctx context.Context) error
}

// Provider creates sessions. Exactly one provider is selected at startup.
type Provider interface {
	Name() string
	Create(ctx context.Context, projectID uint) (Session, error)
}

// Detect picks the best available provider. Docker wins when the daemon
// answers a ping within a short deadline; otherwise sandboxes run as local
// processes under the configured workspace root.
func Detect(cfg *config.SandboxConfig) Provider {
	cli, err := newDockerClient(cfg)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err == nil {
			logging.L().Info("sandbox provider selected", zap.String("provider", "container"))
			return &ContainerProvider{cli: cli, cfg: cfg}
		}
		cli.Close()
	}
	logging.L().Info("sandbox provider selected",
		zap.String("provider", "process"),
		zap.String("workspace_root", cfg.WorkspaceRoot))
	return &ProcessProvider{cfg: cfg}
}

func newDockerClient(cfg *config.SandboxConfig) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	return client.NewClientWithOpts(opts...)
}
