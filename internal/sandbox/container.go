package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/config"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/logging"
)

const (
	containerAppRoot = "/app"
	serverLogPath    = "/tmp/server.log"
	maxLogTailBytes  = 4096
)

// ContainerProvider creates Docker-backed sessions. Every interaction with a
// running sandbox goes through the daemon as an exec or an archive copy.
type ContainerProvider struct {
	cli *client.Client
	cfg *config.SandboxConfig
}

func (p *ContainerProvider) Name() string { return "container" }

// Create starts a long-lived container with the sandbox port published to an
// ephemeral host port. The container idles until StartBackground launches the
// dev server inside it.
func (p *ContainerProvider) Create(ctx context.Context, projectID uint) (Session, error) {
	internal := nat.Port(fmt.Sprintf("%d/tcp", p.cfg.InternalPort))
	name := fmt.Sprintf("gorilla-sandbox-%d-%s", projectID, uuid.New().String()[:8])

	created, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:        p.cfg.Image,
		WorkingDir:   containerAppRoot,
		Cmd:          []string{"sleep", "infinity"},
		ExposedPorts: nat.PortSet{internal: struct{}{}},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{internal: []nat.PortBinding{{HostIP: "127.0.0.1"}}},
		AutoRemove:   false,
	}, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container create failed: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start failed: %w", err)
	}

	inspect, err := p.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		_ = p.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container inspect failed: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[internal]
	if len(bindings) == 0 {
		_ = p.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("no host port bound for container %s", created.ID[:12])
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		_ = p.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("unexpected host port %q: %w", bindings[0].HostPort, err)
	}

	logging.L().Info("container sandbox created",
		zap.Uint("project_id", projectID),
		zap.String("container_id", created.ID[:12]),
		zap.Int("host_port", hostPort))

	return &containerSession{
		cli:      p.cli,
		id:       created.ID,
		hostPort: hostPort,
	}, nil
}

type containerSession struct {
	cli      *client.Client
	id       string
	hostPort int
}

func (s *containerSession) ID() string      { return s.id }
func (s *containerSession) Port() int       { return s.hostPort }
func (s *containerSession) BaseURL() string { return fmt.Sprintf("http://127.0.0.1:%d", s.hostPort) }

// Run executes a shell command inside the container and waits for it.
func (s *containerSession) Run(ctx context.Context, cmd string) (int, string, error) {
	created, err := s.cli.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          []string{"sh", "-lc", cmd},
		WorkingDir:   containerAppRoot,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, "", fmt.Errorf("exec create failed: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, "", fmt.Errorf("exec attach failed: %w", err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil {
		return -1, out.String(), fmt.Errorf("exec read failed: %w", err)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, out.String(), fmt.Errorf("exec inspect failed: %w", err)
	}
	return inspect.ExitCode, out.String(), nil
}

// StartBackground launches the dev server as a detached exec, with stderr and
// stdout captured inside the container for later inspection.
func (s *containerSession) StartBackground(ctx context.Context, cmd string, env map[string]string) error {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	wrapped := fmt.Sprintf("%s > %s 2>&1", cmd, serverLogPath)
	created, err := s.cli.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:        []string{"sh", "-lc", wrapped},
		WorkingDir: containerAppRoot,
		Env:        envList,
		Detach:     true,
	})
	if err != nil {
		return fmt.Errorf("exec create failed: %w", err)
	}
	if err := s.cli.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("exec start failed: %w", err)
	}
	return nil
}

// WriteFile streams a single-file tar archive into the container. Parent
// directories are created first since the archive copy does not make them.
func (s *containerSession) WriteFile(ctx context.Context, relPath, content string) error {
	clean := path.Clean("/" + relPath)[1:]
	if clean == "" || clean == "." {
		return fmt.Errorf("invalid file path %q", relPath)
	}
	if dir := path.Dir(clean); dir != "." {
		if _, _, err := s.Run(ctx, "mkdir -p "+shellQuote(path.Join(containerAppRoot, dir))); err != nil {
			return fmt.Errorf("mkdir for %s failed: %w", clean, err)
		}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    clean,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if err := s.cli.CopyToContainer(ctx, s.id, containerAppRoot, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy %s into container failed: %w", clean, err)
	}
	return nil
}

// LogTail reads the captured server log from inside the container.
func (s *containerSession) LogTail(ctx context.Context) string {
	_, out, err := s.Run(ctx, fmt.Sprintf("tail -c %d %s 2>/dev/null || true", maxLogTailBytes, serverLogPath))
	if err != nil {
		return ""
	}
	return out
}

func (s *containerSession) Release(ctx context.Context) error {
	return s.cli.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
