// Package config assembles runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings for the builder backend.
type Config struct {
	Port        string
	Environment string

	Database DatabaseConfig
	Sandbox  SandboxConfig
	Cache    CacheConfig
	Export   ExportConfig
}

// DatabaseConfig holds metadata-store connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// SQLitePath, when set, selects the embedded dev/test database instead
	// of Postgres.
	SQLitePath string
}

// SandboxConfig holds sandbox provider settings.
type SandboxConfig struct {
	DockerHost    string
	WorkspaceRoot string

	// Image is the container image sandboxes run in.
	Image string

	// InternalPort is the fixed port generated apps are told to bind.
	InternalPort int

	// HealthAttempts * HealthInterval bounds the boot health-check budget.
	HealthAttempts int
	HealthInterval time.Duration

	// BootDelay is the fixed pause after a cold boot before the first
	// proxied request, covering port-binding latency.
	BootDelay time.Duration

	// RestartCrashed makes Start() tear down and re-boot a handle that a
	// previous boot left in the crashed state. Off by default: crashed
	// sandboxes stay registered for log inspection and hot-patching.
	RestartCrashed bool

	// UpstreamEnv is injected into every sandbox process so generated apps
	// can reach their own upstream APIs.
	UpstreamEnv map[string]string
}

// CacheConfig holds project-resolution cache settings.
type CacheConfig struct {
	RedisURL string
	TTL      time.Duration
}

// ExportConfig holds export packaging settings.
type ExportConfig struct {
	S3Bucket string
	S3Region string
}

// Load reads configuration from the environment, applying defaults suitable
// for local development.
func Load() *Config {
	return &Config{
		Port:        envOr("PORT", "8080"),
		Environment: envOr("ENVIRONMENT", "development"),
		Database: DatabaseConfig{
			Host:       envOr("DB_HOST", "localhost"),
			Port:       envIntOr("DB_PORT", 5432),
			User:       envOr("DB_USER", "postgres"),
			Password:   envOr("DB_PASSWORD", "password"),
			DBName:     envOr("DB_NAME", "gorilla_builder"),
			SSLMode:    envOr("DB_SSLMODE", "disable"),
			SQLitePath: os.Getenv("DB_SQLITE_PATH"),
		},
		Sandbox: SandboxConfig{
			DockerHost:     envOr("DOCKER_HOST", "unix:///var/run/docker.sock"),
			WorkspaceRoot:  envOr("SANDBOX_WORKSPACE_ROOT", "/tmp/gorilla-sandboxes"),
			Image:          envOr("SANDBOX_IMAGE", "node:20-bookworm-slim"),
			InternalPort:   envIntOr("SANDBOX_INTERNAL_PORT", 3000),
			HealthAttempts: envIntOr("SANDBOX_HEALTH_ATTEMPTS", 30),
			HealthInterval: envDurationOr("SANDBOX_HEALTH_INTERVAL", time.Second),
			BootDelay:      envDurationOr("SANDBOX_BOOT_DELAY", 1500*time.Millisecond),
			RestartCrashed: envBoolOr("SANDBOX_RESTART_CRASHED", false),
			UpstreamEnv:    upstreamEnv(),
		},
		Cache: CacheConfig{
			RedisURL: os.Getenv("REDIS_URL"),
			TTL:      envDurationOr("PROJECT_CACHE_TTL", 30*time.Second),
		},
		Export: ExportConfig{
			S3Bucket: os.Getenv("EXPORT_S3_BUCKET"),
			S3Region: envOr("EXPORT_S3_REGION", "us-east-1"),
		},
	}
}

// upstreamEnv collects the credentials generated apps need at runtime.
func upstreamEnv() map[string]string {
	env := map[string]string{}
	for _, key := range []string{"SUPABASE_URL", "SUPABASE_ANON_KEY", "GROQ_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	return env
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
