package sandbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Mode represents the sandbox execution mode.
type Mode string

const (
	// ModeDocker uses Docker containers for isolation.
	ModeDocker Mode = "docker"
	// ModeHost runs the interpreter directly on the host (no isolation).
	ModeHost Mode = "host"
	// ModeAuto automatically selects Docker if available, otherwise falls back to host.
	ModeAuto Mode = "auto"
)

// Config holds configuration for sandbox execution.
type Config struct {
	Mode        Mode
	DockerImage string        // Custom Docker image override
	CPU         string        // CPU limit (e.g., "2")
	Memory      string        // Memory limit (e.g., "1g")
	ExecTimeout time.Duration // Per execute_code call ceiling
	Python      string        // Host interpreter binary
}

// DefaultConfig returns the default configuration based on environment variables.
func DefaultConfig() Config {
	return Config{
		Mode:        ParseMode(os.Getenv("PYCODER_SANDBOX_MODE")),
		DockerImage: os.Getenv("PYCODER_DOCKER_IMAGE"),
		CPU:         getEnvOrDefault("PYCODER_DOCKER_CPU", "2"),
		Memory:      getEnvOrDefault("PYCODER_DOCKER_MEMORY", "1g"),
		ExecTimeout: parseTimeout(os.Getenv("PYCODER_EXEC_TIMEOUT"), DefaultOptions().ExecTimeout),
		Python:      getEnvOrDefault("PYCODER_PYTHON", "python3"),
	}
}

// ParseMode maps a mode name to a Mode, defaulting to auto.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "docker":
		return ModeDocker
	case "host":
		return ModeHost
	case "", "auto":
		return ModeAuto
	default:
		log.Printf("WARNING: Unknown sandbox mode '%s', defaulting to 'auto'", s)
		return ModeAuto
	}
}

// Options returns the sandbox options implied by the configuration.
func (c Config) Options() Options {
	opts := DefaultOptions()
	if c.ExecTimeout > 0 {
		opts.ExecTimeout = c.ExecTimeout
	}
	return opts
}

func parseTimeout(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		log.Printf("WARNING: Invalid PYCODER_EXEC_TIMEOUT value '%s', using default %s", s, def)
		return def
	}
	return d
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// IsDockerAvailable checks if Docker is available and accessible.
func IsDockerAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "ps")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}

// NewLauncher creates a launcher based on the configured mode and Docker availability:
// - "docker": Use Docker (error if unavailable)
// - "host": Use the host interpreter (no isolation)
// - "auto": Use Docker if available, fallback to host
func NewLauncher(ctx context.Context, config Config) (Launcher, error) {
	host := HostLauncher{Python: config.Python}

	switch config.Mode {
	case ModeDocker:
		l, err := NewDockerLauncher(config)
		if err != nil {
			return nil, fmt.Errorf("docker sandbox requested: %w", err)
		}
		return l, nil

	case ModeHost:
		log.Printf("WARNING: Using host interpreter (no sandboxing). Code runs with your user's permissions.")
		return host, nil

	default:
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if IsDockerAvailable(checkCtx) {
			l, err := NewDockerLauncher(config)
			if err == nil {
				return l, nil
			}
			log.Printf("WARNING: Docker available but failed to create launcher: %v. Falling back to host interpreter.", err)
		} else {
			log.Printf("WARNING: Docker not available. Using host interpreter (no sandboxing).")
		}
		return host, nil
	}
}
