package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
)

const containerWorkDir = "/workspace"

// DockerLauncher runs each interpreter in its own locked-down container with the
// session working directory bind-mounted at /workspace.
type DockerLauncher struct {
	client *client.Client
	config Config
}

// NewDockerLauncher creates a Docker-based launcher.
func NewDockerLauncher(config Config) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Verify Docker daemon is accessible
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("Docker daemon not accessible: %w", err)
	}

	return &DockerLauncher{client: cli, config: config}, nil
}

// Name implements Launcher.
func (l *DockerLauncher) Name() string { return "docker" }

// Launch creates, attaches and starts a container running the driver.
func (l *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ValidatePackages(spec.Packages); err != nil {
		return nil, err
	}

	img := DockerImage(spec.WorkDir, l.config)
	if err := l.ensureImage(ctx, img); err != nil {
		return nil, fmt.Errorf("failed to ensure image %s: %w", img, err)
	}

	absWorkDir, err := filepath.Abs(spec.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	memory, err := units.RAMInBytes(l.config.Memory)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit %q: %w", l.config.Memory, err)
	}

	env := []string{
		"HOME=/tmp", // writable location on a read-only rootfs
		"PYTHONUNBUFFERED=1",
		"MPLBACKEND=Agg",
		"PYCODER_DRIVER=" + driverSource,
	}
	env = append(env, spec.Env...)

	cmd := []string{"python3", "-u", "-c", driverSource}
	tmpfs := "rw,noexec,nosuid,size=100m"
	if len(spec.Packages) > 0 {
		// Packages are installed into /tmp at container start; the network stays
		// enabled for pip and the tmpfs must allow loading compiled extensions.
		cmd = []string{"sh", "-c", installCommand(spec.Packages)}
		env = append(env, "PYTHONPATH=/tmp/pkgs")
		tmpfs = "rw,nosuid,size=1g"
	}

	containerConfig := &container.Config{
		Image:           img,
		Cmd:             cmd,
		WorkingDir:      containerWorkDir,
		User:            "1000:1000", // Non-root user
		Env:             env,
		OpenStdin:       true,
		StdinOnce:       true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             false,
		NetworkDisabled: len(spec.Packages) == 0,
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: absWorkDir,
				Target: containerWorkDir,
			},
		},
		Resources: container.Resources{
			Memory:   memory,
			NanoCPUs: parseCPU(l.config.CPU),
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
				{Name: "nproc", Soft: 256, Hard: 256},
			},
		},
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": tmpfs},
	}

	created, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	id := created.ID

	hijacked, err := l.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.remove(id)
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		hijacked.Close()
		l.remove(id)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	p := newDockerProcess(l, id, hijacked)
	log.Printf("🐳 sandbox container %s started (%s)", shortID(id), img)
	return p, nil
}

// installCommand installs packages into /tmp/pkgs and then replaces the shell
// with the driver so signals reach Python directly. pip output goes to stderr
// to keep the protocol stream clean.
func installCommand(packages []string) string {
	quoted := make([]string, len(packages))
	for i, p := range packages {
		quoted[i] = "'" + p + "'"
	}
	return fmt.Sprintf(
		`pip install --quiet --disable-pip-version-check --no-cache-dir --target /tmp/pkgs %s 1>&2 && exec python3 -u -c "$PYCODER_DRIVER"`,
		strings.Join(quoted, " "),
	)
}

// ensureImage checks if the image exists locally, and pulls it if not.
func (l *DockerLauncher) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := l.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}

	log.Printf("🐳 pulling image %s", imageName)
	reader, err := l.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Drain the pull output (required for pull to complete)
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (l *DockerLauncher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		log.Printf("⚠️  failed to remove container %s: %v", shortID(id), err)
	}
}

// dockerProcess adapts an attached container to Process. The multiplexed
// attach stream is split into separate stdout and stderr pipes.
type dockerProcess struct {
	launcher *DockerLauncher
	id       string
	conn     types.HijackedResponse
	stdout   *io.PipeReader
	stderr   *io.PipeReader
	copied   chan struct{}
	once     sync.Once
}

func newDockerProcess(l *DockerLauncher, id string, conn types.HijackedResponse) *dockerProcess {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	p := &dockerProcess{
		launcher: l,
		id:       id,
		conn:     conn,
		stdout:   outR,
		stderr:   errR,
		copied:   make(chan struct{}),
	}
	go func() {
		defer close(p.copied)
		_, err := stdcopy.StdCopy(outW, errW, conn.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
	return p
}

func (p *dockerProcess) Stdin() io.Writer  { return p.conn.Conn }
func (p *dockerProcess) CloseInput() error { return p.conn.CloseWrite() }
func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

func (p *dockerProcess) Interrupt() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.launcher.client.ContainerKill(ctx, p.id, "SIGINT")
}

// Kill removes the container; the stream copier then sees EOF.
func (p *dockerProcess) Kill() error {
	var err error
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = p.launcher.client.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true})
		p.conn.Close()
	})
	return err
}

// Wait blocks until the container stops, then removes it.
func (p *dockerProcess) Wait() error {
	<-p.copied
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	statusCh, errCh := p.launcher.client.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	var waitErr error
	select {
	case status := <-statusCh:
		if status.StatusCode != 0 {
			waitErr = fmt.Errorf("container exited with status %d", status.StatusCode)
		}
	case err := <-errCh:
		waitErr = err
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	if err := p.Kill(); err != nil && waitErr == nil {
		log.Printf("⚠️  container %s cleanup: %v", shortID(p.id), err)
	}
	return waitErr
}

// parseCPU parses a CPU count such as "2" or "1.5" into NanoCPUs.
func parseCPU(cpuStr string) int64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(cpuStr), 64)
	if err != nil || value <= 0 {
		value = 2
	}
	return int64(value * 1e9)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
