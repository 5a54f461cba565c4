// Package sandbox runs the container under test: one container per task,
// addressed either by its container IP (container mode) or through a
// forwarded host port (host mode), with environment variables carrying the
// task's per-run database principal.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/apitester/pkg/config"
	"github.com/cuemby/apitester/pkg/dbacl"
	"github.com/cuemby/apitester/pkg/log"
	"github.com/cuemby/apitester/pkg/metrics"
	"github.com/cuemby/apitester/pkg/network"
)

// Namespace is the containerd namespace every sandboxed task container
// runs under.
const Namespace = "apitester"

// wireName is the fixed NAME environment variable the tested image expects,
// carried over byte for byte from the system this worker replaces.
const wireName = "Arthur"

// Sandbox is a single task's running container, plus whatever host-mode
// port forwarder was opened to reach it.
type Sandbox struct {
	client    *containerd.Client
	container containerd.Container
	task      containerd.Task
	image     string
	forwarder *network.Forwarder
	endpoint  string
	logs      *logBuffer
}

// logBuffer accumulates a sandbox container's combined stdout/stderr as it
// arrives. Unlike an io.Pipe, Write never blocks waiting for a reader: a
// container that logs heavily during startup or while serving scenario
// traffic must never be backpressured by apitester's own read timing.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// snapshot returns everything captured so far as an independent copy, safe
// to hand to a caller while the container may still be writing.
func (b *logBuffer) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Runtime owns the containerd client connection used to start and stop
// every task's sandbox.
type Runtime struct {
	client *containerd.Client
	cfg    config.Config
}

// Open connects to containerd over the configured socket.
func Open(cfg config.Config) (*Runtime, error) {
	client, err := containerd.New(cfg.ContainerdSocket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &Runtime{client: client, cfg: cfg}, nil
}

// Close closes the containerd client connection.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Start pulls the task's image, creates and starts a single container
// named after the task ID, and waits the fixed readiness window before
// returning an endpoint the executor can dispatch HTTP requests to.
func (r *Runtime) Start(ctx context.Context, taskID, image string, handle *dbacl.Handle) (*Sandbox, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	logger := log.WithTaskID(taskID)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SandboxStartDuration)

	img, err := r.client.Pull(ctx, image, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", image, err)
	}

	env := []string{
		"NAME=" + wireName,
		"DB_NAME=" + handle.TargetDB,
		"DB_USER=" + handle.Name,
		"DB_PASSWORD=" + handle.Password,
		"DB_HOST=" + r.cfg.Database.Host,
		fmt.Sprintf("DB_PORT=%d", r.cfg.Database.Port),
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithEnv(env),
		oci.WithMounts(extraHostsMount()),
	}

	ctr, err := r.client.NewContainer(
		ctx,
		taskID,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(taskID+"-snapshot", img),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}

	logs := &logBuffer{}
	task, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, logs, logs)))
	if err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("failed to create sandbox task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("failed to start sandbox task: %w", err)
	}

	sb := &Sandbox{client: r.client, container: ctr, task: task, image: image, logs: logs}

	// The tested image's own startup (migrations, fixture loads) is given a
	// fixed settle window rather than polled, mirroring the original
	// runner's readiness assumption.
	select {
	case <-time.After(config.ReadinessWait):
	case <-ctx.Done():
		return sb, ctx.Err()
	}

	endpoint, forwarder, err := r.resolveEndpoint(ctx, taskID, task)
	if err != nil {
		return sb, fmt.Errorf("failed to resolve sandbox endpoint: %w", err)
	}
	sb.endpoint = endpoint
	sb.forwarder = forwarder

	logger.Info().Str("endpoint", endpoint).Msg("sandbox ready")
	return sb, nil
}

// Endpoint returns the base URL the executor should dispatch scenario
// requests against.
func (s *Sandbox) Endpoint() string {
	return s.endpoint
}

// Logs returns everything captured from the sandbox container's combined
// stdio stream so far. It may be called at any time, including after Stop,
// since output is continuously drained into an in-memory buffer rather than
// held behind a reader-gated pipe.
func (s *Sandbox) Logs() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.logs.snapshot()))
}

// Stop sends SIGTERM, waits the fixed grace period, force kills if needed,
// deletes the task and container, and removes the pulled image. Every step
// after the SIGTERM swallows its own error and continues — cleanup must
// converge regardless of how far sandbox startup got.
func (s *Sandbox) Stop(ctx context.Context) {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	logger := log.WithComponent("sandbox")

	if s.forwarder != nil {
		if err := s.forwarder.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close host-mode forwarder")
		}
	}

	if s.task != nil {
		stopCtx, cancel := context.WithTimeout(ctx, config.StopGrace)
		defer cancel()

		if err := s.task.Kill(stopCtx, syscall.SIGTERM); err != nil {
			logger.Warn().Err(err).Msg("failed to send SIGTERM to sandbox task")
		}

		statusC, err := s.task.Wait(ctx)
		if err == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
				if err := s.task.Kill(ctx, syscall.SIGKILL); err != nil {
					logger.Warn().Err(err).Msg("failed to force kill sandbox task")
				}
				time.Sleep(config.StopGrace)
			}
		}

		if _, err := s.task.Delete(ctx, containerd.WithProcessKill); err != nil {
			logger.Warn().Err(err).Msg("failed to delete sandbox task")
		}
	}

	if s.container != nil {
		if err := s.container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
			logger.Warn().Err(err).Msg("failed to delete sandbox container")
		}
	}

	if s.client != nil && s.image != "" {
		if err := s.client.ImageService().Delete(ctx, s.image); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to remove sandbox image")
		}
	}
}

// resolveEndpoint picks container-IP addressing or host-mode forwarding
// depending on how this runtime was configured: DOCKER's presence in the
// environment selects container mode at config load time.
func (r *Runtime) resolveEndpoint(ctx context.Context, taskID string, task containerd.Task) (string, *network.Forwarder, error) {
	if !r.cfg.HostMode {
		ip, err := containerIP(ctx, task)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("http://%s:%s", ip, config.ContainerServicePort()), nil, nil
	}

	ip, err := containerIP(ctx, task)
	if err != nil {
		return "", nil, err
	}
	backend := fmt.Sprintf("%s:%s", ip, config.ContainerServicePort())

	forwarder, err := network.Publish(config.HostPublishedPort(), backend)
	if err != nil {
		return "", nil, fmt.Errorf("failed to publish host port for task %s: %w", taskID, err)
	}
	return fmt.Sprintf("http://127.0.0.1:%s", config.HostPublishedPort()), forwarder, nil
}

// containerIP resolves a running task's eth0 address by entering its
// network namespace with nsenter.
func containerIP(ctx context.Context, task containerd.Task) (string, error) {
	status, err := task.Status(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read sandbox task status: %w", err)
	}
	if status.Status != containerd.Running {
		return "", fmt.Errorf("sandbox task is not running (status=%s)", status.Status)
	}

	pid := task.Pid()
	if pid == 0 {
		return "", fmt.Errorf("sandbox task has no PID")
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to read sandbox container address: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(fields[1])
		if err != nil {
			return "", fmt.Errorf("failed to parse sandbox container address %s: %w", fields[1], err)
		}
		return ip.String(), nil
	}
	return "", fmt.Errorf("no address found for sandbox container")
}

// extraHostsMount adds the docker-compose-style host aliases the tested
// image may reach for (host.docker.internal, docker.for.mac.localhost) as
// an /etc/hosts bind mount, since containerd has no --add-host equivalent.
func extraHostsMount() specs.Mount {
	return specs.Mount{
		Source:      "/etc/apitester/sandbox-hosts",
		Destination: "/etc/hosts",
		Type:        "bind",
		Options:     []string{"ro", "bind"},
	}
}

// HostsFileContent is the /etc/hosts body Start's mount expects to find at
// /etc/apitester/sandbox-hosts, aliasing the loopback host to the names the
// original compose network provided.
func HostsFileContent() string {
	return strings.Join([]string{
		"127.0.0.1 localhost",
		"127.0.0.1 host.docker.internal",
		"127.0.0.1 docker.for.mac.localhost",
		"",
	}, "\n")
}
