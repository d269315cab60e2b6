package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/shipyard/bay/pkg/bayerr"
)

const (
	// DefaultNamespace is the containerd namespace Bay's ships live in.
	DefaultNamespace = "bay"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// ShipServicePort is the fixed port the Ship HTTP surface listens on
	// inside every container image.
	ShipServicePort = 7000
)

// ContainerdRuntime implements Driver using a local containerd socket.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	network   string
	logDir    string
}

// NewContainerdRuntime connects to containerd at socketPath (or the
// default socket if empty). network is passed into each created container
// as the BAY_NETWORK environment variable; the runtime attaches no network
// interface itself.
// Container stdout/stderr is captured under logDir (created if missing)
// so Logs can serve a tail without depending on containerd's own
// journal retention.
func NewContainerdRuntime(socketPath, network, logDir string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, bayerr.Wrap(bayerr.Unavailable, err, "failed to connect to containerd")
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		client.Close()
		return nil, bayerr.Wrap(bayerr.Internal, err, "failed to create container log directory")
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		network:   network,
		logDir:    logDir,
	}, nil
}

func (r *ContainerdRuntime) logPath(containerID string) string {
	return filepath.Join(r.logDir, containerID+".log")
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Create pulls spec.Image if missing and creates (but does not start) a
// container named id, applying the CPU/memory limits from spec.
func (r *ContainerdRuntime) Create(ctx context.Context, id string, spec Spec) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", bayerr.Wrap(bayerr.Unavailable, err, "failed to pull image %s", spec.Image)
		}
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(image)}
	if r.network != "" {
		opts = append(opts, oci.WithEnv([]string{"BAY_NETWORK=" + r.network}))
	}

	if spec.Cpus > 0 {
		shares := uint64(spec.Cpus * 1024)
		quota := int64(spec.Cpus * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}

	if memBytes, ok := parseMemory(spec.Memory); ok {
		opts = append(opts, oci.WithMemoryLimit(uint64(memBytes)))
	}

	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", bayerr.Wrap(bayerr.Unavailable, err, "failed to create container")
	}

	return container.ID(), nil
}

// Start starts a created container and resolves its reachable address.
func (r *ContainerdRuntime) Start(ctx context.Context, containerID string) (string, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", bayerr.Wrap(bayerr.NotFound, err, "failed to load container %s", containerID)
	}

	task, err := container.NewTask(ctx, cio.LogFile(r.logPath(containerID)))
	if err != nil {
		return "", bayerr.Wrap(bayerr.Unavailable, err, "failed to create task")
	}
	if err := task.Start(ctx); err != nil {
		return "", bayerr.Wrap(bayerr.Unavailable, err, "failed to start task")
	}

	ip, err := containerIP(ctx, task.Pid())
	if err != nil {
		return "", bayerr.Wrap(bayerr.Unavailable, err, "failed to resolve container address")
	}

	return net.JoinHostPort(ip, strconv.Itoa(ShipServicePort)), nil
}

// Inspect reports whether containerID is currently running and, if so,
// its address.
func (r *ContainerdRuntime) Inspect(ctx context.Context, containerID string) (InspectResult, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return InspectResult{}, nil // gone; caller treats as not running
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return InspectResult{}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return InspectResult{}, bayerr.Wrap(bayerr.Unavailable, err, "failed to get task status")
	}

	if status.Status != containerd.Running {
		return InspectResult{Running: false}, nil
	}

	ip, err := containerIP(ctx, task.Pid())
	if err != nil {
		return InspectResult{Running: true}, nil
	}

	return InspectResult{
		Running: true,
		Address: net.JoinHostPort(ip, strconv.Itoa(ShipServicePort)),
	}, nil
}

// Logs returns the last tailBytes of the container's combined output,
// captured by the cio.LogFile sink attached at Start.
func (r *ContainerdRuntime) Logs(ctx context.Context, containerID string, tailBytes int64) (io.ReadCloser, error) {
	path := r.logPath(containerID)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bayerr.Wrap(bayerr.NotFound, err, "no logs recorded for %s", containerID)
		}
		return nil, bayerr.Wrap(bayerr.Internal, err, "failed to open log file for %s", containerID)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, bayerr.Wrap(bayerr.Internal, err, "failed to stat log file for %s", containerID)
	}

	if tailBytes > 0 && info.Size() > tailBytes {
		if _, err := f.Seek(-tailBytes, io.SeekEnd); err != nil {
			f.Close()
			return nil, bayerr.Wrap(bayerr.Internal, err, "failed to seek log file for %s", containerID)
		}
	}

	return f, nil
}

// Stop gracefully stops containerID, escalating to SIGKILL after grace.
func (r *ContainerdRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task means nothing to stop
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return bayerr.Wrap(bayerr.Unavailable, err, "failed to signal task")
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return bayerr.Wrap(bayerr.Unavailable, err, "failed to wait for task")
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return bayerr.Wrap(bayerr.Unavailable, err, "failed to force-kill task")
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return bayerr.Wrap(bayerr.Unavailable, err, "failed to delete task")
	}

	return nil
}

// Remove deletes containerID and its snapshot. Idempotent.
func (r *ContainerdRuntime) Remove(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return bayerr.Wrap(bayerr.Unavailable, err, "failed to delete container")
	}

	_ = os.Remove(r.logPath(containerID))

	return nil
}

// containerIP uses nsenter to read the eth0 address from the container's
// network namespace, identified by its task pid.
func containerIP(ctx context.Context, pid uint32) (string, error) {
	if pid == 0 {
		return "", fmt.Errorf("task has no pid")
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", strconv.Itoa(int(pid)), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("nsenter ip addr failed: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(parts[1])
		if err != nil {
			return "", fmt.Errorf("failed to parse address %s: %w", parts[1], err)
		}
		return ip.String(), nil
	}

	return "", fmt.Errorf("no address found on eth0")
}

// parseMemory turns a docker-style size string ("512m", "2g", "1024k")
// into a byte count. Returns ok=false for an empty or unparseable string.
func parseMemory(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	s = strings.TrimSpace(strings.ToLower(s))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "k")
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(n * float64(multiplier)), true
}
