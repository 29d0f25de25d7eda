// Package runtime launches the per-job sandbox container that runs the
// iteration engine, backed by containerd.
package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace jobs run under.
	DefaultNamespace = "night-worker"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// SandboxState mirrors the coarse states a supervised job container can be
// observed in.
type SandboxState string

const (
	SandboxPending  SandboxState = "pending"
	SandboxRunning  SandboxState = "running"
	SandboxComplete SandboxState = "complete"
	SandboxFailed   SandboxState = "failed"
)

// Mount describes one bind mount into the sandbox.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// Resources caps the sandbox's CPU and memory.
type Resources struct {
	CPULimit    float64 // cores
	MemoryLimit int64   // bytes
}

// LaunchSpec is everything needed to start one job's sandbox container.
type LaunchSpec struct {
	ContainerID string
	Image       string
	Env         []string
	Mounts      []Mount
	Resources   Resources
}

// ContainerdSandbox launches and supervises job sandbox containers over a
// containerd client.
type ContainerdSandbox struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdSandbox connects to the containerd socket at socketPath
// (DefaultSocketPath if empty).
func NewContainerdSandbox(socketPath string) (*ContainerdSandbox, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	return &ContainerdSandbox{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the underlying containerd client.
func (s *ContainerdSandbox) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// PullImage pulls the sandbox image if not already present locally.
func (s *ContainerdSandbox) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, s.namespace)
	if _, err := s.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return nil
}

// Launch creates and starts a job sandbox container, returning its
// containerd container ID.
func (s *ContainerdSandbox) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, s.namespace)

	image, err := s.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}

	if spec.Resources.CPULimit > 0 {
		shares := uint64(spec.Resources.CPULimit * 1024)
		quota := int64(spec.Resources.CPULimit * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if spec.Resources.MemoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.Resources.MemoryLimit)))
	}

	if len(spec.Mounts) > 0 {
		var mounts []specs.Mount
		for _, m := range spec.Mounts {
			options := []string{"rbind"}
			if m.ReadOnly {
				options = append(options, "ro")
			} else {
				options = append(options, "rw")
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Destination,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := s.client.NewContainer(
		ctx,
		spec.ContainerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ContainerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("start task: %w", err)
	}

	return container.ID(), nil
}

// Wait blocks until the sandbox container's task exits or ctx is done,
// returning the exit code. When ctx is done first it returns exit code 0
// together with ctx.Err(); no timeout exit code is assigned here.
func (s *ContainerdSandbox) Wait(ctx context.Context, containerID string) (uint32, error) {
	waitCtx := namespaces.WithNamespace(ctx, s.namespace)

	container, err := s.client.LoadContainer(waitCtx, containerID)
	if err != nil {
		return 0, fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.Task(waitCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("load task %s: %w", containerID, err)
	}

	statusC, err := task.Wait(waitCtx)
	if err != nil {
		return 0, fmt.Errorf("wait task %s: %w", containerID, err)
	}

	select {
	case status := <-statusC:
		return status.ExitCode(), status.Error()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stop sends SIGTERM, waits up to timeout, then escalates to SIGKILL.
func (s *ContainerdSandbox) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, s.namespace)

	container, err := s.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("SIGTERM task %s: %w", containerID, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait task %s: %w", containerID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("SIGKILL task %s: %w", containerID, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task %s: %w", containerID, err)
	}
	return nil
}

// Remove deletes a container and its snapshot after ensuring it is stopped.
func (s *ContainerdSandbox) Remove(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, s.namespace)

	container, err := s.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	_ = s.Stop(ctx, containerID, 10*time.Second)

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container %s: %w", containerID, err)
	}
	return nil
}

// Status reports the coarse sandbox state for a container.
func (s *ContainerdSandbox) Status(ctx context.Context, containerID string) (SandboxState, error) {
	ctx = namespaces.WithNamespace(ctx, s.namespace)

	container, err := s.client.LoadContainer(ctx, containerID)
	if err != nil {
		return SandboxFailed, fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return SandboxPending, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return SandboxFailed, fmt.Errorf("task status %s: %w", containerID, err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return SandboxRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return SandboxComplete, nil
		}
		return SandboxFailed, nil
	default:
		return SandboxPending, nil
	}
}
