/*
Package runtime provides containerd integration for the night worker's
sandbox lifecycle management.

The runtime package wraps containerd's client API to provide the handful of
operations one supervised job needs: pull the sandbox image, launch one
container per job with bind mounts and resource limits, wait for it to exit,
and stop or remove it. It handles OCI spec generation, snapshot management,
and the containerd namespace the night worker's containers run in.

# Architecture

The night worker uses containerd directly (no CRI, no Kubernetes) as its
container runtime:

	┌─────────────────── CONTAINERD SANDBOX ────────────────────┐
	│                                                             │
	│  ┌──────────────────────────────────────────────┐         │
	│  │          ContainerdSandbox Client              │         │
	│  │  - Socket: /run/containerd/containerd.sock    │         │
	│  │  - Namespace: night-worker                     │         │
	│  └──────────────────┬───────────────────────────┘         │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐         │
	│  │           Image Operations                    │         │
	│  │  - PullImage: pull + unpack the sandbox image │         │
	│  └──────────────────┬───────────────────────────┘         │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐         │
	│  │        Container Lifecycle (one per job)       │         │
	│  │  - Launch: snapshot + OCI spec + start task   │         │
	│  │  - Wait: block until the task exits           │         │
	│  │  - Stop: SIGTERM, then SIGKILL after timeout  │         │
	│  │  - Remove: delete task, container, snapshot   │         │
	│  └──────────────────┬───────────────────────────┘         │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐         │
	│  │         Resource Management                   │         │
	│  │  - CPU: shares (1024 = 1 core) + CFS quota   │         │
	│  │  - Memory: hard limit in bytes                │         │
	│  │  - Applied via OCI spec modifications         │         │
	│  └──────────────────┬───────────────────────────┘         │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐         │
	│  │           Mount Management                    │         │
	│  │  - Input zip: read-only bind mount            │         │
	│  │  - Task prompt file: read-only bind mount     │         │
	│  │  - Output dir: read-write bind mount (sink)   │         │
	│  │  - Tmp/work dir: read-write bind mount        │         │
	│  └────────────────────────────────────────────────┘        │
	│                                                             │
	│  ┌──────────────────────────────────────────────┐         │
	│  │             Containerd Daemon                 │         │
	│  │  - Namespace: isolates night-worker containers │         │
	│  │  - Snapshotter: overlayfs for layers          │         │
	│  │  - Runtime: runc (io.containerd.runc.v2)      │         │
	│  └────────────────────────────────────────────────┘        │
	└─────────────────────────────────────────────────────────┘

# Core Components

ContainerdSandbox:
  - Thin client wrapper narrowed to what the supervisor needs
  - Manages a single long-lived socket connection and namespace
  - Thread-safe: one instance is shared by every job's supervised run

Resource Limits:
  - Resources.CPULimit (cores) maps to CPU shares (1024 per core) plus a
    CFS quota, matching the task's fractional CPU budget
  - Resources.MemoryLimit (bytes) maps directly to the cgroup memory limit
  - Applied during Launch via OCI spec modifications, enforced by cgroups

# Container Lifecycle

Launch:
  1. Resolve the image (PullImage must have run first)
  2. Generate an OCI runtime spec with the job's env vars, mounts, and
     resource limits from LaunchSpec
  3. Create a snapshot and container, then start its task
  4. Return the container ID for Wait/Stop/Remove

Wait:
  1. Block on the container's task exit channel
  2. Return the process's exit code once it exits

Stop:
  1. Send SIGTERM to the task
  2. Wait up to the given timeout for a clean exit
  3. Send SIGKILL if the timeout elapses

Remove:
  1. Delete the task (if still present)
  2. Delete the container and its snapshot

# Usage

Creating a Sandbox Client:

	sandbox, err := runtime.NewContainerdSandbox("/run/containerd/containerd.sock")
	if err != nil {
		log.Fatal(err)
	}
	defer sandbox.Close()

Pulling the Sandbox Image:

	ctx := context.Background()
	if err := sandbox.PullImage(ctx, "night-worker-sandbox:latest"); err != nil {
		log.Fatal(err)
	}

Launching One Job's Container:

	spec := runtime.LaunchSpec{
		ContainerID: "night-worker-job-123-a1b2c3d4",
		Image:       "night-worker-sandbox:latest",
		Env:         []string{"JOB_ID=job-123", "MAX_ITERATIONS=40"},
		Resources:   runtime.Resources{CPULimit: 1.0, MemoryLimit: 512 * 1024 * 1024},
		Mounts: []runtime.Mount{
			{Source: "/work/job-123/input.zip", Destination: "/job/input.zip", ReadOnly: true},
			{Source: "/work/job-123/output", Destination: "/job/output"},
		},
	}

	containerID, err := sandbox.Launch(ctx, spec)
	if err != nil {
		log.Fatal(err)
	}

	exitCode, err := sandbox.Wait(ctx, containerID)

Stopping and Cleaning Up:

	if err := sandbox.Stop(ctx, containerID, 30*time.Second); err != nil {
		log.Fatal(err)
	}
	if err := sandbox.Remove(ctx, containerID); err != nil {
		log.Fatal(err)
	}

# Integration Points

This package integrates with:

  - pkg/supervisor: the only caller of Launch/Wait/Stop/Remove, through the
    narrower Sandbox interface it defines for testability
  - cmd/nightworker: constructs the one ContainerdSandbox instance the
    process uses, dialing the socket from config.Config.ContainerdSocket

# Resource Limits Implementation

CPU Limits:
  - CPULimit=1.0 -> 1024 CPU shares, 100000us quota per 100000us period
  - CPULimit=0.5 -> 512 shares, 50000us quota
  - Enforced by the Linux CFS scheduler via cgroups

Memory Limits:
  - Direct mapping: MemoryLimit bytes -> cgroup memory.limit_in_bytes
  - Hard limit: the OOM killer terminates the sandbox if exceeded

# Design Patterns

Namespace Isolation:
  - All night-worker containers run in a dedicated containerd namespace
  - Prevents collisions with other containerd users on the same host

Error Handling:
  - Wrapped errors with context: fmt.Errorf("operation failed: %w", err)
  - Remove on an already-gone container returns nil (idempotent delete)

# Troubleshooting

Cannot Connect to Containerd:
  - Symptom: "failed to connect to containerd" on startup
  - Check: socket path exists and has correct permissions
  - Check: containerd daemon is running (systemctl status containerd)

Container Fails to Start:
  - Symptom: Launch returns an error before Wait is ever called
  - Check: the sandbox image was pulled successfully first
  - Check: mount sources exist on the host before Launch is called

Resource Limit Enforcement:
  - Symptom: sandbox uses more resources than Resources specifies
  - Check: cgroups v2 vs v1 (different accounting APIs)
  - Solution: prefer the CPU quota over shares for predictable throttling

# See Also

  - pkg/supervisor for the caller that drives this package's lifecycle
  - pkg/types for the Job this package's mounts and env vars are derived from
  - containerd documentation: https://containerd.io/
  - OCI runtime spec: https://github.com/opencontainers/runtime-spec
*/
package runtime
