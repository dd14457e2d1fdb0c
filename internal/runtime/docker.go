package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/wardenhq/warden/internal/domain"
)

const containerNamePrefix = "warden-"
const instanceLabel = "io.warden.instance"
const containerDataMount = "/data"

// DockerRuntime implements [ContainerRuntime] against the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the engine at host (e.g.
// unix:///var/run/docker.sock). An empty host falls back to the standard
// DOCKER_HOST environment resolution.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if strings.TrimSpace(host) != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close releases the underlying HTTP client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// Ping verifies the engine control socket is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return wrapEngineErr("ping", err)
	}
	return nil
}

func (d *DockerRuntime) Create(ctx context.Context, spec CreateSpec) error {
	gamePort, err := nat.NewPort("tcp", strconv.Itoa(spec.GamePort))
	if err != nil {
		return fmt.Errorf("game port: %w", err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Tty:          true,
		OpenStdin:    true,
		ExposedPorts: nat.PortSet{gamePort: struct{}{}},
		Labels:       map[string]string{instanceLabel: spec.InstanceID},
	}
	if len(spec.HealthCmd) > 0 {
		cfg.Healthcheck = &container.HealthConfig{
			Test:        append([]string{"CMD"}, spec.HealthCmd...),
			Interval:    spec.HealthInterval,
			StartPeriod: spec.HealthGrace,
			Retries:     spec.HealthRetries,
		}
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		PortBindings: nat.PortMap{
			gamePort: []nat.PortBinding{{
				HostIP:   spec.HostAddress,
				HostPort: strconv.Itoa(spec.HostPort),
			}},
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.DataPath,
			Target: containerDataMount,
		}},
		Resources: container.Resources{Memory: spec.MemoryBytes},
	}

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return err
	}
	if _, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(spec.InstanceID)); err != nil {
		return wrapEngineErr("create container", err)
	}
	return nil
}

func (d *DockerRuntime) Start(ctx context.Context, instanceID string) error {
	if err := d.cli.ContainerStart(ctx, containerName(instanceID), container.StartOptions{}); err != nil {
		return wrapEngineErr("start container", err)
	}
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, instanceID string, grace time.Duration) error {
	secs := int(grace / time.Second)
	err := d.cli.ContainerStop(ctx, containerName(instanceID), container.StopOptions{Timeout: &secs})
	if err != nil && !errdefs.IsNotFound(err) {
		return wrapEngineErr("stop container", err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, instanceID string) error {
	err := d.cli.ContainerRemove(ctx, containerName(instanceID), container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return wrapEngineErr("remove container", err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, instanceID string) (State, error) {
	info, err := d.cli.ContainerInspect(ctx, containerName(instanceID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return State{}, nil
		}
		return State{}, wrapEngineErr("inspect container", err)
	}
	st := State{Exists: true}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
		st.StartedAt = info.State.StartedAt
		if info.State.Health != nil {
			st.Healthy = info.State.Health.Status == types.Healthy
		} else {
			// No health probe configured; running is the best signal.
			st.Healthy = info.State.Running
		}
	}
	return st, nil
}

// engineStats mirrors the subset of the engine's stats wire format warden
// consumes. Decoding into a local type keeps the sampler independent of SDK
// type churn across engine versions.
type engineStats struct {
	Read     time.Time `json:"read"`
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

func (d *DockerRuntime) Stats(ctx context.Context, instanceID string) (<-chan RawStats, error) {
	resp, err := d.cli.ContainerStats(ctx, containerName(instanceID), true)
	if err != nil {
		return nil, wrapEngineErr("container stats", err)
	}

	out := make(chan RawStats)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		dec := json.NewDecoder(resp.Body)
		for {
			var s engineStats
			if err := dec.Decode(&s); err != nil {
				return
			}
			sample := RawStats{
				CPUTotalNanos:    s.CPUStats.CPUUsage.TotalUsage,
				SystemCPUNanos:   s.CPUStats.SystemUsage,
				OnlineCPUs:       s.CPUStats.OnlineCPUs,
				MemoryUsedBytes:  s.MemoryStats.Usage,
				MemoryLimitBytes: s.MemoryStats.Limit,
				ReadAt:           s.Read,
			}
			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *DockerRuntime) Logs(ctx context.Context, instanceID string, tail int) ([]string, error) {
	if tail <= 0 {
		tail = 100
	}
	rc, err := d.cli.ContainerLogs(ctx, containerName(instanceID), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, wrapEngineErr("container logs", err)
	}
	defer func() { _ = rc.Close() }()

	var lines []string
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return lines, err
	}
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

func (d *DockerRuntime) Attach(ctx context.Context, instanceID string) (*Console, error) {
	resp, err := d.cli.ContainerAttach(ctx, containerName(instanceID), container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, wrapEngineErr("attach container", err)
	}
	return &Console{
		Reader: resp.Reader,
		Writer: resp.Conn,
		Close:  resp.Close,
	}, nil
}

// ensureImage pulls the image if it is not present locally. Pull failures
// for locally available images are ignored so air-gapped hosts keep working.
func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return wrapEngineErr("pull image", err)
	}
	defer func() { _ = rc.Close() }()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func containerName(instanceID string) string {
	return containerNamePrefix + instanceID
}

func wrapEngineErr(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%s: %w", op, domain.ErrRuntimeUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
