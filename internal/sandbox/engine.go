package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// engine is the slice of the container API the sandbox needs.
type engine interface {
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, ref string) bool
	PullImage(ctx context.Context, ref string) error
	Runtimes(ctx context.Context) ([]string, error)
	Create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error)
	Start(ctx context.Context, id string) error
	// Wait blocks until the container stops and returns its exit status.
	// A non-empty message means the runtime reported an error for the container.
	Wait(ctx context.Context, id string) (status int64, message string, err error)
	Kill(ctx context.Context, id string) error
	Logs(ctx context.Context, id string, stdout, stderr io.Writer) error
	OOMKilled(ctx context.Context, id string) (bool, error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// dockerEngine adapts the Docker Engine API client.
type dockerEngine struct {
	cli *client.Client
}

var _ engine = (*dockerEngine)(nil)

func newDockerEngine() (*dockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client init failed: %w", err)
	}
	return &dockerEngine{cli: cli}, nil
}

func (e *dockerEngine) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

func (e *dockerEngine) ImageExists(ctx context.Context, ref string) bool {
	_, err := e.cli.ImageInspect(ctx, ref)
	return err == nil
}

func (e *dockerEngine) PullImage(ctx context.Context, ref string) error {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("reading pull progress: %w", err)
	}
	return nil
}

func (e *dockerEngine) Runtimes(ctx context.Context) ([]string, error) {
	info, err := e.cli.Info(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(info.Runtimes))
	for name := range info.Runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (e *dockerEngine) Create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("docker container create returned empty id")
	}
	return resp.ID, nil
}

func (e *dockerEngine) Start(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *dockerEngine) Wait(ctx context.Context, id string) (int64, string, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-statusCh:
		msg := ""
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return resp.StatusCode, msg, nil
	case err := <-errCh:
		return 0, "", err
	case <-ctx.Done():
		return 0, "", ctx.Err()
	}
}

func (e *dockerEngine) Kill(ctx context.Context, id string) error {
	return e.cli.ContainerKill(ctx, id, "SIGKILL")
}

func (e *dockerEngine) Logs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil && err != io.EOF {
		return fmt.Errorf("demultiplexing container logs: %w", err)
	}
	return nil
}

func (e *dockerEngine) OOMKilled(ctx context.Context, id string) (bool, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return false, nil
	}
	return info.State.OOMKilled, nil
}

func (e *dockerEngine) Remove(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (e *dockerEngine) Close() error {
	return e.cli.Close()
}

// bufferedLogs reads both container streams into memory, capped per stream.
func bufferedLogs(ctx context.Context, eng engine, id string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	err = eng.Logs(ctx, id,
		&limitedWriter{w: &outBuf, remaining: maxCaptureBytes},
		&limitedWriter{w: &errBuf, remaining: maxCaptureBytes},
	)
	return outBuf.String(), errBuf.String(), err
}
