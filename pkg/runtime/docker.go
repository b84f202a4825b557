package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/logger"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker drives the local Docker Engine over its control socket.
type Docker struct {
	cli *client.Client
}

func NewDocker(host string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRuntime, err, "creating docker client")
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) Create(ctx context.Context, opts CreateOptions) (string, error) {
	cfg := &container.Config{
		Image:  opts.Image,
		Cmd:    opts.Cmd,
		Env:    envList(opts.Env),
		Labels: opts.Labels,
	}
	host := &container.HostConfig{
		NetworkMode: container.NetworkMode(opts.Network),
		IpcMode:     container.IpcMode("host"),
	}
	for _, m := range opts.Mounts {
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if opts.GPUs != 0 {
		host.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        opts.GPUs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, opts.Name)
	if err != nil {
		return "", mapError(err, "create container "+opts.Name)
	}
	for _, w := range resp.Warnings {
		logger.Log.WithField("container", opts.Name).Warn(w)
	}
	return resp.ID, nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	return mapError(d.cli.ContainerStart(ctx, id, container.StartOptions{}), "start container "+id)
}

func (d *Docker) Stop(ctx context.Context, id string, signal string, wait time.Duration) error {
	seconds := int(wait.Seconds())
	return mapError(d.cli.ContainerStop(ctx, id, container.StopOptions{
		Signal:  signal,
		Timeout: &seconds,
	}), "stop container "+id)
}

func (d *Docker) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-statusCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return resp.StatusCode, apperr.Newf(apperr.KindRuntime, "wait container %s: %s", id, resp.Error.Message)
		}
		return resp.StatusCode, nil
	case err := <-errCh:
		return -1, mapError(err, "wait container "+id)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	return mapError(d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}), "remove container "+id)
}

func (d *Docker) TailLogs(ctx context.Context, id string, follow bool, tail int) (io.ReadCloser, error) {
	tailArg := "all"
	if tail >= 0 {
		tailArg = strconv.Itoa(tail)
	}
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tailArg,
	})
	if err != nil {
		return nil, mapError(err, "tail logs "+id)
	}

	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err == nil && inspect.Config != nil && inspect.Config.Tty {
		return rc, nil
	}

	// non-TTY containers multiplex stdout and stderr with 8 byte frame headers
	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(copyErr)
	}()
	return pr, nil
}

func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case errdefs.IsNotFound(err):
		return apperr.Wrap(apperr.KindNotFound, err, op)
	case errdefs.IsConflict(err):
		return apperr.Wrap(apperr.KindConflict, err, op)
	default:
		return apperr.Wrap(apperr.KindRuntime, err, op)
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
