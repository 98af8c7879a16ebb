package engine

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/zpdzap/redock/internal/errors"
	"github.com/zpdzap/redock/internal/logging"
)

// DefaultStopTimeout is how long the engine waits for a container to exit
// on stop before killing it, in seconds.
const DefaultStopTimeout = 10

// Docker implements Engine on the Docker Engine API.
type Docker struct {
	cli client.APIClient

	// StopTimeout is passed to the engine on stop, in seconds
	StopTimeout int
}

// NewDocker connects to the engine named by host, or to the one described
// by the DOCKER_* environment when host is empty.
func NewDocker(host string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.EngineUnavailable("connect", err)
	}
	return &Docker{cli: cli, StopTimeout: DefaultStopTimeout}, nil
}

// NewDockerWithClient wraps an existing API client.
func NewDockerWithClient(cli client.APIClient) *Docker {
	return &Docker{cli: cli, StopTimeout: DefaultStopTimeout}
}

// Close releases the underlying API client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// classify sorts an API error into the two failure kinds. Connection and
// transport failures are EngineUnavailableError; everything the daemon
// answered with is EngineOperationError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if client.IsErrConnectionFailed(err) || stderrors.As(err, &netErr) {
		return errors.EngineUnavailable(op, err)
	}
	return errors.EngineOperation(op, err)
}

func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (Handle, error) {
	logging.Debug("creating container", "name", spec.Name, "image", spec.Image)

	cfg := &container.Config{
		Image:    spec.Image,
		Hostname: spec.Hostname,
		Cmd:      spec.Cmd,
		Labels:   spec.Labels,
	}
	hostCfg := &container.HostConfig{}
	if spec.PublishSSH {
		port := nat.Port(SSHPort)
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: spec.BindAddress}},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classify("create container", err)
	}
	for _, w := range resp.Warnings {
		logging.Warn("engine warning", "container", spec.Name, "warning", w)
	}
	return Handle(resp.ID), nil
}

func (d *Docker) StartContainer(ctx context.Context, h Handle) error {
	logging.Debug("starting container", "container", Short(h))
	return classify("start container", d.cli.ContainerStart(ctx, string(h), container.StartOptions{}))
}

func (d *Docker) StopContainer(ctx context.Context, h Handle) error {
	logging.Debug("stopping container", "container", Short(h))
	timeout := d.StopTimeout
	return classify("stop container", d.cli.ContainerStop(ctx, string(h), container.StopOptions{Timeout: &timeout}))
}

func (d *Docker) RemoveContainer(ctx context.Context, h Handle) error {
	logging.Debug("removing container", "container", Short(h))
	return classify("remove container", d.cli.ContainerRemove(ctx, string(h), container.RemoveOptions{Force: true}))
}

func (d *Docker) CommitContainer(ctx context.Context, h Handle, opts CommitOptions) (Handle, error) {
	logging.Debug("committing container", "container", Short(h), "reference", opts.Reference)
	resp, err := d.cli.ContainerCommit(ctx, string(h), container.CommitOptions{
		Reference: opts.Reference,
		Comment:   opts.Message,
		Author:    opts.Author,
		Changes:   opts.Changes,
		Pause:     true,
	})
	if err != nil {
		return "", classify("commit container", err)
	}
	return Handle(resp.ID), nil
}

func (d *Docker) RemoveImage(ctx context.Context, h Handle) error {
	logging.Debug("removing image", "image", Short(h))
	_, err := d.cli.ImageRemove(ctx, string(h), image.RemoveOptions{PruneChildren: true})
	return classify("remove image", err)
}

func (d *Docker) Inspect(ctx context.Context, h Handle) (Status, error) {
	c, err := d.cli.ContainerInspect(ctx, string(h))
	if err == nil {
		return containerStatus(c), nil
	}
	if !client.IsErrNotFound(err) {
		return Status{}, classify("inspect", err)
	}

	img, err := d.cli.ImageInspect(ctx, string(h))
	if err == nil {
		return Status{Kind: KindImage, ID: Handle(img.ID), Name: string(h)}, nil
	}
	if client.IsErrNotFound(err) {
		return Status{Kind: KindMissing, Name: string(h)}, nil
	}
	return Status{}, classify("inspect", err)
}

func (d *Docker) PullImage(ctx context.Context, ref string) error {
	logging.Info("pulling image", "reference", ref)
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("pull image", err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return classify("pull image", err)
	}
	return nil
}

func (d *Docker) ListContainers(ctx context.Context, label string) ([]Status, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, classify("list containers", err)
	}
	out := make([]Status, 0, len(list))
	for _, c := range list {
		out = append(out, summaryStatus(c))
	}
	return out, nil
}

func summaryStatus(c container.Summary) Status {
	st := Status{
		ID:     Handle(c.ID),
		Image:  Handle(c.ImageID),
		Labels: c.Labels,
	}
	if len(c.Names) > 0 {
		st.Name = trimSlash(c.Names[0])
	}
	switch c.State {
	case "running":
		st.Kind = KindContainerRunning
	case "created":
		st.Kind = KindContainerCreated
	default:
		st.Kind = KindContainerExited
	}
	for _, p := range c.Ports {
		if p.PrivatePort == 22 && p.Type == "tcp" && p.PublicPort != 0 {
			st.SSHHost = p.IP
			st.SSHPort = int(p.PublicPort)
			break
		}
	}
	return st
}

func containerStatus(c container.InspectResponse) Status {
	st := Status{Kind: KindContainerCreated}
	if c.ContainerJSONBase != nil {
		st.ID = Handle(c.ID)
		st.Name = trimSlash(c.Name)
		st.Image = Handle(c.Image)
		if c.State != nil {
			switch {
			case c.State.Running:
				st.Kind = KindContainerRunning
			case c.State.Status == "created":
				st.Kind = KindContainerCreated
			default:
				st.Kind = KindContainerExited
			}
		}
	}
	if c.Config != nil {
		st.Labels = c.Config.Labels
	}
	if c.NetworkSettings != nil {
		for _, b := range c.NetworkSettings.Ports[nat.Port(SSHPort)] {
			port, err := strconv.Atoi(b.HostPort)
			if err != nil || port == 0 {
				continue
			}
			st.SSHHost = b.HostIP
			st.SSHPort = port
			break
		}
	}
	return st
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

// Short abbreviates an engine ID to the 12 characters the docker CLI shows.
// Digest prefixes such as "sha256:" are dropped first.
func Short(h Handle) string {
	s := string(h)
	if len(s) > 7 && s[:7] == "sha256:" {
		s = s[7:]
	}
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Ensure Docker implements Engine
var _ Engine = (*Docker)(nil)
