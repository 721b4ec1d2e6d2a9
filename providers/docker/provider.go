// Package docker implements the provider contract against a local Docker
// daemon: images, containers, networks, and volumes.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"

	"github.com/convergo-io/convergo/internal/provider"
)

// Resource type identifiers handled by this provider.
const (
	TypeContainer = "docker:Container"
	TypeImage     = "docker:Image"
	TypeNetwork   = "docker:Network"
	TypeVolume    = "docker:Volume"
)

type Provider struct {
	mu     sync.Mutex
	client *client.Client
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) ensureClient() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	p.client = cli
	return nil
}

func (p *Provider) Create(ctx context.Context, req *provider.CreateRequest) (*provider.CreateResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	var attrs map[string]any
	var err error
	switch req.Type {
	case TypeContainer:
		attrs, err = p.createContainer(ctx, req.Name, req.Attributes)
	case TypeImage:
		attrs, err = p.ensureImage(ctx, req.Name, req.Attributes)
	case TypeNetwork:
		attrs, err = p.createNetwork(ctx, req.Name, req.Attributes)
	case TypeVolume:
		attrs, err = p.createVolume(ctx, req.Name, req.Attributes)
	default:
		return nil, fmt.Errorf("unsupported resource type: %s", req.Type)
	}
	if err != nil {
		return nil, err
	}
	return &provider.CreateResponse{Attributes: attrs}, nil
}

func (p *Provider) Update(ctx context.Context, req *provider.UpdateRequest) (*provider.UpdateResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	var attrs map[string]any
	var err error
	switch req.Type {
	case TypeContainer:
		// Containers are immutable; an update is a replace.
		if err := p.removeContainer(ctx, req.ID); err != nil {
			return nil, err
		}
		attrs, err = p.createContainer(ctx, req.Name, req.Attributes)
	case TypeImage:
		attrs, err = p.ensureImage(ctx, req.Name, req.Attributes)
	case TypeNetwork, TypeVolume:
		// Driver and name changes require replacement; nothing mutable here.
		attrs, err = p.read(ctx, req.Type, req.Name, req.ID)
	default:
		return nil, fmt.Errorf("unsupported resource type: %s", req.Type)
	}
	if err != nil {
		return nil, err
	}
	return &provider.UpdateResponse{Attributes: attrs}, nil
}

func (p *Provider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}
	attrs, err := p.read(ctx, req.Type, req.Name, req.ID)
	if err != nil {
		return nil, err
	}
	return &provider.ReadResponse{Attributes: attrs}, nil
}

func (p *Provider) read(ctx context.Context, typ, name, id string) (map[string]any, error) {
	switch typ {
	case TypeContainer:
		ref := id
		if ref == "" {
			ref = name
		}
		inspect, err := p.client.ContainerInspect(ctx, ref)
		if err != nil {
			if client.IsErrNotFound(err) {
				return nil, provider.ErrNotFound
			}
			return nil, fmt.Errorf("failed to inspect container: %w", err)
		}
		return map[string]any{
			"id":    inspect.ID,
			"name":  strings.TrimPrefix(inspect.Name, "/"),
			"image": inspect.Config.Image,
			"state": inspect.State.Status,
		}, nil

	case TypeImage:
		ref := id
		if ref == "" {
			ref = name
		}
		inspect, _, err := p.client.ImageInspectWithRaw(ctx, ref)
		if err != nil {
			if client.IsErrNotFound(err) {
				return nil, provider.ErrNotFound
			}
			return nil, fmt.Errorf("failed to inspect image: %w", err)
		}
		return map[string]any{"id": inspect.ID, "name": name}, nil

	case TypeNetwork:
		ref := id
		if ref == "" {
			ref = name
		}
		inspect, err := p.client.NetworkInspect(ctx, ref, network.InspectOptions{})
		if err != nil {
			if client.IsErrNotFound(err) {
				return nil, provider.ErrNotFound
			}
			return nil, fmt.Errorf("failed to inspect network: %w", err)
		}
		return map[string]any{"id": inspect.ID, "name": inspect.Name, "driver": inspect.Driver}, nil

	case TypeVolume:
		vol, err := p.client.VolumeInspect(ctx, name)
		if err != nil {
			if client.IsErrNotFound(err) {
				return nil, provider.ErrNotFound
			}
			return nil, fmt.Errorf("failed to inspect volume: %w", err)
		}
		return map[string]any{"id": vol.Name, "name": vol.Name, "driver": vol.Driver}, nil
	}
	return nil, fmt.Errorf("unsupported resource type: %s", typ)
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	if err := p.ensureClient(); err != nil {
		return err
	}

	switch req.Type {
	case TypeContainer:
		return p.removeContainer(ctx, req.ID)
	case TypeImage:
		if req.ID == "" {
			return nil
		}
		_, err := p.client.ImageRemove(ctx, req.ID, image.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove image: %w", err)
		}
		return nil
	case TypeNetwork:
		if req.ID == "" {
			return nil
		}
		if err := p.client.NetworkRemove(ctx, req.ID); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove network: %w", err)
		}
		return nil
	case TypeVolume:
		name := req.Name
		if v := stringOf(req.Prior["name"]); v != "" {
			name = v
		}
		if err := p.client.VolumeRemove(ctx, name, true); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove volume: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unsupported resource type: %s", req.Type)
}

type containerConfig struct {
	Image       string             `json:"image"`
	Command     []string           `json:"command"`
	Ports       map[string]int     `json:"ports"`
	Env         map[string]string  `json:"env"`
	Networks    []string           `json:"networks"`
	Volumes     []string           `json:"volumes"`
	Labels      map[string]string  `json:"labels"`
	WorkingDir  string             `json:"workingDir"`
	User        string             `json:"user"`
	Restart     string             `json:"restart"`
	Healthcheck *healthcheckConfig `json:"healthcheck"`
	Logging     *loggingConfig     `json:"logging"`
}

type healthcheckConfig struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval"`
	Timeout     string   `json:"timeout"`
	StartPeriod string   `json:"startPeriod"`
	Retries     int      `json:"retries"`
}

type loggingConfig struct {
	Driver  string            `json:"driver"`
	Options map[string]string `json:"options"`
}

func (p *Provider) createContainer(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	var desired containerConfig
	if err := decode(attrs, &desired); err != nil {
		return nil, err
	}

	reader, err := p.client.ImagePull(ctx, desired.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", desired.Image, err)
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	portBindings := nat.PortMap{}
	for hostPort, containerPort := range desired.Ports {
		cp := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		portBindings[cp] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: hostPort,
		}}
	}

	var binds []string
	for _, v := range desired.Volumes {
		parts := strings.SplitN(v, ":", 2)
		if strings.HasPrefix(parts[0], "./") || strings.HasPrefix(parts[0], "../") {
			if abs, err := filepath.Abs(parts[0]); err == nil {
				parts[0] = abs
				binds = append(binds, strings.Join(parts, ":"))
				continue
			}
		}
		binds = append(binds, v)
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        binds,
	}
	if len(desired.Networks) > 0 {
		hostConfig.NetworkMode = container.NetworkMode(desired.Networks[0])
	}
	if desired.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(desired.Restart),
		}
	}
	if desired.Logging != nil {
		hostConfig.LogConfig = container.LogConfig{
			Type:   desired.Logging.Driver,
			Config: desired.Logging.Options,
		}
	}

	cfg := &container.Config{
		Image:      desired.Image,
		Cmd:        desired.Command,
		Env:        mapToEnvList(desired.Env),
		Labels:     desired.Labels,
		WorkingDir: desired.WorkingDir,
		User:       desired.User,
	}
	if desired.Healthcheck != nil {
		test := desired.Healthcheck.Test
		if len(test) == 0 {
			test = []string{"NONE"}
		}
		interval, _ := time.ParseDuration(desired.Healthcheck.Interval)
		timeout, _ := time.ParseDuration(desired.Healthcheck.Timeout)
		startPeriod, _ := time.ParseDuration(desired.Healthcheck.StartPeriod)
		cfg.Healthcheck = &container.HealthConfig{
			Test:        test,
			Interval:    interval,
			Timeout:     timeout,
			StartPeriod: startPeriod,
			Retries:     desired.Healthcheck.Retries,
		}
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, hostConfig, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		// Creating the same name twice converges on the existing container.
		if strings.Contains(err.Error(), "is already in use") {
			return p.read(ctx, TypeContainer, name, "")
		}
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return map[string]any{
		"id":    resp.ID,
		"name":  name,
		"image": desired.Image,
	}, nil
}

func (p *Provider) removeContainer(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	timeout := 10 // seconds
	_ = p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}
	return nil
}

type imageConfig struct {
	Name         string `json:"name"`
	BuildContext string `json:"buildContext"`
	Dockerfile   string `json:"dockerfile"`
}

func (p *Provider) ensureImage(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	var desired imageConfig
	if err := decode(attrs, &desired); err != nil {
		return nil, err
	}
	if desired.Name == "" {
		desired.Name = name
	}

	if desired.BuildContext != "" {
		tar, err := archive.TarWithOptions(desired.BuildContext, &archive.TarOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create build context tar: %w", err)
		}
		resp, err := p.client.ImageBuild(ctx, tar, types.ImageBuildOptions{
			Tags:       []string{desired.Name},
			Dockerfile: desired.Dockerfile,
			Remove:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build image: %w", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	} else {
		reader, err := p.client.ImagePull(ctx, desired.Name, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", desired.Name, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	inspect, _, err := p.client.ImageInspectWithRaw(ctx, desired.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image: %w", err)
	}
	return map[string]any{"id": inspect.ID, "name": desired.Name}, nil
}

type networkConfig struct {
	Driver   string            `json:"driver"`
	Internal bool              `json:"internal"`
	Labels   map[string]string `json:"labels"`
}

func (p *Provider) createNetwork(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	var desired networkConfig
	if err := decode(attrs, &desired); err != nil {
		return nil, err
	}

	resp, err := p.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:   desired.Driver,
		Internal: desired.Internal,
		Labels:   desired.Labels,
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return p.read(ctx, TypeNetwork, name, "")
		}
		return nil, fmt.Errorf("failed to create network: %w", err)
	}
	return map[string]any{"id": resp.ID, "name": name, "driver": desired.Driver}, nil
}

type volumeConfig struct {
	Driver string            `json:"driver"`
	Labels map[string]string `json:"labels"`
}

func (p *Provider) createVolume(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	var desired volumeConfig
	if err := decode(attrs, &desired); err != nil {
		return nil, err
	}

	// VolumeCreate with an existing name returns the existing volume.
	vol, err := p.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: desired.Driver,
		Labels: desired.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create volume: %w", err)
	}
	return map[string]any{"id": vol.Name, "name": vol.Name, "driver": vol.Driver}, nil
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func decode(attrs map[string]any, out any) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode attributes: %w", err)
	}
	return nil
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
