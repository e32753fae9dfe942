package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"Runway/internal/config"
	"Runway/internal/models"
	"Runway/internal/provider"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	runnerLabelPrefix = "runway.runner"
	labelRunnerID     = runnerLabelPrefix + ".id"
	labelRunnerName   = runnerLabelPrefix + ".name"
	labelTemplate     = runnerLabelPrefix + ".template"
)

// DockerAPI is the subset of the Docker client the provider uses
type DockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options types.ImagePullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerProvider runs each runner as a container. The launch template
// identifier is the image reference the container is created from.
type DockerProvider struct {
	client DockerAPI
	config config.DockerConfig
	logger *slog.Logger
}

// New creates a new Docker provider
func New(cfg config.DockerConfig, logger *slog.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.Host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return NewWithClient(cli, cfg, logger), nil
}

// NewWithClient creates a provider around an existing Docker client
func NewWithClient(cli DockerAPI, cfg config.DockerConfig, logger *slog.Logger) *DockerProvider {
	return &DockerProvider{
		client: cli,
		config: cfg,
		logger: logger.With("provider", "docker"),
	}
}

func (p *DockerProvider) Name() string {
	return "docker"
}

func (p *DockerProvider) ListRunners(ctx context.Context, filter provider.ListFilter) ([]*provider.Runner, error) {
	args := filters.NewArgs(
		filters.Arg("label", provider.TagApplication+"="+provider.ApplicationName),
		filters.Arg("label", provider.TagType+"="+string(filter.Scope.Type)),
		filters.Arg("label", provider.TagOwner+"="+filter.Scope.Owner),
		filters.Arg("status", "created"),
		filters.Arg("status", "running"),
	)
	if filter.Environment != "" {
		args.Add("label", provider.TagEnvironment+"="+filter.Environment)
	}

	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	runners := make([]*provider.Runner, 0, len(containers))
	for _, c := range containers {
		runners = append(runners, &provider.Runner{
			ID:         c.Labels[labelRunnerID],
			Name:       c.Labels[labelRunnerName],
			Status:     mapContainerState(c.State),
			Provider:   "docker",
			ProviderID: c.ID,
			Template:   c.Labels[labelTemplate],
			Scope: models.ScopeKey{
				Type:  models.RunnerType(c.Labels[provider.TagType]),
				Owner: c.Labels[provider.TagOwner],
			},
			CreatedAt: time.Unix(c.Created, 0),
			Metadata: map[string]string{
				"container_id": c.ID,
				"image":        c.Image,
				"state":        c.State,
			},
		})
	}

	return runners, nil
}

func (p *DockerProvider) CreateRunner(ctx context.Context, template string, req *provider.CreateRunnerRequest) (*provider.Runner, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	runnerID := uuid.New().String()
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("runway-runner-%s", runnerID[:8])
	}

	p.logger.Info("creating runner container", "id", runnerID, "name", name, "image", template)

	if err := p.ensureImage(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", template, err)
	}

	containerConfig := &container.Config{
		Image:  template,
		Env:    p.buildEnv(name, req),
		Labels: p.buildLabels(runnerID, name, template, req),
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.config.Network),
		AutoRemove:  true,
		Resources: container.Resources{
			NanoCPUs: int64(p.config.CPULimit * 1e9),
			Memory:   p.config.MemoryLimit,
		},
	}
	if len(p.config.Volumes) > 0 {
		hostConfig.Binds = p.config.Volumes
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up container on start failure
		_ = p.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	p.logger.Info("runner container started",
		"id", runnerID,
		"container_id", resp.ID,
		"image", template,
	)

	return &provider.Runner{
		ID:         runnerID,
		Name:       name,
		Status:     provider.StatusProvisioning,
		Provider:   "docker",
		ProviderID: resp.ID,
		Template:   template,
		Scope:      req.Scope,
		CreatedAt:  time.Now(),
		Metadata: map[string]string{
			"container_id": resp.ID,
			"image":        template,
		},
	}, nil
}

func (p *DockerProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker health check failed: %w", err)
	}
	return nil
}

func (p *DockerProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// ensureImage applies the pull policy: "always" pulls, "if-not-present"
// pulls only when the image is missing locally, anything else never pulls.
func (p *DockerProvider) ensureImage(ctx context.Context, image string) error {
	switch p.config.PullPolicy {
	case "always":
		return p.pullImage(ctx, image)
	case "if-not-present":
		_, _, err := p.client.ImageInspectWithRaw(ctx, image)
		if err == nil {
			return nil
		}
		if !errdefs.IsNotFound(err) {
			return err
		}
		return p.pullImage(ctx, image)
	default:
		return nil
	}
}

func (p *DockerProvider) pullImage(ctx context.Context, image string) error {
	p.logger.Info("pulling image", "image", image)

	reader, err := p.client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Consume the output to ensure pull completes
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *DockerProvider) buildEnv(name string, req *provider.CreateRunnerRequest) []string {
	env := []string{
		"RUNNER_NAME=" + name,
		"RUNNER_WORKDIR=" + p.config.RunnerWorkDir,
		"RUNNER_URL=" + req.RegistrationURL,
		"RUNNER_TOKEN=" + req.Token,
		"RUNNER_CONFIG=" + req.ServiceConfig(),
		"EPHEMERAL=true",
	}

	if req.ExtraLabels != "" {
		env = append(env, "LABELS="+req.ExtraLabels)
	}
	if req.RunnerGroup != "" && req.Scope.Type == models.RunnerTypeOrg {
		env = append(env, "RUNNER_GROUP="+req.RunnerGroup)
	}

	return env
}

func (p *DockerProvider) buildLabels(runnerID, name, template string, req *provider.CreateRunnerRequest) map[string]string {
	labels := map[string]string{
		labelRunnerID:   runnerID,
		labelRunnerName: name,
		labelTemplate:   template,
	}

	// Merge custom labels from config
	for k, v := range p.config.Labels {
		labels[k] = v
	}

	for k, v := range req.Tags() {
		labels[k] = v
	}

	return labels
}

func mapContainerState(state string) provider.RunnerStatus {
	switch state {
	case "running":
		return provider.StatusRunning
	case "exited", "dead":
		return provider.StatusTerminated
	case "restarting":
		return provider.StatusProvisioning
	case "removing":
		return provider.StatusTerminating
	case "created":
		return provider.StatusPending
	default:
		return provider.StatusFailed
	}
}
