package ec2

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"time"

	"Runway/internal/config"
	"Runway/internal/models"
	"Runway/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
)

const (
	tagRunnerID   = "runway:runner-id"
	tagRunnerName = "runway:runner-name"
	tagTemplate   = "runway:launch-template"
	tagCreatedAt  = "runway:created-at"
)

// EC2API is the subset of the EC2 client the provider uses
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// ConfigStore receives the runner service configuration an instance reads
// at boot, keyed by "<environment>-<instance id>".
type ConfigStore interface {
	Put(ctx context.Context, name, value string, tags map[string]string) error
}

type EC2Provider struct {
	client  EC2API
	configs ConfigStore
	config  config.AWSConfig
	logger  *slog.Logger
	subnet  func(n int) int
}

// New creates a new EC2 provider using the default AWS credential chain
func New(ctx context.Context, cfg config.AWSConfig, configs ConfigStore, logger *slog.Logger) (*EC2Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(ec2.NewFromConfig(awsCfg), cfg, configs, logger), nil
}

// NewWithClient creates a provider around an existing EC2 client
func NewWithClient(client EC2API, cfg config.AWSConfig, configs ConfigStore, logger *slog.Logger) *EC2Provider {
	return &EC2Provider{
		client:  client,
		configs: configs,
		config:  cfg,
		logger:  logger.With("provider", "ec2"),
		subnet:  rand.IntN,
	}
}

func (p *EC2Provider) Name() string {
	return "ec2"
}

func (p *EC2Provider) ListRunners(ctx context.Context, filter provider.ListFilter) ([]*provider.Runner, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("instance-state-name"),
				Values: []string{"pending", "running"},
			},
			{
				Name:   aws.String("tag:" + provider.TagApplication),
				Values: []string{provider.ApplicationName},
			},
			{
				Name:   aws.String("tag:" + provider.TagType),
				Values: []string{string(filter.Scope.Type)},
			},
			{
				Name:   aws.String("tag:" + provider.TagOwner),
				Values: []string{filter.Scope.Owner},
			},
		},
	}
	if filter.Environment != "" {
		input.Filters = append(input.Filters, types.Filter{
			Name:   aws.String("tag:" + provider.TagEnvironment),
			Values: []string{filter.Environment},
		})
	}

	var runners []*provider.Runner
	paginator := ec2.NewDescribeInstancesPaginator(p.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range page.Reservations {
			for i := range reservation.Instances {
				runners = append(runners, instanceToRunner(&reservation.Instances[i]))
			}
		}
	}

	p.logger.Debug("listed runners",
		"scope", filter.Scope.String(),
		"environment", filter.Environment,
		"count", len(runners),
	)

	return runners, nil
}

func (p *EC2Provider) CreateRunner(ctx context.Context, template string, req *provider.CreateRunnerRequest) (*provider.Runner, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(p.config.SubnetIDs) == 0 {
		return nil, fmt.Errorf("no subnets configured")
	}

	runnerID := uuid.New().String()
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("runway-runner-%s", runnerID[:8])
	}
	subnetID := p.config.SubnetIDs[p.subnet(len(p.config.SubnetIDs))]

	p.logger.Info("launching EC2 instance",
		"id", runnerID,
		"launch_template", template,
		"subnet_id", subnetID,
		"scope", req.Scope.String(),
	)

	tags := p.buildTags(runnerID, name, template, req)
	input := &ec2.RunInstancesInput{
		MaxCount: aws.Int32(1),
		MinCount: aws.Int32(1),
		LaunchTemplate: &types.LaunchTemplateSpecification{
			LaunchTemplateName: aws.String(template),
			Version:            aws.String("$Default"),
		},
		SubnetId: aws.String(subnetID),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags:         tags,
			},
		},
	}

	result, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run instance from template %s: %w", template, err)
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return nil, fmt.Errorf("no instance created from template %s", template)
	}
	instanceID := *result.Instances[0].InstanceId

	paramName := fmt.Sprintf("%s-%s", req.Environment, instanceID)
	if err := p.configs.Put(ctx, paramName, req.ServiceConfig(), map[string]string{"InstanceId": instanceID}); err != nil {
		// An instance without its configuration can never register
		p.terminate(instanceID)
		return nil, fmt.Errorf("failed to store runner config for %s: %w", instanceID, err)
	}

	p.logger.Info("EC2 instance launched",
		"id", runnerID,
		"instance_id", instanceID,
		"launch_template", template,
	)

	return &provider.Runner{
		ID:         runnerID,
		Name:       name,
		Status:     provider.StatusProvisioning,
		Provider:   "ec2",
		ProviderID: instanceID,
		Template:   template,
		Scope:      req.Scope,
		CreatedAt:  time.Now(),
		Metadata: map[string]string{
			"instance_id": instanceID,
			"subnet_id":   subnetID,
			"region":      p.config.Region,
		},
	}, nil
}

func (p *EC2Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{}); err != nil {
		return fmt.Errorf("EC2 health check failed: %w", err)
	}
	return nil
}

func (p *EC2Provider) Close() error {
	return nil
}

func (p *EC2Provider) terminate(instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	}); err != nil {
		p.logger.Error("failed to terminate unconfigured instance", "instance_id", instanceID, "error", err)
	}
}

func (p *EC2Provider) buildTags(runnerID, name, template string, req *provider.CreateRunnerRequest) []types.Tag {
	merged := make(map[string]string, len(p.config.Tags)+9)

	// Custom tags from config may not override the ownership tags
	for k, v := range p.config.Tags {
		merged[k] = v
	}
	merged["Name"] = name
	merged[tagRunnerID] = runnerID
	merged[tagRunnerName] = name
	merged[tagTemplate] = template
	merged[tagCreatedAt] = time.Now().UTC().Format(time.RFC3339)
	for k, v := range req.Tags() {
		merged[k] = v
	}

	tags := make([]types.Tag, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(merged[k])})
	}
	return tags
}

func instanceToRunner(instance *types.Instance) *provider.Runner {
	r := &provider.Runner{
		Provider:   "ec2",
		ProviderID: aws.ToString(instance.InstanceId),
		CreatedAt:  aws.ToTime(instance.LaunchTime),
		Metadata: map[string]string{
			"instance_id":   aws.ToString(instance.InstanceId),
			"instance_type": string(instance.InstanceType),
		},
	}

	for _, tag := range instance.Tags {
		value := aws.ToString(tag.Value)
		switch aws.ToString(tag.Key) {
		case tagRunnerID:
			r.ID = value
		case tagRunnerName:
			r.Name = value
		case tagTemplate:
			r.Template = value
		case provider.TagType:
			r.Scope.Type = models.RunnerType(value)
		case provider.TagOwner:
			r.Scope.Owner = value
		}
	}

	if instance.State != nil {
		r.Status = mapInstanceState(instance.State.Name)
		r.Metadata["state"] = string(instance.State.Name)
	}
	if instance.PrivateIpAddress != nil {
		r.Metadata["private_ip"] = *instance.PrivateIpAddress
	}

	return r
}

func mapInstanceState(state types.InstanceStateName) provider.RunnerStatus {
	switch state {
	case types.InstanceStateNamePending:
		return provider.StatusProvisioning
	case types.InstanceStateNameRunning:
		return provider.StatusRunning
	case types.InstanceStateNameStopping, types.InstanceStateNameShuttingDown:
		return provider.StatusTerminating
	case types.InstanceStateNameStopped, types.InstanceStateNameTerminated:
		return provider.StatusTerminated
	default:
		return provider.StatusFailed
	}
}
