package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"Runway/internal/models"
)

// Ownership tags shared by every backend. Inventory queries filter on them.
const (
	TagApplication = "Application"
	TagEnvironment = "Environment"
	TagType        = "Type"
	TagOwner       = "Owner"

	ApplicationName = "github-action-runner"
)

// Runner represents a runner instance managed by a provider
type Runner struct {
	ID         string
	Name       string
	Status     RunnerStatus
	Provider   string
	ProviderID string
	Template   string
	Scope      models.ScopeKey
	CreatedAt  time.Time
	Metadata   map[string]string
}

// RunnerStatus represents the state of a runner
type RunnerStatus string

const (
	StatusPending      RunnerStatus = "pending"
	StatusProvisioning RunnerStatus = "provisioning"
	StatusRunning      RunnerStatus = "running"
	StatusTerminating  RunnerStatus = "terminating"
	StatusTerminated   RunnerStatus = "terminated"
	StatusFailed       RunnerStatus = "failed"
)

// ListFilter selects the runners of one environment and scope
type ListFilter struct {
	Environment string
	Scope       models.ScopeKey
}

// CreateRunnerRequest contains parameters for creating a new runner. It is
// built once per scale-up batch and shared read-only by every attempt.
type CreateRunnerRequest struct {
	Name            string
	Environment     string
	Scope           models.ScopeKey
	RegistrationURL string
	Token           string
	ExtraLabels     string
	RunnerGroup     string
}

// ServiceConfig renders the arguments the runner's config.sh is invoked
// with. Runner groups only exist for organization runners.
func (r *CreateRunnerRequest) ServiceConfig() string {
	args := []string{"--url", r.RegistrationURL, "--token", r.Token}
	if r.ExtraLabels != "" {
		args = append(args, "--labels", r.ExtraLabels)
	}
	if r.RunnerGroup != "" && r.Scope.Type == models.RunnerTypeOrg {
		args = append(args, "--runnergroup", r.RunnerGroup)
	}
	return strings.Join(args, " ")
}

// Tags returns the ownership tags a runner is created with
func (r *CreateRunnerRequest) Tags() map[string]string {
	return map[string]string{
		TagApplication: ApplicationName,
		TagEnvironment: r.Environment,
		TagType:        string(r.Scope.Type),
		TagOwner:       r.Scope.Owner,
	}
}

// Validate rejects requests a backend could not register
func (r *CreateRunnerRequest) Validate() error {
	if r.RegistrationURL == "" {
		return fmt.Errorf("registration url is required")
	}
	if r.Token == "" {
		return fmt.Errorf("registration token is required")
	}
	if r.Scope.Owner == "" {
		return fmt.Errorf("runner owner is required")
	}
	return nil
}

// Provider is the fleet inventory and provisioning backend
type Provider interface {
	// Name returns the provider name
	Name() string

	// ListRunners returns the live runners matching filter
	ListRunners(ctx context.Context, filter ListFilter) ([]*Runner, error)

	// CreateRunner provisions exactly one runner from the named launch template
	CreateRunner(ctx context.Context, template string, req *CreateRunnerRequest) (*Runner, error)

	// HealthCheck performs a health check on the provider
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the provider
	Close() error
}
