package github

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Runway/internal/models"

	gh "github.com/google/go-github/v68/github"
)

// StatusQueued is the status GitHub reports for jobs waiting on a runner
const StatusQueued = "queued"

// Installation is what the scale-up path needs from an app installation
type Installation interface {
	// JobQueued reports whether the job behind req is still waiting for a runner
	JobQueued(ctx context.Context, req models.JobRequest) (bool, error)

	// CreateRegistrationToken issues a runner registration token for scope
	CreateRegistrationToken(ctx context.Context, scope models.ScopeKey) (string, error)
}

// InstallationClient is a GitHub client authenticated as one installation
type InstallationClient struct {
	client  *gh.Client
	timeout time.Duration
	logger  *slog.Logger
}

func (c *InstallationClient) JobQueued(ctx context.Context, req models.JobRequest) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var status string
	switch req.EventType {
	case models.EventTypeWorkflowJob:
		job, _, err := c.client.Actions.GetWorkflowJobByID(ctx, req.RepositoryOwner, req.RepositoryName, req.ID)
		if err != nil {
			return false, fmt.Errorf("failed to get workflow job %d: %w", req.ID, err)
		}
		status = job.GetStatus()
	case models.EventTypeCheckRun:
		run, _, err := c.client.Checks.GetCheckRun(ctx, req.RepositoryOwner, req.RepositoryName, req.ID)
		if err != nil {
			return false, fmt.Errorf("failed to get check run %d: %w", req.ID, err)
		}
		status = run.GetStatus()
	default:
		return false, fmt.Errorf("event %q is not supported", req.EventType)
	}

	queued := status == StatusQueued
	c.logger.Info("job status",
		"job_id", req.ID,
		"event_type", req.EventType,
		"status", status,
		"queued", queued,
	)
	return queued, nil
}

func (c *InstallationClient) CreateRegistrationToken(ctx context.Context, scope models.ScopeKey) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var (
		token *gh.RegistrationToken
		err   error
	)
	switch scope.Type {
	case models.RunnerTypeOrg:
		token, _, err = c.client.Actions.CreateOrganizationRegistrationToken(ctx, scope.Owner)
	case models.RunnerTypeRepo:
		owner, repo, ok := strings.Cut(scope.Owner, "/")
		if !ok {
			return "", fmt.Errorf("repo scope %q is not owner/repo", scope.Owner)
		}
		token, _, err = c.client.Actions.CreateRegistrationToken(ctx, owner, repo)
	default:
		return "", fmt.Errorf("unknown runner type %q", scope.Type)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create registration token for %s: %w", scope, err)
	}
	if token.GetToken() == "" {
		return "", fmt.Errorf("empty registration token for %s", scope)
	}

	return token.GetToken(), nil
}

func (c *InstallationClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
