package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"Runway/internal/config"
	"Runway/internal/github"
	"Runway/internal/launch"
	"Runway/internal/metrics"
	"Runway/internal/models"
	"Runway/internal/provider"
	"Runway/internal/store"
)

// AppAuthenticator resolves installations and opens installation clients
type AppAuthenticator interface {
	OrgInstallationID(ctx context.Context, org string) (int64, error)
	RepoInstallationID(ctx context.Context, owner, repo string) (int64, error)
	InstallationClient(ctx context.Context, installationID int64) (github.Installation, error)
}

// Controller decides whether a queued job warrants new runners and launches them
type Controller struct {
	config          config.ScalingConfig
	webURL          string
	providerTimeout time.Duration
	dryRun          bool
	app             AppAuthenticator
	provider        provider.Provider
	store           *store.Store
	metrics         *metrics.Metrics
	logger          *slog.Logger
	now             func() time.Time
}

// New creates a new controller. st may be nil.
func New(
	cfg *config.Config,
	app AppAuthenticator,
	prov provider.Provider,
	st *store.Store,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if app == nil || prov == nil {
		return nil, fmt.Errorf("github app and provider are required")
	}
	if m == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}

	return &Controller{
		config:          cfg.Scaling,
		webURL:          cfg.GitHub.WebURL(),
		providerTimeout: cfg.Provider.RequestTimeout,
		dryRun:          cfg.DryRun,
		app:             app,
		provider:        prov,
		store:           st,
		metrics:         m,
		logger:          logger.With("component", "controller"),
		now:             time.Now,
	}, nil
}

// Handle adapts ScaleUp to a queue handler
func (c *Controller) Handle(ctx context.Context, req models.JobRequest) error {
	_, err := c.ScaleUp(ctx, req)
	return err
}

// ScaleUp evaluates one job request. Any upstream failure aborts the decision
// before a runner is launched and is returned for redelivery.
func (c *Controller) ScaleUp(ctx context.Context, req models.JobRequest) (*models.ScalingDecision, error) {
	start := time.Now()
	defer func() {
		c.metrics.ScaleUpDuration.Observe(time.Since(start).Seconds())
	}()

	if err := req.Validate(); err != nil {
		c.metrics.ScaleUpDecisions.WithLabelValues("error").Inc()
		return nil, err
	}

	scope := models.NewScopeKey(c.config.EnableOrganizationRunners, req.RepositoryOwner, req.RepositoryName)
	logger := c.logger.With(
		"job_id", req.ID,
		"event_type", req.EventType,
		"repository", req.FullName(),
		"scope", scope.String(),
	)

	decision, err := c.scaleUp(ctx, req, scope, logger)
	if err != nil {
		c.metrics.ScaleUpDecisions.WithLabelValues("error").Inc()
		return nil, err
	}

	c.metrics.ScaleUpDecisions.WithLabelValues(decision.Reason).Inc()
	if c.store != nil {
		if err := c.store.Record(*decision); err != nil {
			logger.Warn("failed to journal decision", "error", err)
		}
	}

	logger.Info("scale-up decision",
		"reason", decision.Reason,
		"current", decision.CurrentCount,
		"to_launch", decision.ToLaunch,
		"launched", len(decision.Launched),
		"dry_run", decision.DryRun,
	)
	return decision, nil
}

func (c *Controller) scaleUp(ctx context.Context, req models.JobRequest, scope models.ScopeKey, logger *slog.Logger) (*models.ScalingDecision, error) {
	decision := &models.ScalingDecision{
		JobID:      req.ID,
		EventType:  req.EventType,
		Scope:      scope,
		MinRunners: c.config.MinRunners,
		MaxRunners: c.config.MaxRunners,
		Timestamp:  c.now().UTC(),
	}

	installationID, err := c.installationID(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	inst, err := c.app.InstallationClient(ctx, installationID)
	c.observeGitHub("installation_token", start, err)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	queued, err := inst.JobQueued(ctx, req)
	c.observeGitHub("job_status", start, err)
	if err != nil {
		return nil, err
	}
	if !queued {
		logger.Info("job is no longer queued")
		decision.Reason = models.ReasonJobNotQueued
		return decision, nil
	}

	current, err := c.currentRunners(ctx, scope)
	if err != nil {
		return nil, err
	}
	decision.CurrentCount = current
	c.metrics.RunnersCurrent.WithLabelValues(string(scope.Type), scope.Owner).Set(float64(current))

	if current >= c.config.MaxRunners {
		logger.Warn("no runner will be created, maximum number of runners reached",
			"current", current,
			"max", c.config.MaxRunners,
		)
		c.metrics.CapacityExhausted.WithLabelValues(string(scope.Type)).Inc()
		decision.Reason = models.ReasonCapacityExhausted
		return decision, nil
	}

	decision.ToLaunch = ToLaunch(current, c.config.MinRunners, c.config.MaxRunners)
	if decision.ToLaunch == 0 {
		decision.Reason = models.ReasonFloorMet
		return decision, nil
	}

	decision.Reason = models.ReasonScaleUp
	if c.dryRun {
		logger.Info("dry run: would launch runners",
			"to_launch", decision.ToLaunch,
			"templates", c.config.LaunchTemplates,
		)
		decision.DryRun = true
		return decision, nil
	}

	start = time.Now()
	token, err := inst.CreateRegistrationToken(ctx, scope)
	c.observeGitHub("registration_token", start, err)
	if err != nil {
		return nil, err
	}

	createReq := &provider.CreateRunnerRequest{
		Environment:     c.config.Environment,
		Scope:           scope,
		RegistrationURL: c.webURL + "/" + scope.Owner,
		Token:           token,
		ExtraLabels:     c.config.RunnerExtraLabels,
		RunnerGroup:     c.config.RunnerGroup,
	}

	for i := 0; i < decision.ToLaunch; i++ {
		result, err := launch.FirstSuccess(ctx, c.config.LaunchTemplates, c.tryCreate(createReq), launch.Options{
			AttemptTimeout: c.providerTimeout,
			OnFailure: func(_ int, a launch.Attempt) {
				logger.Warn("launch template failed, trying next", "template", a.Template, "error", a.Err)
			},
		})
		if err != nil {
			if errors.Is(err, launch.ErrExhausted) {
				logger.Error("all launch templates failed",
					"launched", len(decision.Launched),
					"to_launch", decision.ToLaunch,
				)
			}
			return nil, fmt.Errorf("failed to launch runner %d of %d for %s: %w", i+1, decision.ToLaunch, scope, err)
		}

		decision.Launched = append(decision.Launched, result.InstanceID)
		c.metrics.RunnersLaunched.WithLabelValues(string(scope.Type)).Inc()
		logger.Info("launched runner",
			"instance_id", result.InstanceID,
			"template", result.Template,
			"attempts", len(result.Attempts),
		)
	}

	return decision, nil
}

// installationID returns the request's installation, looking it up through
// the app when the event did not carry one.
func (c *Controller) installationID(ctx context.Context, req models.JobRequest) (int64, error) {
	if req.InstallationID != 0 {
		return req.InstallationID, nil
	}

	start := time.Now()
	var (
		id  int64
		err error
	)
	if c.config.EnableOrganizationRunners {
		id, err = c.app.OrgInstallationID(ctx, req.RepositoryOwner)
	} else {
		id, err = c.app.RepoInstallationID(ctx, req.RepositoryOwner, req.RepositoryName)
	}
	c.observeGitHub("installation_lookup", start, err)
	return id, err
}

func (c *Controller) observeGitHub(endpoint string, start time.Time, err error) {
	c.metrics.GitHubAPIDuration.Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.GitHubAPIRequests.WithLabelValues(endpoint, status).Inc()
}

func (c *Controller) currentRunners(ctx context.Context, scope models.ScopeKey) (int, error) {
	ctx, cancel := c.withProviderTimeout(ctx)
	defer cancel()

	start := time.Now()
	runners, err := c.provider.ListRunners(ctx, provider.ListFilter{
		Environment: c.config.Environment,
		Scope:       scope,
	})
	c.metrics.ProviderDuration.WithLabelValues(c.provider.Name(), "list").Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.ProviderOperations.WithLabelValues(c.provider.Name(), "list", "error").Inc()
		return 0, fmt.Errorf("failed to list runners for %s: %w", scope, err)
	}
	c.metrics.ProviderOperations.WithLabelValues(c.provider.Name(), "list", "success").Inc()

	return len(runners), nil
}

// tryCreate provisions one runner per call. The request is shared read-only
// across attempts.
func (c *Controller) tryCreate(req *provider.CreateRunnerRequest) launch.TryFunc {
	return func(ctx context.Context, template string) (string, error) {
		name := c.provider.Name()
		start := time.Now()
		runner, err := c.provider.CreateRunner(ctx, template, req)
		c.metrics.ProviderDuration.WithLabelValues(name, "create").Observe(time.Since(start).Seconds())

		if err == nil && runner == nil {
			err = fmt.Errorf("provider %s returned no runner", name)
		}
		if err != nil {
			c.metrics.ProviderOperations.WithLabelValues(name, "create", "error").Inc()
			c.metrics.LaunchAttempts.WithLabelValues(template, "failure").Inc()
			return "", err
		}

		c.metrics.ProviderOperations.WithLabelValues(name, "create", "success").Inc()
		c.metrics.LaunchAttempts.WithLabelValues(template, "success").Inc()
		return runner.ProviderID, nil
	}
}

func (c *Controller) withProviderTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.providerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.providerTimeout)
}

// ToLaunch is how many runners bring current up to min without passing max
func ToLaunch(current, minRunners, maxRunners int) int {
	return maxInt(0, minInt(minRunners-current, maxRunners-current))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
