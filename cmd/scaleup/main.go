package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"Runway/internal/api"
	"Runway/internal/config"
	"Runway/internal/controller"
	"Runway/internal/github"
	"Runway/internal/metrics"
	"Runway/internal/provider"
	"Runway/internal/provider/docker"
	"Runway/internal/provider/ec2"
	"Runway/internal/queue"
	"Runway/internal/secrets"
	"Runway/internal/store"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateScaleUp(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting runway scale-up",
		"version", version,
		"provider", cfg.Provider.Type,
		"org_runners", cfg.Scaling.EnableOrganizationRunners,
		"launch_templates", cfg.Scaling.LaunchTemplates,
		"dry_run", cfg.DryRun,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Initialize metrics
	registry := prometheus.NewRegistry()
	met := metrics.NewMetrics(registry)
	met.Info.WithLabelValues(version, "scaleup", cfg.Provider.Type).Set(1)

	awsCfg, err := loadAWSConfig(ctx, cfg.Provider.AWS.Region)
	if err != nil {
		return err
	}
	params := secrets.New(ssm.NewFromConfig(awsCfg), logger)

	// Initialize GitHub App client
	privateKey, err := params.Get(ctx, cfg.GitHub.AppPrivateKeyParameter)
	if err != nil {
		return fmt.Errorf("failed to load github app key: %w", err)
	}
	app, err := github.NewAppClient(github.AppConfig{
		AppID:          cfg.GitHub.AppID,
		PrivateKey:     privateKey,
		APIURL:         cfg.GitHub.APIURL(),
		RequestTimeout: cfg.GitHub.RequestTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create github app client: %w", err)
	}

	// Initialize provider
	prov, err := createProvider(ctx, cfg, params, logger)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	defer prov.Close()

	// Initialize store
	st, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	// Initialize controller
	ctrl, err := controller.New(cfg, app, prov, st, met, logger)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	// Initialize API server
	apiServer := api.New(cfg, "scaleup", st, registry, logger)
	apiServer.AddReadinessCheck("provider", prov.HealthCheck)

	// Start API server
	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("API server error", "error", err)
		}
	}()

	// Start consuming job requests
	consumer := queue.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.Queue, met, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Run(ctx, ctrl.Handle)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
		// Let in-flight messages finish
		if err := <-errCh; err != nil {
			return err
		}
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func createProvider(ctx context.Context, cfg *config.Config, configs ec2.ConfigStore, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Provider.Type {
	case "docker":
		return docker.New(cfg.Provider.Docker, logger)
	case "ec2":
		return ec2.New(ctx, cfg.Provider.AWS, configs, logger)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider.Type)
	}
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
