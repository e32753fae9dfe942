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
	"Runway/internal/metrics"
	"Runway/internal/queue"
	"Runway/internal/secrets"
	"Runway/internal/webhook"

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
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateWebhook(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting runway webhook",
		"version", version,
		"path", cfg.Webhook.Path,
		"allow_list", cfg.Webhook.RepositoryAllowList,
		"runner_labels", cfg.Webhook.RunnerLabels,
		"label_check", !cfg.Webhook.DisableLabelCheck,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	registry := prometheus.NewRegistry()
	met := metrics.NewMetrics(registry)
	met.Info.WithLabelValues(version, "webhook", cfg.Provider.Type).Set(1)

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Provider.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Provider.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	params := secrets.New(ssm.NewFromConfig(awsCfg), logger)
	secret := webhookSecret(params, cfg.GitHub.WebhookSecretParameter)
	sender := queue.NewSender(sqs.NewFromConfig(awsCfg), cfg.Queue, met, logger)
	handler := webhook.NewHandler(secret, webhook.NewFilter(cfg.Webhook), sender, met, cfg.Webhook.MaxBodyBytes, logger)

	apiServer := api.New(cfg, "webhook", nil, registry, logger)
	apiServer.Handle("POST "+cfg.Webhook.Path, handler)
	apiServer.AddReadinessCheck("webhook_secret", func(ctx context.Context) error {
		_, err := secret(ctx)
		return err
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start(ctx)
	}()

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
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

// secretGetter is satisfied by the SSM-backed secrets store
type secretGetter interface {
	Get(ctx context.Context, name string) (string, error)
}

func webhookSecret(params secretGetter, name string) webhook.SecretFunc {
	return func(ctx context.Context) ([]byte, error) {
		v, err := params.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load webhook secret: %w", err)
		}
		return []byte(v), nil
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
