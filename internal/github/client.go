package github

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// AppClient authenticates as a GitHub App and exchanges the app identity
// for installation-scoped clients.
type AppClient struct {
	appID      int64
	key        *rsa.PrivateKey
	apiURL     string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// AppConfig holds what NewAppClient needs
type AppConfig struct {
	AppID int64
	// PrivateKey is the app's PEM key, optionally base64 encoded
	PrivateKey string
	// APIURL is the REST base, empty for api.github.com
	APIURL         string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// NewAppClient creates a client for the given app
func NewAppClient(cfg AppConfig, logger *slog.Logger) (*AppClient, error) {
	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &AppClient{
		appID:      cfg.AppID,
		key:        key,
		apiURL:     cfg.APIURL,
		httpClient: httpClient,
		timeout:    cfg.RequestTimeout,
		logger:     logger.With("component", "github"),
		now:        time.Now,
	}, nil
}

// ParsePrivateKey accepts a PEM encoded RSA key or its base64 encoding
func ParsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("github app private key is empty")
	}

	pemBytes := []byte(raw)
	if !strings.HasPrefix(raw, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("github app private key is neither PEM nor base64: %w", err)
		}
		pemBytes = decoded
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse github app private key: %w", err)
	}
	return key, nil
}

// AppToken returns a JWT identifying the app, valid for ten minutes
func (c *AppClient) AppToken() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		// Backdated to tolerate clock drift against GitHub
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    strconv.FormatInt(c.appID, 10),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app token: %w", err)
	}
	return token, nil
}

// OrgInstallationID looks up the app's installation on an organization
func (c *AppClient) OrgInstallationID(ctx context.Context, org string) (int64, error) {
	client, err := c.appClient(ctx)
	if err != nil {
		return 0, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	inst, _, err := client.Apps.FindOrganizationInstallation(ctx, org)
	if err != nil {
		return 0, fmt.Errorf("failed to find installation for org %s: %w", org, err)
	}
	return inst.GetID(), nil
}

// RepoInstallationID looks up the app's installation on a repository
func (c *AppClient) RepoInstallationID(ctx context.Context, owner, repo string) (int64, error) {
	client, err := c.appClient(ctx)
	if err != nil {
		return 0, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	inst, _, err := client.Apps.FindRepositoryInstallation(ctx, owner, repo)
	if err != nil {
		return 0, fmt.Errorf("failed to find installation for %s/%s: %w", owner, repo, err)
	}
	return inst.GetID(), nil
}

// InstallationToken exchanges the app identity for an installation token
func (c *AppClient) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	client, err := c.appClient(ctx)
	if err != nil {
		return "", err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	token, _, err := client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token for installation %d: %w", installationID, err)
	}
	if token.GetToken() == "" {
		return "", fmt.Errorf("installation %d returned an empty token", installationID)
	}

	c.logger.Debug("issued installation token",
		"installation_id", installationID,
		"expires_at", token.GetExpiresAt().Time,
	)
	return token.GetToken(), nil
}

// InstallationClient returns a client acting as the given installation
func (c *AppClient) InstallationClient(ctx context.Context, installationID int64) (Installation, error) {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}

	client, err := c.newClient(ctx, token)
	if err != nil {
		return nil, err
	}

	return &InstallationClient{
		client:  client,
		timeout: c.timeout,
		logger:  c.logger.With("installation_id", installationID),
	}, nil
}

func (c *AppClient) appClient(ctx context.Context) (*gh.Client, error) {
	token, err := c.AppToken()
	if err != nil {
		return nil, err
	}
	return c.newClient(ctx, token)
}

func (c *AppClient) newClient(ctx context.Context, token string) (*gh.Client, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := gh.NewClient(oauth2.NewClient(ctx, ts))

	if c.apiURL == "" {
		return client, nil
	}

	client, err := client.WithEnterpriseURLs(c.apiURL, c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid github api url %s: %w", c.apiURL, err)
	}
	return client, nil
}

func (c *AppClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
