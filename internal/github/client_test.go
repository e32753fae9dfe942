package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"Runway/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return key, string(pem.EncodeToMemory(block))
}

// fakeGitHub serves the handful of REST endpoints the app client calls
type fakeGitHub struct {
	mu          sync.Mutex
	key         *rsa.PrivateKey
	jobStatus   string
	checkStatus string
	authHeaders map[string]string
	tokenScopes []string
}

func (f *fakeGitHub) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeaders[r.Method+" "+r.URL.Path] = r.Header.Get("Authorization")
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("GET /api/v3/orgs/{org}/installation", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.PathValue("org") != "octo" {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": 111})
	})
	mux.HandleFunc("GET /api/v3/repos/{owner}/{repo}/installation", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusOK, map[string]any{"id": 222})
	})
	mux.HandleFunc("POST /api/v3/app/installations/{id}/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusCreated, map[string]any{
			"token":      "ghs_installation_" + r.PathValue("id"),
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	mux.HandleFunc("GET /api/v3/repos/{owner}/{repo}/actions/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusOK, map[string]any{"id": 1, "status": f.jobStatus})
	})
	mux.HandleFunc("GET /api/v3/repos/{owner}/{repo}/check-runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusOK, map[string]any{"id": 1, "status": f.checkStatus})
	})
	mux.HandleFunc("POST /api/v3/orgs/{org}/actions/runners/registration-token", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		f.tokenScopes = append(f.tokenScopes, r.PathValue("org"))
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"token": "REG-ORG"})
	})
	mux.HandleFunc("POST /api/v3/repos/{owner}/{repo}/actions/runners/registration-token", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		f.tokenScopes = append(f.tokenScopes, r.PathValue("owner")+"/"+r.PathValue("repo"))
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"token": "REG-REPO"})
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakeGitHub) *AppClient {
	t.Helper()
	key, keyPEM := testKey(t)
	fake.key = key
	fake.authHeaders = map[string]string{}

	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client, err := NewAppClient(AppConfig{
		AppID:          42,
		PrivateKey:     keyPEM,
		APIURL:         srv.URL + "/api/v3",
		RequestTimeout: 5 * time.Second,
		HTTPClient:     srv.Client(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return client
}

func TestParsePrivateKey(t *testing.T) {
	_, keyPEM := testKey(t)

	_, err := ParsePrivateKey(keyPEM)
	assert.NoError(t, err)

	_, err = ParsePrivateKey(base64.StdEncoding.EncodeToString([]byte(keyPEM)))
	assert.NoError(t, err, "base64 encoded PEM is accepted")

	_, err = ParsePrivateKey("")
	assert.Error(t, err)

	_, err = ParsePrivateKey("not-a-key")
	assert.Error(t, err)
}

func TestAppToken(t *testing.T) {
	fake := &fakeGitHub{}
	client := newTestClient(t, fake)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	raw, err := client.AppToken()
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		return &fake.key.PublicKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)

	assert.Equal(t, "42", claims.Issuer)
	assert.Equal(t, now.Add(-time.Minute).Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, now.Add(10*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestInstallationLookup(t *testing.T) {
	fake := &fakeGitHub{}
	client := newTestClient(t, fake)
	ctx := context.Background()

	id, err := client.OrgInstallationID(ctx, "octo")
	require.NoError(t, err)
	assert.Equal(t, int64(111), id)

	id, err = client.RepoInstallationID(ctx, "octo", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(222), id)

	_, err = client.OrgInstallationID(ctx, "missing")
	assert.Error(t, err)

	auth := fake.authHeaders["GET /api/v3/orgs/octo/installation"]
	assert.True(t, strings.HasPrefix(auth, "Bearer "), "app endpoints use the app JWT")
}

func TestInstallationClientUsesInstallationToken(t *testing.T) {
	fake := &fakeGitHub{jobStatus: "queued", checkStatus: "in_progress"}
	client := newTestClient(t, fake)
	ctx := context.Background()

	inst, err := client.InstallationClient(ctx, 111)
	require.NoError(t, err)

	queued, err := inst.JobQueued(ctx, models.JobRequest{
		ID:              7,
		EventType:       models.EventTypeWorkflowJob,
		RepositoryOwner: "octo",
		RepositoryName:  "hello",
		InstallationID:  111,
	})
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, "Bearer ghs_installation_111", fake.authHeaders["GET /api/v3/repos/octo/hello/actions/jobs/7"])

	queued, err = inst.JobQueued(ctx, models.JobRequest{
		ID:              8,
		EventType:       models.EventTypeCheckRun,
		RepositoryOwner: "octo",
		RepositoryName:  "hello",
	})
	require.NoError(t, err)
	assert.False(t, queued, "in_progress check runs no longer need a runner")
}

func TestCreateRegistrationToken(t *testing.T) {
	fake := &fakeGitHub{}
	client := newTestClient(t, fake)
	ctx := context.Background()

	inst, err := client.InstallationClient(ctx, 111)
	require.NoError(t, err)

	token, err := inst.CreateRegistrationToken(ctx, models.NewScopeKey(true, "octo", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "REG-ORG", token)

	token, err = inst.CreateRegistrationToken(ctx, models.NewScopeKey(false, "octo", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "REG-REPO", token)

	assert.Equal(t, []string{"octo", "octo/hello"}, fake.tokenScopes)

	_, err = inst.CreateRegistrationToken(ctx, models.ScopeKey{Type: models.RunnerTypeRepo, Owner: "octo"})
	assert.Error(t, err)
}
