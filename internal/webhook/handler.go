package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"Runway/internal/metrics"
	"Runway/internal/models"

	gh "github.com/google/go-github/v68/github"
	"github.com/google/uuid"
)

const defaultMaxBodyBytes = 1 << 20

// SecretFunc returns the webhook secret
type SecretFunc func(ctx context.Context) ([]byte, error)

// Sender dispatches accepted job requests
type Sender interface {
	Send(ctx context.Context, req models.JobRequest) error
}

// Handler is the ingestion endpoint for GitHub webhook deliveries
type Handler struct {
	secret       SecretFunc
	filter       *Filter
	sender       Sender
	metrics      *metrics.Metrics
	logger       *slog.Logger
	maxBodyBytes int64
}

// NewHandler creates a webhook handler
func NewHandler(secret SecretFunc, filter *Filter, sender Sender, m *metrics.Metrics, maxBodyBytes int64, logger *slog.Logger) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{
		secret:       secret,
		filter:       filter,
		sender:       sender,
		metrics:      m,
		logger:       logger.With("component", "webhook"),
		maxBodyBytes: maxBodyBytes,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := r.Header.Get(gh.EventTypeHeader)
	logger := h.logger.With(
		"delivery_id", deliveryID(r),
		"event", eventType,
	)

	verdict := "error"
	defer func() {
		h.metrics.WebhookEvents.WithLabelValues(eventType, verdict).Inc()
		h.metrics.WebhookDuration.WithLabelValues(verdict).Observe(time.Since(start).Seconds())
	}()

	signature := SignatureFromHeaders(r.Header)
	if signature == "" {
		logger.Error("github event doesn't have signature, this webhook requires a secret to be configured")
		verdict = "missing_signature"
		respond(w, http.StatusInternalServerError, "missing signature")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		logger.Warn("failed to read webhook body", "error", err)
		verdict = "bad_request"
		respond(w, http.StatusBadRequest, "unable to read body")
		return
	}

	secret, err := h.secret(r.Context())
	if err != nil {
		logger.Error("failed to load webhook secret", "error", err)
		respond(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := VerifySignature(body, signature, secret); err != nil {
		logger.Warn("unable to verify signature", "error", err)
		verdict = "unauthorized"
		respond(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	result, err := h.filter.Evaluate(eventType, body)
	if err != nil {
		logger.Warn("rejected malformed event", "error", err)
		verdict = "bad_request"
		respond(w, http.StatusBadRequest, "malformed event")
		return
	}
	verdict = result.Verdict.String()

	switch result.Verdict {
	case VerdictIgnored:
		logger.Info("ignoring event", "reason", result.Reason)
		respond(w, http.StatusAccepted, result.Reason)
	case VerdictForbidden:
		logger.Info("rejecting event", "reason", result.Reason)
		respond(w, http.StatusForbidden, result.Reason)
	case VerdictAcceptedNoop:
		logger.Info("accepted event without dispatch", "reason", result.Reason)
		respond(w, http.StatusCreated, "")
	case VerdictEnqueue:
		req := result.Request
		if err := h.sender.Send(r.Context(), req); err != nil {
			logger.Error("failed to dispatch job request", "job_id", req.ID, "error", err)
			verdict = "dispatch_failed"
			respond(w, http.StatusInternalServerError, "failed to dispatch job")
			return
		}
		logger.Info("dispatched job request",
			"job_id", req.ID,
			"repository", req.FullName(),
			"installation_id", req.InstallationID,
		)
		respond(w, http.StatusCreated, "")
	default:
		respond(w, http.StatusInternalServerError, "unknown verdict")
	}
}

func respond(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if msg != "" {
		_, _ = io.WriteString(w, msg)
	}
}

// deliveryID falls back to a local id when GitHub sent none
func deliveryID(r *http.Request) string {
	if id := r.Header.Get(gh.DeliveryIDHeader); id != "" {
		return id
	}
	return "local-" + uuid.NewString()
}
