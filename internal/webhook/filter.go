package webhook

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"Runway/internal/config"
	"Runway/internal/models"

	gh "github.com/google/go-github/v68/github"
)

// ErrMalformedEvent is returned for payloads that cannot be decoded or lack
// the fields a job request needs.
var ErrMalformedEvent = errors.New("malformed webhook payload")

const selfHostedLabel = "self-hosted"

// Verdict is the filter's decision for one delivery
type Verdict int

const (
	// VerdictIgnored drops the delivery without error
	VerdictIgnored Verdict = iota
	// VerdictForbidden rejects deliveries from repositories not allowed
	VerdictForbidden
	// VerdictAcceptedNoop acknowledges an eligible event that needs no runner
	VerdictAcceptedNoop
	// VerdictEnqueue dispatches the job request to the scale-up queue
	VerdictEnqueue
)

func (v Verdict) String() string {
	switch v {
	case VerdictIgnored:
		return "ignored"
	case VerdictForbidden:
		return "forbidden"
	case VerdictAcceptedNoop:
		return "accepted_noop"
	case VerdictEnqueue:
		return "enqueue"
	default:
		return "unknown"
	}
}

// Result is a verdict together with the request it applies to. Request is
// only populated for VerdictEnqueue.
type Result struct {
	Verdict Verdict
	Reason  string
	Request models.JobRequest
}

// Filter decides which deliveries become job requests
type Filter struct {
	allowList         []string
	runnerLabels      []string
	disableLabelCheck bool
}

// NewFilter builds a filter from the webhook configuration
func NewFilter(cfg config.WebhookConfig) *Filter {
	return &Filter{
		allowList:         slices.Clone(cfg.RepositoryAllowList),
		runnerLabels:      slices.Clone(cfg.RunnerLabels),
		disableLabelCheck: cfg.DisableLabelCheck,
	}
}

// Evaluate decodes body as an event of eventType and returns its verdict.
// It has no side effects.
func (f *Filter) Evaluate(eventType string, body []byte) (Result, error) {
	if !models.EventType(eventType).Valid() {
		return Result{Verdict: VerdictIgnored, Reason: fmt.Sprintf("event %q is not handled", eventType)}, nil
	}

	event, err := gh.ParseWebHook(eventType, body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch e := event.(type) {
	case *gh.WorkflowJobEvent:
		return f.evaluateWorkflowJob(e)
	case *gh.CheckRunEvent:
		return f.evaluateCheckRun(e)
	default:
		return Result{}, fmt.Errorf("%w: unexpected payload %T", ErrMalformedEvent, event)
	}
}

func (f *Filter) evaluateWorkflowJob(e *gh.WorkflowJobEvent) (Result, error) {
	req, err := jobRequest(models.EventTypeWorkflowJob, e.GetWorkflowJob().GetID(), e.GetRepo(), e.GetInstallation())
	if err != nil {
		return Result{}, err
	}

	if !f.repositoryAllowed(req) {
		return Result{Verdict: VerdictForbidden, Reason: fmt.Sprintf("repository %s is not allowed", req.FullName())}, nil
	}

	labels := e.GetWorkflowJob().Labels
	if !f.disableLabelCheck && !f.labelsMatch(labels) {
		return Result{
			Verdict: VerdictIgnored,
			Reason:  fmt.Sprintf("job labels %v do not match runner labels %v", labels, f.runnerLabels),
		}, nil
	}

	if action := e.GetAction(); action != "queued" {
		return Result{Verdict: VerdictAcceptedNoop, Reason: fmt.Sprintf("action %q does not need a runner", action)}, nil
	}

	return Result{Verdict: VerdictEnqueue, Request: req}, nil
}

func (f *Filter) evaluateCheckRun(e *gh.CheckRunEvent) (Result, error) {
	req, err := jobRequest(models.EventTypeCheckRun, e.GetCheckRun().GetID(), e.GetRepo(), e.GetInstallation())
	if err != nil {
		return Result{}, err
	}

	if !f.repositoryAllowed(req) {
		return Result{Verdict: VerdictForbidden, Reason: fmt.Sprintf("repository %s is not allowed", req.FullName())}, nil
	}

	action, status := e.GetAction(), e.GetCheckRun().GetStatus()
	if action != "created" || status != "queued" {
		return Result{
			Verdict: VerdictAcceptedNoop,
			Reason:  fmt.Sprintf("action %q with status %q does not need a runner", action, status),
		}, nil
	}

	return Result{Verdict: VerdictEnqueue, Request: req}, nil
}

func jobRequest(eventType models.EventType, id int64, repo *gh.Repository, inst *gh.Installation) (models.JobRequest, error) {
	req := models.JobRequest{
		ID:              id,
		EventType:       eventType,
		RepositoryName:  repo.GetName(),
		RepositoryOwner: repo.GetOwner().GetLogin(),
		InstallationID:  inst.GetID(),
	}
	if err := req.Validate(); err != nil {
		return models.JobRequest{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return req, nil
}

// repositoryAllowed accepts owner/name entries and bare owner entries
func (f *Filter) repositoryAllowed(req models.JobRequest) bool {
	if len(f.allowList) == 0 {
		return true
	}
	for _, entry := range f.allowList {
		if strings.Contains(entry, "/") {
			if entry == req.FullName() {
				return true
			}
		} else if entry == req.RepositoryOwner {
			return true
		}
	}
	return false
}

// labelsMatch accepts a job labelled only self-hosted, or a job carrying
// every configured runner label.
func (f *Filter) labelsMatch(jobLabels []string) bool {
	if len(jobLabels) == 1 && jobLabels[0] == selfHostedLabel {
		return true
	}
	for _, label := range f.runnerLabels {
		if !slices.Contains(jobLabels, label) {
			return false
		}
	}
	return true
}
