package models

import (
	"fmt"
	"time"
)

// EventType is the kind of GitHub event a job request originated from
type EventType string

const (
	EventTypeWorkflowJob EventType = "workflow_job"
	EventTypeCheckRun    EventType = "check_run"
)

// Valid reports whether the event type is one runway scales for
func (e EventType) Valid() bool {
	return e == EventTypeWorkflowJob || e == EventTypeCheckRun
}

// JobRequest is the normalized job record carried from the webhook to the
// scale-up consumer. InstallationID 0 means the installation must be looked
// up through the app.
type JobRequest struct {
	ID              int64     `json:"id"`
	EventType       EventType `json:"eventType"`
	RepositoryName  string    `json:"repositoryName"`
	RepositoryOwner string    `json:"repositoryOwner"`
	InstallationID  int64     `json:"installationId"`
}

// Validate checks the fields every consumer relies on
func (r JobRequest) Validate() error {
	if r.ID == 0 {
		return fmt.Errorf("job request has no id")
	}
	if !r.EventType.Valid() {
		return fmt.Errorf("unsupported event type %q", r.EventType)
	}
	if r.RepositoryOwner == "" || r.RepositoryName == "" {
		return fmt.Errorf("job request %d has no repository", r.ID)
	}
	return nil
}

// FullName returns owner/name
func (r JobRequest) FullName() string {
	return r.RepositoryOwner + "/" + r.RepositoryName
}

// RunnerType is the registration level of a runner
type RunnerType string

const (
	RunnerTypeOrg  RunnerType = "Org"
	RunnerTypeRepo RunnerType = "Repo"
)

// ScopeKey partitions the fleet: org runners are owned by the organization,
// repo runners by owner/repo.
type ScopeKey struct {
	Type  RunnerType `json:"type"`
	Owner string     `json:"owner"`
}

// NewScopeKey derives the scope a job's runner belongs to
func NewScopeKey(enableOrgLevel bool, owner, repo string) ScopeKey {
	if enableOrgLevel {
		return ScopeKey{Type: RunnerTypeOrg, Owner: owner}
	}
	return ScopeKey{Type: RunnerTypeRepo, Owner: owner + "/" + repo}
}

func (s ScopeKey) String() string {
	return string(s.Type) + ":" + s.Owner
}

// ScalingDecision records the outcome of one scale-up evaluation
type ScalingDecision struct {
	JobID        int64     `json:"job_id"`
	EventType    EventType `json:"event_type"`
	Scope        ScopeKey  `json:"scope"`
	CurrentCount int       `json:"current_count"`
	MinRunners   int       `json:"min_runners"`
	MaxRunners   int       `json:"max_runners"`
	ToLaunch     int       `json:"to_launch"`
	Launched     []string  `json:"launched,omitempty"`
	Reason       string    `json:"reason"`
	DryRun       bool      `json:"dry_run,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Decision reasons
const (
	ReasonJobNotQueued      = "job_not_queued"
	ReasonCapacityExhausted = "capacity_exhausted"
	ReasonFloorMet          = "floor_met"
	ReasonScaleUp           = "scale_up"
)
