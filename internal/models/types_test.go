package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScopeKey(t *testing.T) {
	tests := []struct {
		name     string
		orgLevel bool
		want     ScopeKey
		str      string
	}{
		{"org level", true, ScopeKey{Type: RunnerTypeOrg, Owner: "octo"}, "Org:octo"},
		{"repo level", false, ScopeKey{Type: RunnerTypeRepo, Owner: "octo/hello"}, "Repo:octo/hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewScopeKey(tt.orgLevel, "octo", "hello")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.str, got.String())
		})
	}
}

func TestJobRequestValidate(t *testing.T) {
	valid := JobRequest{
		ID:              42,
		EventType:       EventTypeWorkflowJob,
		RepositoryOwner: "octo",
		RepositoryName:  "hello",
	}
	require.NoError(t, valid.Validate())
	assert.Equal(t, "octo/hello", valid.FullName())

	tests := []struct {
		name   string
		mutate func(*JobRequest)
	}{
		{"missing id", func(r *JobRequest) { r.ID = 0 }},
		{"unknown event", func(r *JobRequest) { r.EventType = "push" }},
		{"missing owner", func(r *JobRequest) { r.RepositoryOwner = "" }},
		{"missing name", func(r *JobRequest) { r.RepositoryName = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			assert.Error(t, req.Validate())
		})
	}
}

func TestJobRequestWireFormat(t *testing.T) {
	raw := `{"id":7,"eventType":"check_run","repositoryName":"hello","repositoryOwner":"octo","installationId":0}`

	var req JobRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	assert.Equal(t, EventTypeCheckRun, req.EventType)
	assert.Zero(t, req.InstallationID)

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}
