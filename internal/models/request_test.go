package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRequestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   RequestStatus
		expected bool
	}{
		{RequestPending, false},
		{RequestCompleted, true},
		{RequestFailed, true},
		{RequestCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.expected {
				t.Errorf("Terminal() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSession_IsActive(t *testing.T) {
	s := &Session{SessionToken: "sess_abc"}
	if !s.IsActive() {
		t.Error("session without ended_at should be active")
	}

	now := time.Now()
	s.EndedAt = &now
	if s.IsActive() {
		t.Error("ended session should not be active")
	}
}

func TestPersona_VisibleTo(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()

	orgWide := &Persona{Name: "support"}
	if !orgWide.VisibleTo(owner) || !orgWide.VisibleTo(other) {
		t.Error("org-wide persona should be visible to everyone")
	}

	scoped := &Persona{Name: "private", UserID: &owner}
	if !scoped.VisibleTo(owner) {
		t.Error("user-scoped persona should be visible to its owner")
	}
	if scoped.VisibleTo(other) {
		t.Error("user-scoped persona should not be visible to other users")
	}
}

func TestCredential_IsUserScoped(t *testing.T) {
	c := &Credential{SyntheticKey: "sk-proxy-x"}
	if c.IsUserScoped() {
		t.Error("credential without user_id should be org-wide")
	}

	uid := uuid.New()
	c.UserID = &uid
	if !c.IsUserScoped() {
		t.Error("credential with user_id should be user-scoped")
	}
}

func TestJSONB_IntAt(t *testing.T) {
	j := JSONB{"input_tokens": float64(42), "model": "gpt-4o"}
	if got := j.IntAt("input_tokens"); got != 42 {
		t.Errorf("IntAt() = %d, want 42", got)
	}
	if got := j.IntAt("missing"); got != 0 {
		t.Errorf("IntAt(missing) = %d, want 0", got)
	}
	if got := j.StringAt("model"); got != "gpt-4o" {
		t.Errorf("StringAt() = %q, want gpt-4o", got)
	}
}
