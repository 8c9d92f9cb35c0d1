// Package tracking keeps the books on who asked what. The Tracker
// resolves callers into users and sessions; the Ledger records request
// lifecycles, usage and audit records.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"llm_proxy/internal/models"
	"llm_proxy/internal/storage"
)

// UserStore resolves external user identifiers to user rows.
type UserStore interface {
	GetOrCreate(ctx context.Context, orgID uuid.UUID, externalID string) (*models.User, error)
}

// SessionStore manages conversation sessions.
type SessionStore interface {
	Create(ctx context.Context, userID uuid.UUID, token string) (*models.Session, error)
	GetActiveByToken(ctx context.Context, userID uuid.UUID, token string) (*models.Session, error)
}

// NewSessionToken mints a caller-facing session token.
func NewSessionToken() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRequestID mints a caller-facing request identifier.
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Tracker maps inbound caller identity onto users and sessions.
type Tracker struct {
	users    UserStore
	sessions SessionStore
}

func NewTracker(users UserStore, sessions SessionStore) *Tracker {
	return &Tracker{users: users, sessions: sessions}
}

// Resolve returns the user and session for a request. The user is
// created on first sight. A supplied session token is reused only when
// it names an open session belonging to that same user; anything else
// silently gets a fresh session, so a caller can never attach to
// another user's conversation.
func (t *Tracker) Resolve(ctx context.Context, orgID uuid.UUID, externalUserID, sessionToken string) (*models.User, *models.Session, error) {
	user, err := t.users.GetOrCreate(ctx, orgID, externalUserID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving user %q: %w", externalUserID, err)
	}

	if sessionToken != "" {
		session, err := t.sessions.GetActiveByToken(ctx, user.ID, sessionToken)
		if err == nil {
			return user, session, nil
		}
		if !errors.Is(err, storage.ErrSessionNotFound) {
			return nil, nil, fmt.Errorf("looking up session: %w", err)
		}
	}

	session, err := t.sessions.Create(ctx, user.ID, NewSessionToken())
	if err != nil {
		return nil, nil, fmt.Errorf("creating session: %w", err)
	}
	return user, session, nil
}
