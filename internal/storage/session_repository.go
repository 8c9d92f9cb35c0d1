package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"llm_proxy/internal/models"
)

// SessionRepository handles session database operations
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create opens a new session for a user with the given token.
func (r *SessionRepository) Create(ctx context.Context, userID uuid.UUID, token string) (*models.Session, error) {
	var session models.Session
	query := `
		INSERT INTO sessions (user_id, session_token)
		VALUES ($1, $2)
		RETURNING id, user_id, session_token, started_at, ended_at
	`

	err := r.db.conn.GetContext(ctx, &session, query, userID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &session, nil
}

// GetActiveByToken returns the open session with the given token if it
// belongs to the given user. Ended sessions and sessions of other users
// do not match.
func (r *SessionRepository) GetActiveByToken(ctx context.Context, userID uuid.UUID, token string) (*models.Session, error) {
	var session models.Session
	query := `
		SELECT id, user_id, session_token, started_at, ended_at
		FROM sessions
		WHERE session_token = $1 AND user_id = $2 AND ended_at IS NULL
	`

	err := r.db.conn.GetContext(ctx, &session, query, token, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// GetByID retrieves a session by row ID.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var session models.Session
	query := `
		SELECT id, user_id, session_token, started_at, ended_at
		FROM sessions
		WHERE id = $1
	`

	err := r.db.conn.GetContext(ctx, &session, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// End closes a session. Ending an already-ended or unknown session
// returns ErrSessionNotFound.
func (r *SessionRepository) End(ctx context.Context, token string) (*models.Session, error) {
	var session models.Session
	query := `
		UPDATE sessions
		SET ended_at = now()
		WHERE session_token = $1 AND ended_at IS NULL
		RETURNING id, user_id, session_token, started_at, ended_at
	`

	err := r.db.conn.GetContext(ctx, &session, query, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to end session: %w", err)
	}

	return &session, nil
}
