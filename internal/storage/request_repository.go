package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"llm_proxy/internal/models"
)

const requestColumns = `
	id, request_id, response_id, session_id, user_id, credential_id, persona_id,
	model, request_payload, response_payload, status, error_message,
	rating, rating_feedback, rated_at, created_at, completed_at
`

// RequestRepository handles request lifecycle database operations
type RequestRepository struct {
	db *DB
}

// NewRequestRepository creates a new request repository
func NewRequestRepository(db *DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a pending request row before the upstream call starts.
func (r *RequestRepository) Create(ctx context.Context, req *models.Request) error {
	query := `
		INSERT INTO requests (request_id, session_id, user_id, credential_id, persona_id,
		                      model, request_payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := r.db.conn.QueryRowxContext(ctx, query,
		req.RequestID, req.SessionID, req.UserID, req.CredentialID, req.PersonaID,
		req.Model, req.RequestPayload, req.Status,
	).Scan(&req.ID, &req.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return nil
}

// Finalize moves a request to a terminal status. Only the supplied
// fields are overwritten; a nil payload or message leaves the stored
// value alone, so repeated finalizations never erase data.
func (r *RequestRepository) Finalize(ctx context.Context, requestID string, status models.RequestStatus, responsePayload models.JSONB, errorMessage *string) error {
	query := `
		UPDATE requests
		SET status = $2,
		    response_payload = COALESCE($3, response_payload),
		    error_message = COALESCE($4, error_message),
		    completed_at = now()
		WHERE request_id = $1
	`

	result, err := r.db.conn.ExecContext(ctx, query, requestID, status, responsePayload, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finalize request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finalize request: %w", err)
	}
	if rows == 0 {
		return ErrRequestNotFound
	}

	return nil
}

// SetResponseID records the upstream-assigned response ID the moment it
// is observed. Deliberately a targeted update so the linkage survives
// even when the rest of the relay fails afterwards.
func (r *RequestRepository) SetResponseID(ctx context.Context, requestID, responseID string) error {
	query := `UPDATE requests SET response_id = $2 WHERE request_id = $1`

	result, err := r.db.conn.ExecContext(ctx, query, requestID, responseID)
	if err != nil {
		return fmt.Errorf("failed to set response id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set response id: %w", err)
	}
	if rows == 0 {
		return ErrRequestNotFound
	}

	return nil
}

// GetByRequestID retrieves a request by its proxy-assigned identifier.
func (r *RequestRepository) GetByRequestID(ctx context.Context, requestID string) (*models.Request, error) {
	var req models.Request
	query := `SELECT ` + requestColumns + ` FROM requests WHERE request_id = $1`

	err := r.db.conn.GetContext(ctx, &req, query, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	return &req, nil
}

// GetByAnyID retrieves a request by either the proxy-assigned request ID
// or the upstream-assigned response ID, tried in that order.
func (r *RequestRepository) GetByAnyID(ctx context.Context, id string) (*models.Request, error) {
	req, err := r.GetByRequestID(ctx, id)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, ErrRequestNotFound) {
		return nil, err
	}

	var byResponse models.Request
	query := `SELECT ` + requestColumns + ` FROM requests WHERE response_id = $1`

	err = r.db.conn.GetContext(ctx, &byResponse, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	return &byResponse, nil
}

// SetRating stores caller feedback on a request. Re-rating overwrites
// the previous value.
func (r *RequestRepository) SetRating(ctx context.Context, id uuid.UUID, rating int, feedback *string) error {
	query := `
		UPDATE requests
		SET rating = $2, rating_feedback = $3, rated_at = now()
		WHERE id = $1
	`

	result, err := r.db.conn.ExecContext(ctx, query, id, rating, feedback)
	if err != nil {
		return fmt.Errorf("failed to set rating: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set rating: %w", err)
	}
	if rows == 0 {
		return ErrRequestNotFound
	}

	return nil
}

// ListBySession returns the requests of one session, oldest first.
func (r *RequestRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE session_id = $1 ORDER BY created_at`

	var reqs []*models.Request
	err := r.db.conn.SelectContext(ctx, &reqs, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	return reqs, nil
}
