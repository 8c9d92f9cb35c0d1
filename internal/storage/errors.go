package storage

import "errors"

var (
	// ErrCredentialNotFound is returned when no credential matches
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrNoCredentialAvailable is returned when neither a user-scoped
	// nor an org-wide credential can serve a request
	ErrNoCredentialAvailable = errors.New("no credential available for request")

	// ErrOrganizationNotFound is returned when an organization is not found
	ErrOrganizationNotFound = errors.New("organization not found")

	// ErrUserNotFound is returned when a user is not found
	ErrUserNotFound = errors.New("user not found")

	// ErrSessionNotFound is returned when a session is not found or ended
	ErrSessionNotFound = errors.New("session not found")

	// ErrRequestNotFound is returned when a tracked request is not found
	ErrRequestNotFound = errors.New("request not found")

	// ErrUsageRecordNotFound is returned when no usage record exists for a request
	ErrUsageRecordNotFound = errors.New("usage record not found")

	// ErrPersonaNotFound is returned when a persona is not found
	ErrPersonaNotFound = errors.New("persona not found")

	// ErrAnalysisConfigNotFound is returned when a saved analysis config is not found
	ErrAnalysisConfigNotFound = errors.New("analysis config not found")

	// ErrAnalysisResultNotFound is returned when no cached analysis result matches
	ErrAnalysisResultNotFound = errors.New("analysis result not found")

	// ErrDuplicateName is returned on unique name collisions within an organization
	ErrDuplicateName = errors.New("name already in use")

	// ErrDuplicateSyntheticKey is returned on the unlikely synthetic key collision
	ErrDuplicateSyntheticKey = errors.New("synthetic key already in use")

	// ErrDuplicateDefaultCredential is returned when an active org-wide
	// default credential already exists for the organization
	ErrDuplicateDefaultCredential = errors.New("an active organization-wide default credential already exists")
)
