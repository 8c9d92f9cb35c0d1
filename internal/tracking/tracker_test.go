package tracking

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_proxy/internal/models"
	"llm_proxy/internal/storage"
)

type fakeUserStore struct {
	users map[string]*models.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]*models.User)}
}

func (f *fakeUserStore) GetOrCreate(_ context.Context, orgID uuid.UUID, externalID string) (*models.User, error) {
	key := orgID.String() + "/" + externalID
	if u, ok := f.users[key]; ok {
		return u, nil
	}
	u := &models.User{ID: uuid.New(), OrganizationID: orgID, ExternalID: externalID}
	f.users[key] = u
	return u, nil
}

type fakeSessionStore struct {
	sessions map[string]*models.Session
	created  int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*models.Session)}
}

func (f *fakeSessionStore) Create(_ context.Context, userID uuid.UUID, token string) (*models.Session, error) {
	s := &models.Session{ID: uuid.New(), UserID: userID, SessionToken: token}
	f.sessions[token] = s
	f.created++
	return s, nil
}

func (f *fakeSessionStore) GetActiveByToken(_ context.Context, userID uuid.UUID, token string) (*models.Session, error) {
	s, ok := f.sessions[token]
	if !ok || s.UserID != userID || !s.IsActive() {
		return nil, storage.ErrSessionNotFound
	}
	return s, nil
}

func TestResolveCreatesUserAndSession(t *testing.T) {
	users := newFakeUserStore()
	sessions := newFakeSessionStore()
	tracker := NewTracker(users, sessions)
	orgID := uuid.New()

	user, session, err := tracker.Resolve(context.Background(), orgID, "alice@example.com", "")
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", user.ExternalID)
	assert.Equal(t, orgID, user.OrganizationID)
	assert.Equal(t, user.ID, session.UserID)
	assert.True(t, strings.HasPrefix(session.SessionToken, "sess_"))
}

func TestResolveReusesExistingUser(t *testing.T) {
	users := newFakeUserStore()
	tracker := NewTracker(users, newFakeSessionStore())
	orgID := uuid.New()

	first, _, err := tracker.Resolve(context.Background(), orgID, "bob", "")
	require.NoError(t, err)
	second, _, err := tracker.Resolve(context.Background(), orgID, "bob", "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestResolveReusesOwnOpenSession(t *testing.T) {
	users := newFakeUserStore()
	sessions := newFakeSessionStore()
	tracker := NewTracker(users, sessions)
	orgID := uuid.New()

	_, first, err := tracker.Resolve(context.Background(), orgID, "carol", "")
	require.NoError(t, err)

	_, second, err := tracker.Resolve(context.Background(), orgID, "carol", first.SessionToken)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, sessions.created)
}

func TestResolveForeignTokenGetsFreshSession(t *testing.T) {
	users := newFakeUserStore()
	sessions := newFakeSessionStore()
	tracker := NewTracker(users, sessions)
	orgID := uuid.New()

	_, carolSession, err := tracker.Resolve(context.Background(), orgID, "carol", "")
	require.NoError(t, err)

	// Dave presents Carol's token; he must not land in her conversation.
	_, daveSession, err := tracker.Resolve(context.Background(), orgID, "dave", carolSession.SessionToken)
	require.NoError(t, err)

	assert.NotEqual(t, carolSession.ID, daveSession.ID)
	assert.NotEqual(t, carolSession.SessionToken, daveSession.SessionToken)
}

func TestResolveUnknownTokenGetsFreshSession(t *testing.T) {
	tracker := NewTracker(newFakeUserStore(), newFakeSessionStore())

	_, session, err := tracker.Resolve(context.Background(), uuid.New(), "erin", "sess_doesnotexist")
	require.NoError(t, err)
	assert.NotEqual(t, "sess_doesnotexist", session.SessionToken)
}

func TestResolveEndedSessionGetsFreshSession(t *testing.T) {
	users := newFakeUserStore()
	sessions := newFakeSessionStore()
	tracker := NewTracker(users, sessions)
	orgID := uuid.New()

	_, first, err := tracker.Resolve(context.Background(), orgID, "frank", "")
	require.NoError(t, err)

	now := first.StartedAt
	first.EndedAt = &now

	_, second, err := tracker.Resolve(context.Background(), orgID, "frank", first.SessionToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestTokenFormats(t *testing.T) {
	sessToken := NewSessionToken()
	assert.True(t, strings.HasPrefix(sessToken, "sess_"))
	assert.Len(t, sessToken, len("sess_")+32)
	assert.NotContains(t, sessToken, "-")

	reqID := NewRequestID()
	assert.True(t, strings.HasPrefix(reqID, "req_"))
	assert.Len(t, reqID, len("req_")+32)

	assert.NotEqual(t, NewRequestID(), NewRequestID())
}
