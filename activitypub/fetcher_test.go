package activitypub

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, 0))
	assert.Equal(t, 2*time.Second, Backoff(base, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, 2))
	assert.Equal(t, 8*time.Second, Backoff(base, 3))
	assert.Equal(t, maxBackoff, Backoff(base, 30))
	assert.Equal(t, maxBackoff, Backoff(time.Hour, 2))
}

func TestFetchRetriesUpToCeiling(t *testing.T) {
	te := newTestEnv(t)
	var waits []time.Duration
	te.engine.Fetcher().sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	te.remote.fail("/notes/1", http.StatusServiceUnavailable)

	_, err := te.engine.Fetcher().Fetch(te.ctx(), te.remoteID("notes", 1), nil, 4)
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.Equal(t, 4, te.remote.hits(http.MethodGet, "/notes/1"))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, waits)
}

func TestFetchStopsOnPermanentFailure(t *testing.T) {
	te := newTestEnv(t)

	_, err := te.engine.Fetcher().Fetch(te.ctx(), te.remoteID("notes", 1), nil, 5)
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.Equal(t, 1, te.remote.hits(http.MethodGet, "/notes/1"), "404 is not retried")
}

func TestFetchAbortsWhenOriginGetsBlocked(t *testing.T) {
	te := newTestEnv(t)
	bob := te.remoteActor("bob", false)
	te.remote.fail("/notes/1", http.StatusServiceUnavailable)
	te.engine.Fetcher().sleep = func(ctx context.Context, _ time.Duration) error {
		return te.engine.BlockInstance(ctx, bob.Domain)
	}

	_, err := te.engine.Fetcher().Fetch(te.ctx(), te.remoteID("notes", 1), nil, 5)
	assert.ErrorIs(t, err, ErrProhibited)
	assert.Equal(t, 1, te.remote.hits(http.MethodGet, "/notes/1"))
}

func TestFetchHonoursCancellation(t *testing.T) {
	te := newTestEnv(t)
	te.remote.fail("/notes/1", http.StatusServiceUnavailable)
	te.engine.Fetcher().sleep = func(context.Context, time.Duration) error {
		return context.Canceled
	}

	_, err := te.engine.Fetcher().Fetch(te.ctx(), te.remoteID("notes", 1), nil, 5)
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.Equal(t, 1, te.remote.hits(http.MethodGet, "/notes/1"))
}

func TestFetchRefusesLocalAndForeignDocuments(t *testing.T) {
	te := newTestEnv(t)

	_, err := te.engine.Fetcher().Fetch(te.ctx(), "https://local.example/objects/1", nil, 1)
	assert.Error(t, err)

	te.remote.serve("/notes/1", map[string]any{
		"id": "https://elsewhere.example/notes/1", "type": "Note", "attributedTo": "https://elsewhere.example/users/x",
	})
	_, err = te.engine.Fetcher().Fetch(te.ctx(), te.remoteID("notes", 1), nil, 1)
	assert.Error(t, err)

	te.remote.serve("/notes/2", map[string]any{
		"id": te.remoteID("notes", 2), "type": "Note", "attributedTo": "https://elsewhere.example/users/x",
	})
	_, err = te.engine.Fetcher().FetchObject(te.ctx(), te.remoteID("notes", 2), 1)
	assert.Error(t, err)
	_, err = te.db.ReadObjectByURI(te.ctx(), te.remoteID("notes", 2))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchActorStoresActor(t *testing.T) {
	te := newTestEnv(t)
	doc := te.remote.actorDoc("bob", true)
	doc.Name = "Bob"
	te.remote.serve("/users/bob", doc)

	acc, err := te.engine.Fetcher().FetchActor(te.ctx(), doc.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Bob", acc.DisplayName)

	stored, err := te.db.ReadRemoteActorByURI(te.ctx(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, te.remote.URL+"/inbox", stored.SharedInboxURI)

	// an object is not an actor
	te.remote.serve("/notes/1", map[string]any{"id": te.remoteID("notes", 1), "type": "Note", "attributedTo": doc.ID})
	_, err = te.engine.Fetcher().FetchActor(te.ctx(), te.remoteID("notes", 1), 1)
	assert.Error(t, err)
}

func TestFetchSignsWithSystemActor(t *testing.T) {
	te := newTestEnv(t)
	te.engine.Fetcher().systemActor = "instance"
	te.profile("instance", false)
	te.remote.serve("/notes/1", map[string]any{"id": te.remoteID("notes", 1), "type": "Note", "attributedTo": te.remoteID("users", 1)})

	_, err := te.engine.Fetcher().FetchObject(te.ctx(), te.remoteID("notes", 1), 1)
	require.NoError(t, err)

	te.remote.mu.Lock()
	defer te.remote.mu.Unlock()
	require.NotEmpty(t, te.remote.requests)
	last := te.remote.requests[len(te.remote.requests)-1]
	params, err := ParseSignatureHeader(last.Header.Get("Signature"))
	require.NoError(t, err)
	assert.Equal(t, te.engine.IRIs().KeyID("instance"), params.KeyID)
	assert.NotContains(t, params.Headers, "digest")
}

func TestFetchTombstone(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	require.NoError(t, te.inbox(alice, bob, createFrom(te, bob, 1, "gone soon", PublicCollection)))

	te.remote.serve("/notes/1", map[string]any{"id": te.remoteID("notes", 1), "type": "Tombstone"})
	obj, err := te.engine.Fetcher().FetchObject(te.ctx(), te.remoteID("notes", 1), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTombstoned, obj.State)

	stored, err := te.db.ReadObjectByURI(te.ctx(), te.remoteID("notes", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.StateTombstoned, stored.State)
}

func TestFetchObjectTaskRetriesAndGivesUp(t *testing.T) {
	te := newTestEnv(t)
	te.remote.fail("/notes/1", http.StatusServiceUnavailable)

	err := te.runner.Run(te.ctx(), TaskFetchObject, te.remoteID("notes", 1), te.remoteID("announces", 1))
	assert.True(t, errors.Is(err, ErrTaskFailed))
	assert.Equal(t, 3, te.remote.hits(http.MethodGet, "/notes/1"))
}
