package activitypub

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchCoversEveryVerb(t *testing.T) {
	te := newTestEnv(t)
	for _, kind := range domain.ActivityKinds {
		assert.NotNil(t, te.engine.inboundHandler(kind), "inbox handler for %s", kind)
		assert.NotNil(t, te.engine.outboundHandler(kind), "outbox handler for %s", kind)
	}
	assert.Nil(t, te.engine.inboundHandler("Block"))
	assert.Nil(t, te.engine.outboundHandler(domain.KindNote))
}

func TestEngineRegistersTasks(t *testing.T) {
	te := newTestEnv(t)
	assert.True(t, te.runner.Registered(TaskDeliver))
	assert.True(t, te.runner.Registered(TaskFetchObject))
}

func TestInboxRejectsInvalidRequests(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	eve := &domain.RemoteActor{ActorURI: "https://evil.example/users/eve", Domain: "evil.example"}

	valid := func() map[string]any {
		return map[string]any{
			"id":     te.remoteID("activities", 1),
			"type":   "Like",
			"actor":  bob.ActorURI,
			"object": te.remoteID("notes", 1),
		}
	}

	tests := []struct {
		name     string
		verified VerificationResult
		mutate   func(a map[string]any)
		want     Outcome
	}{
		{"unsigned", VerificationResult{Kind: Unsigned}, func(map[string]any) {}, Unauthorized},
		{"missing id", te.signedBy(bob), func(a map[string]any) { delete(a, "id") }, BadRequest},
		{"missing actor", te.signedBy(bob), func(a map[string]any) { delete(a, "actor") }, BadRequest},
		{"unknown verb", te.signedBy(bob), func(a map[string]any) { a["type"] = "Block" }, Unprocessable},
		{"signed by another server", te.signedBy(eve), func(map[string]any) {}, Unauthorized},
		{"id on another server", te.signedBy(bob), func(a map[string]any) { a["id"] = "https://evil.example/activities/1" }, Unauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid()
			tt.mutate(a)
			err := te.engine.HandleInbox(te.ctx(), alice, tt.verified, mustJSON(t, a))
			assert.Equal(t, tt.want, OutcomeOf(err), "err: %v", err)
		})
	}

	err := te.engine.HandleInbox(te.ctx(), alice, te.signedBy(bob), []byte("{not json"))
	assert.Equal(t, BadRequest, OutcomeOf(err))
}

func TestInboxRejectsBlockedInstance(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	require.NoError(t, te.engine.BlockInstance(te.ctx(), bob.Domain))

	err := te.inbox(alice, bob, map[string]any{
		"id":     te.remoteID("activities", 1),
		"type":   "Follow",
		"actor":  bob.ActorURI,
		"object": te.engine.IRIs().Actor("alice"),
	})
	assert.Equal(t, Forbidden, OutcomeOf(err))

	_, err = te.db.ReadActivityByURI(te.ctx(), te.remoteID("activities", 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func createFrom(te *testEnv, from *domain.RemoteActor, n int, content string, to ...string) map[string]any {
	noteID := te.remoteID("notes", n)
	return map[string]any{
		"@context": ContextActivityStreams,
		"id":       te.remoteID("activities", n),
		"type":     "Create",
		"actor":    from.ActorURI,
		"to":       to,
		"object": map[string]any{
			"id":           noteID,
			"type":         "Note",
			"attributedTo": from.ActorURI,
			"content":      content,
			"to":           to,
		},
	}
}

func TestInboxIsIdempotent(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	aliceIRI := te.engine.IRIs().Actor("alice")

	require.NoError(t, te.inbox(alice, bob, createFrom(te, bob, 1, "first", aliceIRI)))

	// a redelivery with altered content must not touch stored state
	again := createFrom(te, bob, 1, "second", aliceIRI)
	require.NoError(t, te.inbox(alice, bob, again))

	act, err := te.db.ReadActivityByURI(te.ctx(), te.remoteID("activities", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.KindCreate, act.Kind)
	assert.Contains(t, act.RawJSON, "first")

	obj, err := te.db.ReadObjectByURI(te.ctx(), te.remoteID("notes", 1))
	require.NoError(t, err)
	assert.Equal(t, "first", obj.Content)

	timeline, err := te.db.ReadTimeline(te.ctx(), alice.Id, 10)
	require.NoError(t, err)
	assert.Len(t, timeline, 1)
}

func TestInboxCreateRequiresMatchingAuthor(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	carol := te.remoteActor("carol", false)

	create := createFrom(te, bob, 1, "hi")
	create["actor"] = carol.ActorURI
	err := te.inbox(alice, carol, create)
	assert.Equal(t, Unauthorized, OutcomeOf(err))

	_, err = te.db.ReadObjectByURI(te.ctx(), te.remoteID("notes", 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInboxFollowLifecycle(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	aliceIRI := te.engine.IRIs().Actor("alice")
	followID := te.remoteID("follows", 1)

	follow := map[string]any{"id": followID, "type": "Follow", "actor": bob.ActorURI, "object": aliceIRI}
	require.NoError(t, te.inbox(alice, bob, follow))
	te.wait()

	followers, err := te.db.ReadFollowers(te.ctx(), aliceIRI)
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, bob.ActorURI, followers[0].FollowerURI)
	assert.Equal(t, domain.FollowAccepted, followers[0].State)

	// the Accept went back to bob's inbox, signed by alice
	posts := te.remote.posts("/users/bob/inbox")
	require.Len(t, posts, 1)
	accept, err := ParseEnvelope(posts[0].Body)
	require.NoError(t, err)
	assert.Equal(t, domain.KindAccept, accept.Type)
	assert.Equal(t, followID, accept.ObjectID())
	assert.Contains(t, posts[0].Header.Get("Signature"), te.engine.IRIs().KeyID("alice"))

	undo := map[string]any{
		"id":     te.remoteID("undos", 1),
		"type":   "Undo",
		"actor":  bob.ActorURI,
		"object": follow,
	}
	require.NoError(t, te.inbox(alice, bob, undo))

	followers, err = te.db.ReadFollowers(te.ctx(), aliceIRI)
	require.NoError(t, err)
	assert.Empty(t, followers)

	act, err := te.db.ReadActivityByURI(te.ctx(), followID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, act.State)
}

func TestInboxFollowAwaitsManualApproval(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", true)
	bob := te.remoteActor("bob", false)
	aliceIRI := te.engine.IRIs().Actor("alice")
	followID := te.remoteID("follows", 1)

	require.NoError(t, te.inbox(alice, bob, map[string]any{"id": followID, "type": "Follow", "actor": bob.ActorURI, "object": aliceIRI}))
	te.wait()

	f, err := te.db.ReadFollowByActivityURI(te.ctx(), followID)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowPending, f.State)
	assert.Empty(t, te.remote.posts("/users/bob/inbox"))

	// alice approves through her outbox
	env, err := te.outbox(alice, map[string]any{"type": "Accept", "object": followID})
	require.NoError(t, err)
	assert.Equal(t, domain.KindAccept, env.Type)
	assert.True(t, env.Object.Embedded)
	te.wait()

	f, err = te.db.ReadFollowByActivityURI(te.ctx(), followID)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowAccepted, f.State)
	assert.Len(t, te.remote.posts("/users/bob/inbox"), 1)
}

func TestInboxUndoMustBeInline(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)

	err := te.inbox(alice, bob, map[string]any{
		"id":     te.remoteID("undos", 1),
		"type":   "Undo",
		"actor":  bob.ActorURI,
		"object": te.remoteID("likes", 1),
	})
	assert.Equal(t, BadRequest, OutcomeOf(err))
}

func TestUndoLikeRevokesWithoutDeleting(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)

	created, err := te.outbox(alice, map[string]any{"type": "Note", "content": "hello", "to": []string{PublicCollection}})
	require.NoError(t, err)
	noteID := created.ObjectID()
	te.wait()

	likeID := te.remoteID("likes", 1)
	like := map[string]any{"id": likeID, "type": "Like", "actor": bob.ActorURI, "object": noteID}
	require.NoError(t, te.inbox(alice, bob, like))

	// the author is notified through her timeline
	timeline, err := te.db.ReadTimeline(te.ctx(), alice.Id, 10)
	require.NoError(t, err)
	reasons := map[domain.Kind]int{}
	for _, item := range timeline {
		reasons[item.Reason]++
	}
	assert.Equal(t, 1, reasons[domain.KindLike])

	require.NoError(t, te.inbox(alice, bob, map[string]any{
		"id":     te.remoteID("undos", 1),
		"type":   "Undo",
		"actor":  bob.ActorURI,
		"object": like,
	}))

	act, err := te.db.ReadActivityByURI(te.ctx(), likeID)
	require.NoError(t, err, "the Like record must survive its undo")
	assert.Equal(t, domain.StateRevoked, act.State)
	assert.False(t, act.Active())
}

func TestInboxUndoOfForeignActivity(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	carol := te.remoteActor("carol", false)

	created, err := te.outbox(alice, map[string]any{"type": "Note", "content": "hello"})
	require.NoError(t, err)
	like := map[string]any{"id": te.remoteID("likes", 1), "type": "Like", "actor": bob.ActorURI, "object": created.ObjectID()}
	require.NoError(t, te.inbox(alice, bob, like))

	like["actor"] = carol.ActorURI
	err = te.inbox(alice, carol, map[string]any{
		"id":     te.remoteID("undos", 1),
		"type":   "Undo",
		"actor":  carol.ActorURI,
		"object": like,
	})
	assert.Equal(t, Unauthorized, OutcomeOf(err))

	act, err := te.db.ReadActivityByURI(te.ctx(), te.remoteID("likes", 1))
	require.NoError(t, err)
	assert.True(t, act.Active())
}

func TestInboxUpdateAuthorization(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	carol := te.remoteActor("carol", false)
	noteID := te.remoteID("notes", 1)

	require.NoError(t, te.inbox(alice, bob, createFrom(te, bob, 1, "original", PublicCollection)))

	t.Run("attributedTo differs from actor", func(t *testing.T) {
		err := te.inbox(alice, carol, map[string]any{
			"id":    te.remoteID("updates", 1),
			"type":  "Update",
			"actor": carol.ActorURI,
			"object": map[string]any{
				"id": noteID, "type": "Note", "attributedTo": bob.ActorURI, "content": "hijacked",
			},
		})
		assert.Equal(t, Unauthorized, OutcomeOf(err))
	})

	t.Run("claims ownership of another actor's object", func(t *testing.T) {
		err := te.inbox(alice, carol, map[string]any{
			"id":    te.remoteID("updates", 2),
			"type":  "Update",
			"actor": carol.ActorURI,
			"object": map[string]any{
				"id": noteID, "type": "Note", "attributedTo": carol.ActorURI, "content": "hijacked",
			},
		})
		assert.Equal(t, Unauthorized, OutcomeOf(err))
	})

	obj, err := te.db.ReadObjectByURI(te.ctx(), noteID)
	require.NoError(t, err)
	assert.Equal(t, "original", obj.Content)

	require.NoError(t, te.inbox(alice, bob, map[string]any{
		"id":    te.remoteID("updates", 3),
		"type":  "Update",
		"actor": bob.ActorURI,
		"object": map[string]any{
			"id": noteID, "type": "Note", "attributedTo": bob.ActorURI, "content": "edited",
		},
	}))
	obj, err = te.db.ReadObjectByURI(te.ctx(), noteID)
	require.NoError(t, err)
	assert.Equal(t, "edited", obj.Content)
	assert.Equal(t, []string{PublicCollection}, obj.To)
}

func TestInboxUpdateActorRefreshesCache(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)

	doc := te.remote.actorDoc("bob", true)
	doc.Name = "Bob Renamed"
	require.NoError(t, te.inbox(alice, bob, map[string]any{
		"id":     te.remoteID("updates", 1),
		"type":   "Update",
		"actor":  bob.ActorURI,
		"object": doc,
	}))

	acc, err := te.db.ReadRemoteActorByURI(te.ctx(), bob.ActorURI)
	require.NoError(t, err)
	assert.Equal(t, "Bob Renamed", acc.DisplayName)
	assert.Equal(t, te.remote.URL+"/inbox", acc.SharedInboxURI)
}

func TestInboxDeleteTombstonesObject(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	carol := te.remoteActor("carol", false)
	noteID := te.remoteID("notes", 1)
	aliceIRI := te.engine.IRIs().Actor("alice")

	require.NoError(t, te.inbox(alice, bob, createFrom(te, bob, 1, "soon gone", aliceIRI)))

	err := te.inbox(alice, carol, map[string]any{
		"id": te.remoteID("deletes", 1), "type": "Delete", "actor": carol.ActorURI, "object": noteID,
	})
	assert.Equal(t, Unauthorized, OutcomeOf(err))

	require.NoError(t, te.inbox(alice, bob, map[string]any{
		"id":     te.remoteID("deletes", 2),
		"type":   "Delete",
		"actor":  bob.ActorURI,
		"object": map[string]any{"id": noteID, "type": "Tombstone"},
	}))

	obj, err := te.db.ReadObjectByURI(te.ctx(), noteID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTombstoned, obj.State)
	assert.Empty(t, obj.Content)

	act, err := te.db.ReadActivityByURI(te.ctx(), te.remoteID("activities", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, act.State)

	timeline, err := te.db.ReadTimeline(te.ctx(), alice.Id, 10)
	require.NoError(t, err)
	assert.Empty(t, timeline)

	err = te.inbox(alice, bob, map[string]any{
		"id": te.remoteID("deletes", 3), "type": "Delete", "actor": bob.ActorURI, "object": te.remoteID("notes", 99),
	})
	assert.Equal(t, NotFound, OutcomeOf(err))
}

func TestInboxDeleteActorDropsRelationships(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	aliceIRI := te.engine.IRIs().Actor("alice")

	require.NoError(t, te.inbox(alice, bob, map[string]any{
		"id": te.remoteID("follows", 1), "type": "Follow", "actor": bob.ActorURI, "object": aliceIRI,
	}))
	te.wait()

	require.NoError(t, te.inbox(nil, bob, map[string]any{
		"id": te.remoteID("deletes", 1), "type": "Delete", "actor": bob.ActorURI, "object": bob.ActorURI,
	}))

	followers, err := te.db.ReadFollowers(te.ctx(), aliceIRI)
	require.NoError(t, err)
	assert.Empty(t, followers)
	_, err = te.db.ReadRemoteActorByURI(te.ctx(), bob.ActorURI)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInboxAnnounceFetchesObjectInBackground(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	aliceIRI := te.engine.IRIs().Actor("alice")
	require.NoError(t, te.db.CreateFollow(te.ctx(), &domain.Follow{
		FollowerURI: aliceIRI, LeaderURI: bob.ActorURI, ActivityURI: "https://local.example/activities/f1", State: domain.FollowAccepted,
	}))

	noteID := te.remoteID("notes", 7)
	te.remote.serve("/notes/7", map[string]any{
		"id": noteID, "type": "Note", "attributedTo": bob.ActorURI, "content": "boosted", "to": []string{PublicCollection},
	})

	announceID := te.remoteID("announces", 1)
	require.NoError(t, te.inbox(nil, bob, map[string]any{
		"id":     announceID,
		"type":   "Announce",
		"actor":  bob.ActorURI,
		"object": noteID,
		"to":     []string{PublicCollection},
	}))
	te.wait()

	obj, err := te.db.ReadObjectByURI(te.ctx(), noteID)
	require.NoError(t, err)
	assert.Equal(t, "boosted", obj.Content)

	timeline, err := te.db.ReadTimeline(te.ctx(), alice.Id, 10)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, domain.KindAnnounce, timeline[0].Reason)
	assert.Equal(t, announceID, timeline[0].ActivityURI)
}

func TestInboxAcceptUnknownFollow(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)

	err := te.inbox(alice, bob, map[string]any{
		"id": te.remoteID("accepts", 1), "type": "Accept", "actor": bob.ActorURI,
		"object": "https://local.example/activities/missing",
	})
	assert.Equal(t, NotFound, OutcomeOf(err))
}

func TestInboxMovePersistsOnly(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)

	moveID := te.remoteID("moves", 1)
	require.NoError(t, te.inbox(alice, bob, map[string]any{
		"id": moveID, "type": "Move", "actor": bob.ActorURI, "object": bob.ActorURI, "target": te.remoteID("users", 2),
	}))
	act, err := te.db.ReadActivityByURI(te.ctx(), moveID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindMove, act.Kind)
}

func TestOutboxFollowScenario(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	aliceIRI := te.engine.IRIs().Actor("alice")

	env, err := te.outbox(alice, map[string]any{"type": "Follow", "actor": aliceIRI, "object": bob.ActorURI})
	require.NoError(t, err)
	assert.Equal(t, domain.KindFollow, env.Type)
	assert.True(t, strings.HasPrefix(env.ID, "https://local.example/activities/"), env.ID)
	assert.Equal(t, aliceIRI, string(env.Actor))
	assert.Contains(t, []string(env.To), bob.ActorURI)

	f, err := te.db.ReadFollowByPair(te.ctx(), aliceIRI, bob.ActorURI)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowPending, f.State)
	assert.Equal(t, env.ID, f.ActivityURI)

	select {
	case ev := <-te.events:
		assert.Equal(t, TaskDeliver, ev.Task)
		assert.Equal(t, env.ID, ev.Args[0])
		assert.NoError(t, ev.Err)
	case <-time.After(10 * time.Second):
		t.Fatal("delivery task never ran")
	}
	require.Len(t, te.remote.posts("/users/bob/inbox"), 1)

	// a second follow of the same actor is refused
	_, err = te.outbox(alice, map[string]any{"type": "Follow", "object": bob.ActorURI})
	assert.Equal(t, Unprocessable, OutcomeOf(err))

	// bob accepts
	require.NoError(t, te.inbox(alice, bob, map[string]any{
		"id": te.remoteID("accepts", 1), "type": "Accept", "actor": bob.ActorURI, "object": env.ID,
	}))
	following, err := te.db.ReadFollowing(te.ctx(), aliceIRI)
	require.NoError(t, err)
	require.Len(t, following, 1)

	// and alice unfollows
	_, err = te.outbox(alice, map[string]any{"type": "Undo", "object": env.ID})
	require.NoError(t, err)
	te.wait()
	following, err = te.db.ReadFollowing(te.ctx(), aliceIRI)
	require.NoError(t, err)
	assert.Empty(t, following)
	act, err := te.db.ReadActivityByURI(te.ctx(), env.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, act.State)
	assert.Len(t, te.remote.posts("/users/bob/inbox"), 2)
}

func TestInboxRejectOfOutboundFollow(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	aliceIRI := te.engine.IRIs().Actor("alice")

	follow, err := te.outbox(alice, map[string]any{"type": "Follow", "object": bob.ActorURI})
	require.NoError(t, err)
	te.wait()
	posts := te.remote.posts("/users/bob/inbox")
	require.Len(t, posts, 1)
	sent, err := ParseEnvelope(posts[0].Body)
	require.NoError(t, err)
	assert.Equal(t, follow.ID, sent.ID)

	require.NoError(t, te.inbox(alice, bob, map[string]any{
		"id":     te.remoteID("rejects", 1),
		"type":   "Reject",
		"actor":  bob.ActorURI,
		"object": map[string]any{"id": follow.ID, "type": "Follow", "actor": aliceIRI, "object": bob.ActorURI},
	}))

	f, err := te.db.ReadFollowByPair(te.ctx(), aliceIRI, bob.ActorURI)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowRejected, f.State)
	following, err := te.db.ReadFollowing(te.ctx(), aliceIRI)
	require.NoError(t, err)
	assert.Empty(t, following)

	// a rejected follow can be asked again
	_, err = te.outbox(alice, map[string]any{"type": "Follow", "object": bob.ActorURI})
	assert.NoError(t, err)
}

func TestOutboxFollowUnresolvableTarget(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)

	_, err := te.outbox(alice, map[string]any{"type": "Follow", "object": te.remote.URL + "/users/nobody"})
	assert.Equal(t, NotFound, OutcomeOf(err))
	_, err = te.db.ReadFollowByPair(te.ctx(), te.engine.IRIs().Actor("alice"), te.remote.URL+"/users/nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = te.outbox(alice, map[string]any{"type": "Follow"})
	assert.Equal(t, BadRequest, OutcomeOf(err))
}

func TestOutboxRejectsImpersonation(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	te.profile("mallory", false)

	_, err := te.outbox(alice, map[string]any{
		"type": "Create", "actor": te.engine.IRIs().Actor("mallory"),
		"object": map[string]any{"type": "Note", "content": "hi"},
	})
	assert.Equal(t, Unauthorized, OutcomeOf(err))
}

func TestLocalFollowIsDeliveredInProcess(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	te.profile("carol", false)
	aliceIRI := te.engine.IRIs().Actor("alice")
	carolIRI := te.engine.IRIs().Actor("carol")

	env, err := te.outbox(alice, map[string]any{"type": "Follow", "object": carolIRI})
	require.NoError(t, err)
	te.wait()

	f, err := te.db.ReadFollowByActivityURI(te.ctx(), env.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowAccepted, f.State)

	followers, err := te.db.ReadFollowers(te.ctx(), carolIRI)
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, aliceIRI, followers[0].FollowerURI)
}

func TestOutboxCreateWrapsBareNote(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", true)
	aliceIRI := te.engine.IRIs().Actor("alice")
	require.NoError(t, te.db.CreateFollow(te.ctx(), &domain.Follow{
		FollowerURI: bob.ActorURI, LeaderURI: aliceIRI, ActivityURI: te.remoteID("follows", 1), State: domain.FollowAccepted,
	}))

	env, err := te.outbox(alice, map[string]any{
		"type":    "Note",
		"id":      "https://client.example/ignored",
		"content": "<p>hello fediverse</p>",
		"to":      []string{PublicCollection},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.KindCreate, env.Type)
	require.True(t, env.Object.Embedded)

	var note Note
	require.NoError(t, env.Object.Decode(&note))
	assert.True(t, strings.HasPrefix(note.ID, "https://local.example/objects/"))
	assert.Equal(t, aliceIRI, string(note.AttributedTo))

	obj, err := te.db.ReadObjectByURI(te.ctx(), note.ID)
	require.NoError(t, err)
	assert.True(t, obj.Local)
	assert.Equal(t, "<p>hello fediverse</p>", obj.Content)

	te.wait()
	// the follower's server is reached through its shared inbox
	assert.Len(t, te.remote.posts("/inbox"), 1)
	assert.Empty(t, te.remote.posts("/users/bob/inbox"))
}

func TestOutboxDeleteRules(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	mallory := te.profile("mallory", false)

	created, err := te.outbox(alice, map[string]any{"type": "Note", "content": "bye", "to": []string{PublicCollection}})
	require.NoError(t, err)
	noteID := created.ObjectID()

	_, err = te.outbox(alice, map[string]any{"type": "Delete", "id": "https://local.example/activities/mine", "object": noteID})
	assert.Equal(t, BadRequest, OutcomeOf(err), "client supplied id")

	_, err = te.outbox(alice, map[string]any{"type": "Delete", "object": map[string]any{"id": noteID, "type": "Note"}})
	assert.Equal(t, BadRequest, OutcomeOf(err), "embedded object")

	_, err = te.outbox(mallory, map[string]any{"type": "Delete", "object": noteID})
	assert.Equal(t, Unauthorized, OutcomeOf(err))

	env, err := te.outbox(alice, map[string]any{"type": "Delete", "object": noteID})
	require.NoError(t, err)
	assert.Equal(t, domain.KindTombstone, env.Object.Type)
	assert.Equal(t, noteID, env.ObjectID())

	obj, err := te.db.ReadObjectByURI(te.ctx(), noteID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTombstoned, obj.State)

	act, err := te.db.ReadActivityByURI(te.ctx(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, act.State)

	_, err = te.outbox(alice, map[string]any{"type": "Delete", "object": noteID})
	assert.Equal(t, NotFound, OutcomeOf(err))
}

func TestOutboxUpdateNote(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	mallory := te.profile("mallory", false)

	created, err := te.outbox(alice, map[string]any{"type": "Note", "content": "draft", "to": []string{PublicCollection}})
	require.NoError(t, err)
	noteID := created.ObjectID()

	update := map[string]any{"type": "Update", "object": map[string]any{"id": noteID, "type": "Note", "content": "final"}}
	_, err = te.outbox(mallory, update)
	assert.Equal(t, Unauthorized, OutcomeOf(err))

	env, err := te.outbox(alice, update)
	require.NoError(t, err)
	assert.Contains(t, []string(env.To), PublicCollection)

	obj, err := te.db.ReadObjectByURI(te.ctx(), noteID)
	require.NoError(t, err)
	assert.Equal(t, "final", obj.Content)
}

func TestOutboxUpdateProfile(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	aliceIRI := te.engine.IRIs().Actor("alice")

	_, err := te.outbox(alice, map[string]any{
		"type": "Update",
		"object": map[string]any{
			"id": aliceIRI, "type": "Person", "name": "Alice Liddell", "summary": "down the rabbit hole",
			"manuallyApprovesFollowers": true,
		},
	})
	require.NoError(t, err)

	p, err := te.db.ReadProfileByUsername(te.ctx(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", p.DisplayName)
	assert.True(t, p.ManuallyApprovesFollowers)
}

func TestOutboxLikeAndUndo(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	require.NoError(t, te.inbox(alice, bob, createFrom(te, bob, 1, "nice post", PublicCollection)))

	like, err := te.outbox(alice, map[string]any{"type": "Like", "object": te.remoteID("notes", 1)})
	require.NoError(t, err)
	assert.Contains(t, []string(like.To), bob.ActorURI)

	_, err = te.outbox(alice, map[string]any{"type": "Like", "object": "https://local.example/objects/missing"})
	assert.Equal(t, NotFound, OutcomeOf(err))

	undo, err := te.outbox(alice, map[string]any{"type": "Undo", "object": like.ID})
	require.NoError(t, err)
	assert.True(t, undo.Object.Embedded)
	te.wait()

	act, err := te.db.ReadActivityByURI(te.ctx(), like.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, act.State)
	assert.Len(t, te.remote.posts("/users/bob/inbox"), 2)
}

func TestOutboxUndoAnnounceReachesFollowers(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	carol := te.remoteActor("carol", false)
	require.NoError(t, te.inbox(alice, carol, map[string]any{
		"id": te.remoteID("follows", 1), "type": "Follow", "actor": carol.ActorURI, "object": te.engine.IRIs().Actor("alice"),
	}))
	require.NoError(t, te.inbox(alice, bob, createFrom(te, bob, 1, "boost me", PublicCollection)))

	announce, err := te.outbox(alice, map[string]any{"type": "Announce", "object": te.remoteID("notes", 1)})
	require.NoError(t, err)
	te.wait()
	undo, err := te.outbox(alice, map[string]any{"type": "Undo", "object": announce.ID})
	require.NoError(t, err)
	te.wait()

	act, err := te.db.ReadActivityByURI(te.ctx(), announce.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, act.State)

	delivered := func(path string) []string {
		var ids []string
		for _, p := range te.remote.posts(path) {
			env, err := ParseEnvelope(p.Body)
			require.NoError(t, err)
			ids = append(ids, env.ID)
		}
		return ids
	}
	// the follower and the author get both the boost and its retraction
	assert.Subset(t, delivered("/users/carol/inbox"), []string{announce.ID, undo.ID})
	assert.Subset(t, delivered("/users/bob/inbox"), []string{announce.ID, undo.ID})

	for _, p := range te.remote.posts("/users/carol/inbox") {
		env, err := ParseEnvelope(p.Body)
		require.NoError(t, err)
		if env.ID == undo.ID {
			assert.Equal(t, domain.KindUndo, env.Type)
			assert.Equal(t, announce.ID, env.ObjectID())
		}
	}
}

func TestOutboxAnnounceDefaultsToPublic(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)
	require.NoError(t, te.inbox(alice, bob, createFrom(te, bob, 1, "boost me", PublicCollection)))

	env, err := te.outbox(alice, map[string]any{"type": "Announce", "object": te.remoteID("notes", 1)})
	require.NoError(t, err)
	assert.Contains(t, []string(env.To), PublicCollection)
	assert.Contains(t, []string(env.Cc), te.engine.IRIs().Followers("alice"))
}

func TestOutboxStripsBlindCopies(t *testing.T) {
	te := newTestEnv(t)
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)

	env, err := te.outbox(alice, map[string]any{
		"type":   "Create",
		"bcc":    []string{bob.ActorURI},
		"object": map[string]any{"type": "Note", "content": "psst"},
	})
	require.NoError(t, err)
	assert.Empty(t, env.Bcc)
	te.wait()

	posts := te.remote.posts("/users/bob/inbox")
	require.Len(t, posts, 1)
	assert.NotContains(t, string(posts[0].Body), "bcc")
}

func TestDeliveryTaskEventsReportFailures(t *testing.T) {
	te := newTestEnv(t)
	err := te.runner.Run(te.ctx(), TaskDeliver, "https://local.example/activities/missing", "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	select {
	case ev := <-te.events:
		assert.Equal(t, TaskDeliver, ev.Task)
		assert.Error(t, ev.Err)
	default:
		t.Fatal("expected an event")
	}
}

// unreadablePool hides every activity from background tasks
type unreadablePool struct {
	*db.DB
}

func (unreadablePool) ReadActivityByURI(context.Context, string) (*domain.Activity, error) {
	return nil, domain.ErrNotFound
}

func TestTasksReadThroughResourcePool(t *testing.T) {
	te := newTestEnvWithPool(t, func(database *db.DB) tasks.Pool { return unreadablePool{database} })
	alice := te.profile("alice", false)
	bob := te.remoteActor("bob", false)

	env, err := te.outbox(alice, map[string]any{"type": "Note", "content": "hi bob", "to": []string{bob.ActorURI}})
	require.NoError(t, err)
	te.wait()

	// the engine's store has the activity but the task pool does not
	_, err = te.db.ReadActivityByURI(te.ctx(), env.ID)
	require.NoError(t, err)
	ran := false
	for !ran {
		select {
		case ev := <-te.events:
			if ev.Task == TaskDeliver {
				ran = true
				assert.ErrorIs(t, ev.Err, domain.ErrNotFound)
			}
		default:
			t.Fatal("delivery task never ran")
		}
	}
	assert.Empty(t, te.remote.posts("/users/bob/inbox"))
}

func TestRefreshStaleActors(t *testing.T) {
	te := newTestEnv(t)
	bob := te.remoteActor("bob", false)
	bob.LastFetchedAt = time.Now().Add(-48 * time.Hour)
	bob.DisplayName = "stale"
	require.NoError(t, te.db.UpsertRemoteActor(te.ctx(), bob))

	require.NoError(t, te.engine.RefreshStaleActors(te.ctx()))
	assert.Equal(t, 1, te.remote.hits(http.MethodGet, "/users/bob"))

	acc, err := te.db.ReadRemoteActorByURI(te.ctx(), bob.ActorURI)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), acc.LastFetchedAt, time.Minute)
}
