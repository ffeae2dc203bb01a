package activitypub

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
)

// errAlreadySeen short-circuits redelivered activities to Accepted
var errAlreadySeen = errors.New("activity already processed")

// inbound is an activity on its way into a local inbox
type inbound struct {
	env       *Envelope
	body      []byte
	recipient *domain.Profile // nil for the shared inbox
	local     bool            // delivered in-process; the record already exists
}

type inboundFunc func(ctx context.Context, in *inbound) error

// inboundHandler maps every handled verb to its inbox handler
func (e *Engine) inboundHandler(kind domain.Kind) inboundFunc {
	switch kind {
	case domain.KindFollow:
		return e.inboxFollow
	case domain.KindAccept:
		return e.inboxAccept
	case domain.KindReject:
		return e.inboxReject
	case domain.KindUndo:
		return e.inboxUndo
	case domain.KindLike:
		return e.inboxLike
	case domain.KindAnnounce:
		return e.inboxAnnounce
	case domain.KindCreate:
		return e.inboxCreate
	case domain.KindUpdate:
		return e.inboxUpdate
	case domain.KindDelete:
		return e.inboxDelete
	case domain.KindMove, domain.KindRemove, domain.KindAdd:
		return e.inboxRecordOnly
	}
	return nil
}

// HandleInbox processes an activity POSTed to a local inbox. recipient is
// nil for the shared inbox. The returned error classifies via OutcomeOf;
// nil means Accepted.
func (e *Engine) HandleInbox(ctx context.Context, recipient *domain.Profile, verified VerificationResult, body []byte) error {
	if verified.Kind == Unsigned {
		return unauthorized("inbox requires a signed request")
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		return badRequest("invalid activity: %v", err)
	}
	if env.ID == "" || env.Type == "" || env.Actor == "" {
		return badRequest("activity must have id, type and actor")
	}
	handler := e.inboundHandler(env.Type)
	if handler == nil {
		return unprocessable("unsupported activity type %q", env.Type)
	}

	actor := string(env.Actor)
	if actor != verified.ActorURI {
		log.Error("Inbox: actor does not match signer", "actor", actor, "signer", verified.ActorURI)
		return unauthorized("activity for %s was signed by %s", actor, verified.ActorURI)
	}
	if !sameOrigin(env.ID, actor) {
		return unauthorized("activity %s is not hosted by its actor's server", env.ID)
	}
	if d := domainOf(actor); e.guard.Blocked(d) {
		return prohibited(d)
	}

	if _, err := e.store.ReadActivityByURI(ctx, env.ID); err == nil {
		log.Printf("Inbox: Activity %s already exists, skipping", env.ID)
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return storeErr(err, "activity")
	}

	log.Printf("Inbox: Received %s from %s", env.Type, actor)
	err = handler(ctx, &inbound{env: env, body: body, recipient: recipient})
	if errors.Is(err, errAlreadySeen) {
		log.Printf("Inbox: Activity %s stored concurrently, skipping", env.ID)
		return nil
	}
	if err != nil {
		log.Printf("Inbox: Failed to handle %s %s: %v", env.Type, env.ID, err)
	}
	return err
}

// persist stores the inbound activity record. Duplicates surface as
// errAlreadySeen so racing redeliveries are accepted once.
func (e *Engine) persist(ctx context.Context, in *inbound, rec *domain.Activity) error {
	if in.local {
		return nil
	}
	if err := e.store.CreateActivity(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return errAlreadySeen
		}
		return internal(err, "failed to store activity")
	}
	return nil
}

func (e *Engine) inboxFollow(ctx context.Context, in *inbound) error {
	target := in.env.ObjectID()
	if target == "" {
		return badRequest("follow object must reference an actor")
	}
	leader, isLocal, err := e.dir.LocalProfile(ctx, target)
	if !isLocal {
		return unprocessable("follow target %s is not hosted here", target)
	}
	if err != nil {
		return storeErr(err, "actor")
	}

	rec := newRecord(in.env, in.body, in.local)
	rec.TargetActorURI = target
	if err := e.persist(ctx, in, rec); err != nil {
		return err
	}

	follower := string(in.env.Actor)
	existing, err := e.store.ReadFollowByPair(ctx, follower, target)
	switch {
	case err == nil && existing.ActivityURI == in.env.ID:
		// created by the local outbox that sent this activity
	case err == nil:
		// a re-follow replaces the old relationship
		if err := e.store.DeleteFollowByActivityURI(ctx, existing.ActivityURI); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return internal(err, "failed to replace follow")
		}
		fallthrough
	case errors.Is(err, domain.ErrNotFound):
		f := &domain.Follow{FollowerURI: follower, LeaderURI: target, ActivityURI: in.env.ID, State: domain.FollowPending}
		if err := e.store.CreateFollow(ctx, f); err != nil && !errors.Is(err, domain.ErrDuplicate) {
			return internal(err, "failed to create follow")
		}
	default:
		return storeErr(err, "follow")
	}

	if leader.ManuallyApprovesFollowers {
		log.Printf("Inbox: Follow from %s awaits approval by %s", follower, leader.Username)
		return nil
	}
	return e.autoAccept(ctx, leader, in.env.ID, follower)
}

// autoAccept answers a Follow on behalf of a profile that does not review
// its followers
func (e *Engine) autoAccept(ctx context.Context, leader *domain.Profile, followURI, follower string) error {
	accept := &Envelope{
		Type:   domain.KindAccept,
		Object: Ref(followURI),
		To:     IRIList{follower},
	}
	if _, err := e.submit(ctx, leader, accept); err != nil {
		return err
	}
	log.Printf("Inbox: Accepted follow from %s for %s", follower, leader.Username)
	return nil
}

func (e *Engine) inboxAccept(ctx context.Context, in *inbound) error {
	return e.answerFollow(ctx, in, domain.FollowAccepted)
}

func (e *Engine) inboxReject(ctx context.Context, in *inbound) error {
	return e.answerFollow(ctx, in, domain.FollowRejected)
}

// answerFollow applies a remote Accept or Reject to a Follow we sent
func (e *Engine) answerFollow(ctx context.Context, in *inbound, state domain.FollowState) error {
	followURI := in.env.ObjectID()
	if followURI == "" {
		return badRequest("%s must reference a Follow", in.env.Type)
	}
	follow, err := e.store.ReadFollowByActivityURI(ctx, followURI)
	if err != nil {
		return storeErr(err, "follow")
	}
	if act, err := e.store.ReadActivityByURI(ctx, followURI); err == nil && !act.Active() {
		return notFound("follow %s was undone", followURI)
	}
	if follow.LeaderURI != string(in.env.Actor) {
		log.Error("Inbox: answer to a follow by a third party", "actor", in.env.Actor, "leader", follow.LeaderURI)
		return unauthorized("%s cannot answer a follow of %s", in.env.Actor, follow.LeaderURI)
	}

	rec := newRecord(in.env, in.body, in.local)
	rec.ObjectURI = followURI
	rec.TargetActivityURI = followURI
	rec.TargetActorURI = follow.FollowerURI
	if err := e.persist(ctx, in, rec); err != nil {
		return err
	}
	if err := e.store.UpdateFollowState(ctx, followURI, state); err != nil {
		return storeErr(err, "follow")
	}
	log.Printf("Inbox: Follow %s is now %s", followURI, state)
	return nil
}

func (e *Engine) inboxUndo(ctx context.Context, in *inbound) error {
	if in.env.Object == nil || !in.env.Object.Embedded {
		return badRequest("undo object must be inline")
	}
	var inner Envelope
	if err := in.env.Object.Decode(&inner); err != nil {
		return badRequest("invalid undo object: %v", err)
	}
	if inner.ID == "" {
		return badRequest("undo object has no id")
	}
	if inner.Actor != "" && inner.Actor != in.env.Actor {
		return unauthorized("%s cannot undo an activity by %s", in.env.Actor, inner.Actor)
	}

	target, err := e.store.ReadActivityByURI(ctx, inner.ID)
	if err != nil {
		return storeErr(err, "activity")
	}
	if target.ActorURI != string(in.env.Actor) {
		log.Error("Inbox: undo of a foreign activity", "actor", in.env.Actor, "owner", target.ActorURI)
		return unauthorized("%s cannot undo an activity by %s", in.env.Actor, target.ActorURI)
	}
	if !undoable(target.Kind) {
		return unprocessable("cannot undo %s", target.Kind)
	}

	rec := newRecord(in.env, in.body, in.local)
	rec.ObjectURI = target.ObjectURI
	rec.TargetActivityURI = target.ActivityURI
	if err := e.persist(ctx, in, rec); err != nil {
		return err
	}
	return e.retract(ctx, target)
}

func undoable(k domain.Kind) bool {
	return k == domain.KindFollow || k == domain.KindLike || k == domain.KindAnnounce
}

// retract reverses a Follow, Like or Announce. The activity record stays,
// revoked.
func (e *Engine) retract(ctx context.Context, target *domain.Activity) error {
	if target.Kind == domain.KindFollow {
		if err := e.store.DeleteFollowByActivityURI(ctx, target.ActivityURI); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return internal(err, "failed to delete follow")
		}
	} else if err := e.store.DeleteTimelineItemsByActivityURI(ctx, target.ActivityURI); err != nil {
		return internal(err, "failed to clear timelines")
	}
	if err := e.store.UpdateActivityState(ctx, target.ActivityURI, domain.StateRevoked); err != nil {
		return storeErr(err, "activity")
	}
	log.Printf("Inbox: Revoked %s %s", target.Kind, target.ActivityURI)
	return nil
}

func (e *Engine) inboxLike(ctx context.Context, in *inbound) error {
	objectURI := in.env.ObjectID()
	if objectURI == "" {
		return badRequest("like must reference an object")
	}
	obj, err := e.resolveObject(ctx, objectURI)
	if err != nil {
		return err
	}
	if obj.State != domain.StateActive {
		return notFound("object %s was deleted", objectURI)
	}

	rec := newRecord(in.env, in.body, in.local)
	rec.TargetActorURI = obj.AttributedTo
	if err := e.persist(ctx, in, rec); err != nil {
		return err
	}

	if username, ok := e.iris.LocalUsername(obj.AttributedTo); ok && obj.Local {
		author, err := e.store.ReadProfileByUsername(ctx, username)
		if err == nil {
			item := &domain.TimelineItem{ProfileId: author.Id, ObjectURI: objectURI, ActivityURI: in.env.ID, Reason: domain.KindLike}
			if err := e.store.CreateTimelineItem(ctx, item); err != nil {
				log.Printf("Inbox: Failed to notify %s of like: %v", username, err)
			}
		}
	}
	return nil
}

func (e *Engine) inboxAnnounce(ctx context.Context, in *inbound) error {
	objectURI := in.env.ObjectID()
	if objectURI == "" {
		return badRequest("announce must reference an object")
	}

	rec := newRecord(in.env, in.body, in.local)
	if err := e.persist(ctx, in, rec); err != nil {
		return err
	}

	_, err := e.store.ReadObjectByURI(ctx, objectURI)
	switch {
	case err == nil:
		e.fanOut(ctx, in, objectURI, domain.KindAnnounce)
	case errors.Is(err, domain.ErrNotFound) && !e.iris.IsLocal(objectURI):
		args := []string{objectURI, in.env.ID}
		if in.recipient != nil {
			args = append(args, in.recipient.Username)
		}
		if err := e.runner.Dispatch(TaskFetchObject, args...); err != nil {
			log.Printf("Inbox: Failed to schedule fetch of %s: %v", objectURI, err)
		}
	case errors.Is(err, domain.ErrNotFound):
		log.Printf("Inbox: Announce %s references unknown local object %s", in.env.ID, objectURI)
	default:
		return storeErr(err, "object")
	}
	return nil
}

func (e *Engine) inboxCreate(ctx context.Context, in *inbound) error {
	obj := in.env.Object
	if obj == nil || !obj.Embedded {
		return unprocessable("create object must be embedded")
	}
	if !obj.Type.IsContent() {
		return unprocessable("cannot create %q", obj.Type)
	}
	var note Note
	if err := obj.Decode(&note); err != nil {
		return badRequest("invalid object: %v", err)
	}
	if note.ID == "" {
		return badRequest("created object has no id")
	}
	if string(note.AttributedTo) != string(in.env.Actor) {
		log.Error("Inbox: create attributed to another actor", "actor", in.env.Actor, "attributedTo", note.AttributedTo)
		return unauthorized("%s cannot create content for %s", in.env.Actor, note.AttributedTo)
	}
	if !sameOrigin(note.ID, string(in.env.Actor)) {
		return unauthorized("object %s is not hosted by its author's server", note.ID)
	}
	if len(note.To) == 0 && len(note.Cc) == 0 {
		note.To, note.Cc = in.env.To, in.env.Cc
	}

	if !in.local {
		stored := objectFromNote(&note, obj.Raw, false)
		if err := e.store.CreateObject(ctx, stored); err != nil && !errors.Is(err, domain.ErrDuplicate) {
			return internal(err, "failed to store object")
		}
	}
	rec := newRecord(in.env, in.body, in.local)
	rec.ObjectURI = note.ID
	if err := e.persist(ctx, in, rec); err != nil {
		return err
	}
	e.fanOut(ctx, in, note.ID, domain.KindCreate)
	return nil
}

func (e *Engine) inboxUpdate(ctx context.Context, in *inbound) error {
	obj := in.env.Object
	if obj == nil || !obj.Embedded {
		return unprocessable("update object must be embedded")
	}
	actor := string(in.env.Actor)

	switch {
	case domain.IsActorType(string(obj.Type)):
		if obj.ID != actor {
			log.Error("Inbox: actor update for someone else", "actor", actor, "object", obj.ID)
			return unauthorized("%s cannot update actor %s", actor, obj.ID)
		}
		rec := newRecord(in.env, in.body, in.local)
		if err := e.persist(ctx, in, rec); err != nil {
			return err
		}
		if in.local {
			return nil
		}
		var doc ActorDocument
		if err := obj.Decode(&doc); err != nil {
			return badRequest("invalid actor: %v", err)
		}
		acc, err := remoteActorFromDocument(&doc)
		if err != nil {
			return unprocessable("invalid actor: %v", err)
		}
		if err := e.store.UpsertRemoteActor(ctx, acc); err != nil {
			return internal(err, "failed to store actor")
		}
		e.keys.InvalidateOwner(actor)
		log.Printf("Inbox: Updated actor %s", actor)
		return nil

	case obj.Type.IsContent():
		var note Note
		if err := obj.Decode(&note); err != nil {
			return badRequest("invalid object: %v", err)
		}
		if note.ID == "" {
			return badRequest("updated object has no id")
		}
		if string(note.AttributedTo) != actor {
			log.Error("Inbox: update attributed to another actor", "actor", actor, "attributedTo", note.AttributedTo)
			return unauthorized("%s cannot update content of %s", actor, note.AttributedTo)
		}
		existing, err := e.store.ReadObjectByURI(ctx, note.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return storeErr(err, "object")
		}
		if existing != nil && existing.AttributedTo != actor {
			log.Error("Inbox: update of an object owned by another actor", "actor", actor, "owner", existing.AttributedTo)
			return unauthorized("%s does not own %s", actor, note.ID)
		}

		rec := newRecord(in.env, in.body, in.local)
		rec.ObjectURI = note.ID
		if err := e.persist(ctx, in, rec); err != nil {
			return err
		}
		if in.local {
			return nil
		}
		if len(note.To) == 0 && len(note.Cc) == 0 && existing != nil {
			note.To, note.Cc = existing.To, existing.Cc
		}
		if err := upsertObject(ctx, e.store, objectFromNote(&note, obj.Raw, false)); err != nil {
			return internal(err, "failed to store object")
		}
		log.Printf("Inbox: Updated object %s", note.ID)
		return nil
	}
	return unprocessable("cannot update %q", obj.Type)
}

func (e *Engine) inboxDelete(ctx context.Context, in *inbound) error {
	target := in.env.ObjectID()
	if target == "" {
		return badRequest("delete must reference an object")
	}
	actor := string(in.env.Actor)

	if target == actor {
		rec := newRecord(in.env, in.body, in.local)
		if err := e.persist(ctx, in, rec); err != nil {
			return err
		}
		if in.local {
			return nil
		}
		return e.forgetActor(ctx, actor)
	}

	obj, err := e.store.ReadObjectByURI(ctx, target)
	if err != nil {
		return storeErr(err, "object")
	}
	if obj.AttributedTo != actor {
		log.Error("Inbox: delete of an object owned by another actor", "actor", actor, "owner", obj.AttributedTo)
		return unauthorized("%s does not own %s", actor, target)
	}

	rec := newRecord(in.env, in.body, in.local)
	if err := e.persist(ctx, in, rec); err != nil {
		return err
	}
	if in.local {
		return nil
	}
	return e.tombstone(ctx, target)
}

// tombstone deletes an object's content and everything that depends on it
func (e *Engine) tombstone(ctx context.Context, objectURI string) error {
	if err := e.store.TombstoneObject(ctx, objectURI); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return internal(err, "failed to tombstone object")
	}
	if err := e.revokeDependents(ctx, objectURI); err != nil {
		return err
	}
	if err := e.store.DeleteTimelineItemsByObjectURI(ctx, objectURI); err != nil {
		return internal(err, "failed to clear timelines")
	}
	log.Printf("Inbox: Tombstoned %s", objectURI)
	return nil
}

// forgetActor drops a deleted remote actor and its relationships
func (e *Engine) forgetActor(ctx context.Context, actor string) error {
	if err := e.store.DeleteFollowsByActorURI(ctx, actor); err != nil {
		return internal(err, "failed to delete follows")
	}
	if err := e.store.DeleteRemoteActor(ctx, actor); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return internal(err, "failed to delete actor")
	}
	e.keys.InvalidateOwner(actor)
	log.Printf("Inbox: Removed deleted actor %s", actor)
	return nil
}

// inboxRecordOnly persists Move, Remove and Add without further effects
func (e *Engine) inboxRecordOnly(ctx context.Context, in *inbound) error {
	return e.persist(ctx, in, newRecord(in.env, in.body, in.local))
}
