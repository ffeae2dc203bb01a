package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
)

// outbound is an activity published by a local actor
type outbound struct {
	actor    *domain.Profile
	actorIRI string
	env      *Envelope
	blind    []string
	raw      []byte
	deliver  bool
}

type outboundFunc func(ctx context.Context, out *outbound) error

// outboundHandler maps every handled verb to its outbox handler
func (e *Engine) outboundHandler(kind domain.Kind) outboundFunc {
	switch kind {
	case domain.KindFollow:
		return e.outboxFollow
	case domain.KindAccept:
		return e.outboxAccept
	case domain.KindReject:
		return e.outboxReject
	case domain.KindUndo:
		return e.outboxUndo
	case domain.KindLike:
		return e.outboxLike
	case domain.KindAnnounce:
		return e.outboxAnnounce
	case domain.KindCreate:
		return e.outboxCreate
	case domain.KindUpdate:
		return e.outboxUpdate
	case domain.KindDelete:
		return e.outboxDelete
	case domain.KindMove, domain.KindRemove, domain.KindAdd:
		return e.outboxRecordOnly
	}
	return nil
}

// HandleOutbox publishes an activity submitted by actor and returns the
// stored activity. A bare Note, Article or Question is wrapped in a Create.
func (e *Engine) HandleOutbox(ctx context.Context, actor *domain.Profile, body []byte) ([]byte, error) {
	var head struct {
		ID   string      `json:"id"`
		Type domain.Kind `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, badRequest("invalid activity: %v", err)
	}

	var env *Envelope
	if head.Type.IsContent() {
		var note Note
		if err := json.Unmarshal(body, &note); err != nil {
			return nil, badRequest("invalid object: %v", err)
		}
		ref := &ObjectRef{}
		if err := ref.UnmarshalJSON(body); err != nil {
			return nil, badRequest("invalid object: %v", err)
		}
		env = &Envelope{Type: domain.KindCreate, Object: ref, To: note.To, Cc: note.Cc}
	} else {
		var err error
		if env, err = ParseEnvelope(body); err != nil {
			return nil, badRequest("invalid activity: %v", err)
		}
		if head.Type == domain.KindDelete && head.ID != "" {
			return nil, badRequest("delete must not carry its own id")
		}
	}

	actorIRI := e.iris.Actor(actor.Username)
	if env.Actor != "" && string(env.Actor) != actorIRI {
		log.Error("Outbox: activity claims another actor", "actor", env.Actor, "submitter", actorIRI)
		return nil, unauthorized("%s cannot publish as %s", actorIRI, env.Actor)
	}
	return e.submit(ctx, actor, env)
}

// submit mints the activity id, runs the outbox handler and schedules
// delivery once the activity is stored
func (e *Engine) submit(ctx context.Context, actor *domain.Profile, env *Envelope) ([]byte, error) {
	handler := e.outboundHandler(env.Type)
	if handler == nil {
		return nil, unprocessable("unsupported activity type %q", env.Type)
	}

	out := &outbound{actor: actor, actorIRI: e.iris.Actor(actor.Username), env: env}
	env.Context = ContextActivityStreams
	env.ID = e.iris.NewActivity()
	env.Actor = IRI(out.actorIRI)
	env.Published = formatTime(time.Now())

	if err := handler(ctx, out); err != nil {
		log.Printf("Outbox: Failed to publish %s for %s: %v", env.Type, actor.Username, err)
		return nil, err
	}
	log.Printf("Outbox: %s published %s %s", actor.Username, env.Type, env.ID)
	if out.deliver {
		e.schedule(env.ID, actor.Username, out.blind)
	}
	return out.raw, nil
}

// commit stores the outbound activity. Blind copies are stripped from the
// stored body and kept for the delivery task.
func (e *Engine) commit(ctx context.Context, out *outbound, targetActivity, targetActor string) error {
	env := out.env
	out.blind = append(append([]string(nil), env.Bto...), env.Bcc...)
	env.Bto, env.Bcc = nil, nil

	raw, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	rec := newRecord(env, raw, true)
	rec.TargetActivityURI = targetActivity
	rec.TargetActorURI = targetActor
	if err := e.store.CreateActivity(ctx, rec); err != nil {
		return internal(err, "failed to store activity")
	}
	out.raw = raw
	return nil
}

func hasAddressees(env *Envelope) bool {
	return len(env.Addressees()) > 0
}

// addressTo adds iri to the primary audience unless it is already addressed
func addressTo(env *Envelope, iri string) {
	if iri == "" {
		return
	}
	for _, a := range env.Addressees() {
		if a == iri {
			return
		}
	}
	env.To = append(env.To, iri)
}

func (e *Engine) outboxFollow(ctx context.Context, out *outbound) error {
	target := out.env.ObjectID()
	if target == "" {
		return badRequest("follow object must reference an actor")
	}
	if target == out.actorIRI {
		return unprocessable("cannot follow yourself")
	}
	if _, err := e.dir.Lookup(ctx, target); err != nil {
		if OutcomeOf(err) == Forbidden {
			return err
		}
		return notFound("follow target %s cannot be resolved: %v", target, err)
	}

	existing, err := e.store.ReadFollowByPair(ctx, out.actorIRI, target)
	switch {
	case err == nil && existing.State != domain.FollowRejected:
		return unprocessable("already following %s", target)
	case err == nil:
		if err := e.store.DeleteFollowByActivityURI(ctx, existing.ActivityURI); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return internal(err, "failed to replace follow")
		}
	case !errors.Is(err, domain.ErrNotFound):
		return storeErr(err, "follow")
	}

	out.env.Object = Ref(target)
	addressTo(out.env, target)
	if err := e.commit(ctx, out, "", target); err != nil {
		return err
	}
	f := &domain.Follow{FollowerURI: out.actorIRI, LeaderURI: target, ActivityURI: out.env.ID, State: domain.FollowPending}
	if err := e.store.CreateFollow(ctx, f); err != nil {
		return internal(err, "failed to create follow")
	}
	out.deliver = true
	return nil
}

func (e *Engine) outboxAccept(ctx context.Context, out *outbound) error {
	return e.answerFollowRequest(ctx, out, domain.FollowAccepted)
}

func (e *Engine) outboxReject(ctx context.Context, out *outbound) error {
	return e.answerFollowRequest(ctx, out, domain.FollowRejected)
}

// answerFollowRequest accepts or rejects a Follow addressed to the actor
func (e *Engine) answerFollowRequest(ctx context.Context, out *outbound, state domain.FollowState) error {
	followURI := out.env.ObjectID()
	if followURI == "" {
		return badRequest("%s must reference a Follow", out.env.Type)
	}
	follow, err := e.store.ReadFollowByActivityURI(ctx, followURI)
	if err != nil {
		return storeErr(err, "follow")
	}
	if follow.LeaderURI != out.actorIRI {
		return unauthorized("%s cannot answer a follow of %s", out.actorIRI, follow.LeaderURI)
	}

	out.env.Object = Ref(followURI)
	if act, err := e.store.ReadActivityByURI(ctx, followURI); err == nil {
		if !act.Active() {
			return notFound("follow %s was undone", followURI)
		}
		embedded := &ObjectRef{}
		if err := embedded.UnmarshalJSON([]byte(act.RawJSON)); err == nil && embedded.Embedded {
			out.env.Object = embedded
		}
	}
	addressTo(out.env, follow.FollowerURI)

	if err := e.commit(ctx, out, followURI, follow.FollowerURI); err != nil {
		return err
	}
	if err := e.store.UpdateFollowState(ctx, followURI, state); err != nil {
		return storeErr(err, "follow")
	}
	out.deliver = true
	return nil
}

func (e *Engine) outboxUndo(ctx context.Context, out *outbound) error {
	targetURI := out.env.ObjectID()
	if targetURI == "" {
		return badRequest("undo must reference an activity")
	}
	target, err := e.store.ReadActivityByURI(ctx, targetURI)
	if err != nil {
		return storeErr(err, "activity")
	}
	if target.ActorURI != out.actorIRI {
		return unauthorized("%s cannot undo an activity by %s", out.actorIRI, target.ActorURI)
	}
	if !undoable(target.Kind) {
		return unprocessable("cannot undo %s", target.Kind)
	}

	embedded := &ObjectRef{}
	if err := embedded.UnmarshalJSON([]byte(target.RawJSON)); err != nil {
		return internal(err, "stored activity is corrupt")
	}
	out.env.Object = embedded
	if !hasAddressees(out.env) {
		if prev, err := ParseEnvelope([]byte(target.RawJSON)); err == nil {
			out.env.To, out.env.Cc = prev.To, prev.Cc
		}
	}

	if err := e.commit(ctx, out, target.ActivityURI, target.TargetActorURI); err != nil {
		return err
	}
	if err := e.retract(ctx, target); err != nil {
		return err
	}
	out.deliver = true
	return nil
}

func (e *Engine) outboxLike(ctx context.Context, out *outbound) error {
	objectURI := out.env.ObjectID()
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

	out.env.Object = Ref(objectURI)
	if obj.AttributedTo != out.actorIRI {
		addressTo(out.env, obj.AttributedTo)
	}
	if err := e.commit(ctx, out, "", obj.AttributedTo); err != nil {
		return err
	}
	out.deliver = true
	return nil
}

func (e *Engine) outboxAnnounce(ctx context.Context, out *outbound) error {
	objectURI := out.env.ObjectID()
	if objectURI == "" {
		return badRequest("announce must reference an object")
	}
	obj, err := e.resolveObject(ctx, objectURI)
	if err != nil {
		return err
	}
	if obj.State != domain.StateActive {
		return notFound("object %s was deleted", objectURI)
	}

	out.env.Object = Ref(objectURI)
	if !hasAddressees(out.env) {
		out.env.To = IRIList{PublicCollection}
		out.env.Cc = IRIList{e.iris.Followers(out.actor.Username)}
	}
	if obj.AttributedTo != out.actorIRI {
		addressTo(out.env, obj.AttributedTo)
	}
	if err := e.commit(ctx, out, "", obj.AttributedTo); err != nil {
		return err
	}
	out.deliver = true
	return nil
}

func (e *Engine) outboxCreate(ctx context.Context, out *outbound) error {
	obj := out.env.Object
	if obj == nil || !obj.Embedded {
		return badRequest("create needs an embedded object")
	}
	if !obj.Type.IsContent() {
		return unprocessable("cannot create %q", obj.Type)
	}
	var note Note
	if err := obj.Decode(&note); err != nil {
		return badRequest("invalid object: %v", err)
	}

	note.Context = nil
	note.ID = e.iris.NewObject()
	note.AttributedTo = IRI(out.actorIRI)
	note.Published = out.env.Published
	note.Updated = ""
	if len(note.To) == 0 && len(note.Cc) == 0 {
		note.To, note.Cc = out.env.To, out.env.Cc
	}
	if len(out.env.To) == 0 && len(out.env.Cc) == 0 {
		out.env.To, out.env.Cc = note.To, note.Cc
	}

	raw, err := json.Marshal(&note)
	if err != nil {
		return internal(err, "failed to encode object")
	}
	stored := objectFromNote(&note, raw, true)
	if err := e.store.CreateObject(ctx, stored); err != nil {
		return internal(err, "failed to store object")
	}
	if out.env.Object, err = Embed(&note); err != nil {
		return internal(err, "failed to encode object")
	}
	if err := e.commit(ctx, out, "", ""); err != nil {
		return err
	}

	item := &domain.TimelineItem{ProfileId: out.actor.Id, ObjectURI: note.ID, ActivityURI: out.env.ID, Reason: domain.KindCreate}
	if err := e.store.CreateTimelineItem(ctx, item); err != nil {
		log.Printf("Outbox: Failed to add %s to own timeline: %v", note.ID, err)
	}
	out.deliver = true
	return nil
}

func (e *Engine) outboxUpdate(ctx context.Context, out *outbound) error {
	obj := out.env.Object
	if obj == nil || !obj.Embedded {
		return badRequest("update needs an embedded object")
	}

	switch {
	case domain.IsActorType(string(obj.Type)):
		if obj.ID != out.actorIRI {
			log.Error("Outbox: actor update for someone else", "actor", out.actorIRI, "object", obj.ID)
			return unauthorized("%s cannot update actor %s", out.actorIRI, obj.ID)
		}
		var doc ActorDocument
		if err := obj.Decode(&doc); err != nil {
			return badRequest("invalid actor: %v", err)
		}
		updated := *out.actor
		updated.DisplayName = doc.Name
		updated.Summary = doc.Summary
		updated.ManuallyApprovesFollowers = doc.ManuallyApprovesFollowers
		if err := e.store.UpdateProfile(ctx, &updated); err != nil {
			return storeErr(err, "profile")
		}
		*out.actor = updated

		var err error
		if out.env.Object, err = Embed(ActorDocumentFor(&updated, e.iris)); err != nil {
			return internal(err, "failed to encode actor")
		}
		if !hasAddressees(out.env) {
			out.env.To = IRIList{PublicCollection}
			out.env.Cc = IRIList{e.iris.Followers(updated.Username)}
		}

	case obj.Type.IsContent():
		var note Note
		if err := obj.Decode(&note); err != nil {
			return badRequest("invalid object: %v", err)
		}
		existing, err := e.store.ReadObjectByURI(ctx, note.ID)
		if err != nil {
			return storeErr(err, "object")
		}
		if existing.AttributedTo != out.actorIRI {
			log.Error("Outbox: update of an object owned by another actor", "actor", out.actorIRI, "owner", existing.AttributedTo)
			return unauthorized("%s does not own %s", out.actorIRI, note.ID)
		}
		if existing.State != domain.StateActive {
			return notFound("object %s was deleted", note.ID)
		}

		existing.Content = note.Content
		existing.Summary = note.Summary
		if len(note.To) > 0 || len(note.Cc) > 0 {
			existing.To, existing.Cc = note.To, note.Cc
		}
		existing.UpdatedAt = time.Now().UTC()
		rendered := noteFromObject(existing)
		raw, err := json.Marshal(rendered)
		if err != nil {
			return internal(err, "failed to encode object")
		}
		existing.RawJSON = string(raw)
		if err := e.store.UpdateObject(ctx, existing); err != nil {
			return storeErr(err, "object")
		}
		if out.env.Object, err = Embed(rendered); err != nil {
			return internal(err, "failed to encode object")
		}
		if !hasAddressees(out.env) {
			out.env.To, out.env.Cc = existing.To, existing.Cc
		}

	default:
		return unprocessable("cannot update %q", obj.Type)
	}

	if err := e.commit(ctx, out, "", ""); err != nil {
		return err
	}
	out.deliver = true
	return nil
}

func (e *Engine) outboxDelete(ctx context.Context, out *outbound) error {
	obj := out.env.Object
	if obj == nil || obj.ID == "" {
		return badRequest("delete must reference an object")
	}
	if obj.Embedded {
		return badRequest("delete object must be a bare reference")
	}
	existing, err := e.store.ReadObjectByURI(ctx, obj.ID)
	if err != nil {
		return storeErr(err, "object")
	}
	if existing.AttributedTo != out.actorIRI {
		log.Error("Outbox: delete of an object owned by another actor", "actor", out.actorIRI, "owner", existing.AttributedTo)
		return unauthorized("%s does not own %s", out.actorIRI, obj.ID)
	}
	if existing.State == domain.StateTombstoned {
		return notFound("object %s was already deleted", obj.ID)
	}

	tomb := &Tombstone{ID: existing.ObjectURI, Type: domain.KindTombstone, FormerType: existing.Kind, Deleted: out.env.Published}
	if out.env.Object, err = Embed(tomb); err != nil {
		return internal(err, "failed to encode tombstone")
	}
	if !hasAddressees(out.env) {
		out.env.To, out.env.Cc = existing.To, existing.Cc
	}
	if err := e.commit(ctx, out, "", ""); err != nil {
		return err
	}
	if err := e.tombstone(ctx, existing.ObjectURI); err != nil {
		return err
	}
	out.deliver = true
	return nil
}

// outboxRecordOnly stores Move, Remove and Add without delivering them
func (e *Engine) outboxRecordOnly(ctx context.Context, out *outbound) error {
	return e.commit(ctx, out, "", out.env.ObjectID())
}
