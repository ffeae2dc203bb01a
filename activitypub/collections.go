package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deemkeen/tusker/domain"
)

const outboxPageSize = 20

// OutboxCollection renders a local actor's outbox. Page 0 is the collection
// summary; pages start at 1 and list the newest activities first.
func (e *Engine) OutboxCollection(ctx context.Context, username string, page int) (any, error) {
	if _, err := e.store.ReadProfileByUsername(ctx, username); err != nil {
		return nil, storeErr(err, "actor")
	}
	actorIRI := e.iris.Actor(username)
	id := e.iris.Outbox(username)

	total, err := e.store.CountOutboxActivities(ctx, actorIRI)
	if err != nil {
		return nil, storeErr(err, "outbox")
	}
	if page < 1 {
		last := (total + outboxPageSize - 1) / outboxPageSize
		if last < 1 {
			last = 1
		}
		return &OrderedCollection{
			Context:    ContextActivityStreams,
			ID:         id,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      fmt.Sprintf("%s?page=1", id),
			Last:       fmt.Sprintf("%s?page=%d", id, last),
		}, nil
	}

	acts, err := e.store.ReadOutboxActivities(ctx, actorIRI, outboxPageSize, (page-1)*outboxPageSize)
	if err != nil {
		return nil, storeErr(err, "outbox")
	}
	items := make([]json.RawMessage, 0, len(acts))
	for _, a := range acts {
		if !publicActivity(&a) {
			continue
		}
		items = append(items, json.RawMessage(a.RawJSON))
	}

	p := &OrderedCollectionPage{
		Context:      ContextActivityStreams,
		ID:           fmt.Sprintf("%s?page=%d", id, page),
		Type:         "OrderedCollectionPage",
		PartOf:       id,
		TotalItems:   total,
		OrderedItems: items,
	}
	if page*outboxPageSize < total {
		p.Next = fmt.Sprintf("%s?page=%d", id, page+1)
	}
	if page > 1 {
		p.Prev = fmt.Sprintf("%s?page=%d", id, page-1)
	}
	return p, nil
}

// publicActivity reports whether an outbox entry may be shown to anyone
func publicActivity(a *domain.Activity) bool {
	env, err := ParseEnvelope([]byte(a.RawJSON))
	if err != nil {
		return false
	}
	for _, addressee := range env.Addressees() {
		if IsPublic(addressee) {
			return true
		}
	}
	return false
}

// FollowersCollection lists the accepted followers of a local actor
func (e *Engine) FollowersCollection(ctx context.Context, username string) (*OrderedCollection, error) {
	if _, err := e.store.ReadProfileByUsername(ctx, username); err != nil {
		return nil, storeErr(err, "actor")
	}
	follows, err := e.store.ReadFollowers(ctx, e.iris.Actor(username))
	if err != nil {
		return nil, storeErr(err, "followers")
	}
	return iriCollection(e.iris.Followers(username), follows, func(f domain.Follow) string { return f.FollowerURI }), nil
}

// FollowingCollection lists the actors a local actor follows
func (e *Engine) FollowingCollection(ctx context.Context, username string) (*OrderedCollection, error) {
	if _, err := e.store.ReadProfileByUsername(ctx, username); err != nil {
		return nil, storeErr(err, "actor")
	}
	follows, err := e.store.ReadFollowing(ctx, e.iris.Actor(username))
	if err != nil {
		return nil, storeErr(err, "following")
	}
	return iriCollection(e.iris.Following(username), follows, func(f domain.Follow) string { return f.LeaderURI }), nil
}

func iriCollection(id string, follows []domain.Follow, pick func(domain.Follow) string) *OrderedCollection {
	items := make([]json.RawMessage, 0, len(follows))
	for _, f := range follows {
		raw, err := json.Marshal(pick(f))
		if err != nil {
			continue
		}
		items = append(items, raw)
	}
	return &OrderedCollection{
		Context:      ContextActivityStreams,
		ID:           id,
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	}
}

// LocalActivity returns the stored JSON of a local activity that viewer may
// read. viewer is the verified actor of the request, "" when unsigned.
func (e *Engine) LocalActivity(ctx context.Context, iri, viewer string) ([]byte, error) {
	act, err := e.store.ReadActivityByURI(ctx, iri)
	if err != nil {
		return nil, storeErr(err, "activity")
	}
	if !act.Local || !act.Active() {
		return nil, notFound("activity %s not found", iri)
	}
	env, err := ParseEnvelope([]byte(act.RawJSON))
	if err != nil {
		return nil, internal(err, "failed to decode stored activity")
	}
	ok, err := e.visibleTo(ctx, act.ActorURI, env.Addressees(), viewer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("activity %s not found", iri)
	}
	return []byte(act.RawJSON), nil
}

// LocalObject returns the JSON of a local object that viewer may read;
// deleted objects render as a Tombstone. Objects hidden from viewer are
// reported as missing.
func (e *Engine) LocalObject(ctx context.Context, iri, viewer string) ([]byte, *domain.Object, error) {
	obj, err := e.store.ReadObjectByURI(ctx, iri)
	if err != nil {
		return nil, nil, storeErr(err, "object")
	}
	if !obj.Local {
		return nil, nil, notFound("object %s not found", iri)
	}
	ok, err := e.visibleTo(ctx, obj.AttributedTo, objectAddressees(obj), viewer)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, notFound("object %s not found", iri)
	}
	raw, err := ObjectJSON(obj)
	if err != nil {
		return nil, nil, internal(err, "failed to encode object")
	}
	return raw, obj, nil
}

func objectAddressees(obj *domain.Object) []string {
	all := append(append([]string{}, obj.To...), obj.Cc...)
	var extra struct {
		Audience IRIList `json:"audience"`
	}
	if obj.RawJSON != "" && json.Unmarshal([]byte(obj.RawJSON), &extra) == nil {
		all = append(all, extra.Audience...)
	}
	return all
}

// visibleTo decides whether viewer may read something author addressed to
// addressees: public items are readable by anyone, the rest only by the
// author, a direct addressee, or an accepted follower when the author's
// followers collection is addressed.
func (e *Engine) visibleTo(ctx context.Context, author string, addressees []string, viewer string) (bool, error) {
	followers := ""
	if username, ok := e.iris.LocalUsername(author); ok {
		followers = e.iris.Followers(username)
	}
	toFollowers := false
	for _, a := range addressees {
		switch {
		case IsPublic(a):
			return true, nil
		case viewer != "" && a == viewer:
			return true, nil
		case followers != "" && a == followers:
			toFollowers = true
		}
	}
	if viewer == "" {
		return false, nil
	}
	if viewer == author {
		return true, nil
	}
	if !toFollowers {
		return false, nil
	}
	f, err := e.store.ReadFollowByPair(ctx, viewer, author)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeErr(err, "follow")
	}
	return f.State == domain.FollowAccepted, nil
}
