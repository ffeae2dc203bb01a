package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
)

// Addressable is anything activities can be delivered to: a local profile
// or a cached remote actor.
type Addressable interface {
	IRI() string
	InboxURL() string
	// SharedInboxURL returns "" when the actor does not declare one
	SharedInboxURL() string
	PublicKeyPem() string
	IsLocal() bool
}

type localActor struct {
	profile *domain.Profile
	iris    *IRIs
}

func (a localActor) IRI() string            { return a.iris.Actor(a.profile.Username) }
func (a localActor) InboxURL() string       { return a.iris.Inbox(a.profile.Username) }
func (a localActor) SharedInboxURL() string { return a.iris.SharedInbox() }
func (a localActor) PublicKeyPem() string   { return a.profile.PublicKeyPem }
func (a localActor) IsLocal() bool          { return true }

type remoteActor struct {
	acc *domain.RemoteActor
}

func (a remoteActor) IRI() string            { return a.acc.ActorURI }
func (a remoteActor) InboxURL() string       { return a.acc.InboxURI }
func (a remoteActor) SharedInboxURL() string { return a.acc.SharedInboxURI }
func (a remoteActor) PublicKeyPem() string   { return a.acc.PublicKeyPem }
func (a remoteActor) IsLocal() bool          { return false }

// Directory looks actors up by IRI, local profiles first, then the remote
// actor cache, then the network.
type Directory struct {
	store   Store
	iris    *IRIs
	fetcher *Fetcher
}

func NewDirectory(store Store, iris *IRIs, fetcher *Fetcher) *Directory {
	return &Directory{store: store, iris: iris, fetcher: fetcher}
}

// Lookup resolves iri to an Addressable
func (d *Directory) Lookup(ctx context.Context, iri string) (Addressable, error) {
	if username, ok := d.iris.LocalUsername(iri); ok {
		p, err := d.store.ReadProfileByUsername(ctx, username)
		if err != nil {
			return nil, err
		}
		return localActor{profile: p, iris: d.iris}, nil
	}
	if d.iris.IsLocal(iri) {
		return nil, domain.ErrNotFound
	}
	acc, err := d.GetOrFetchActor(ctx, iri)
	if err != nil {
		return nil, err
	}
	return remoteActor{acc: acc}, nil
}

// LocalProfile returns the profile behind a local actor IRI
func (d *Directory) LocalProfile(ctx context.Context, iri string) (*domain.Profile, bool, error) {
	username, ok := d.iris.LocalUsername(iri)
	if !ok {
		return nil, false, nil
	}
	p, err := d.store.ReadProfileByUsername(ctx, username)
	if err != nil {
		return nil, true, err
	}
	return p, true, nil
}

// GetOrFetchActor returns actor from cache or fetches if not cached/stale.
// A stale copy is still returned when the refresh fails.
func (d *Directory) GetOrFetchActor(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	cached, err := d.store.ReadRemoteActorByURI(ctx, actorURI)
	if err == nil && time.Since(cached.LastFetchedAt) < actorCacheAge {
		return cached, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	fresh, fetchErr := d.fetcher.FetchActor(ctx, actorURI, 1)
	if fetchErr != nil {
		if cached != nil {
			log.Printf("Fetcher: Using stale copy of %s: %v", actorURI, fetchErr)
			return cached, nil
		}
		return nil, fetchErr
	}
	return fresh, nil
}

// remoteActorFromDocument validates and converts a fetched actor
func remoteActorFromDocument(doc *ActorDocument) (*domain.RemoteActor, error) {
	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}
	if doc.PublicKey.Owner != "" && doc.PublicKey.Owner != doc.ID {
		return nil, fmt.Errorf("actor %s publishes a key owned by %s", doc.ID, doc.PublicKey.Owner)
	}
	if _, err := ParsePublicKey(doc.PublicKey.PublicKeyPem); err != nil {
		return nil, err
	}
	acc := &domain.RemoteActor{
		ActorURI:      doc.ID,
		Username:      doc.PreferredUsername,
		Domain:        domainOf(doc.ID),
		DisplayName:   doc.Name,
		Summary:       doc.Summary,
		InboxURI:      doc.Inbox,
		OutboxURI:     doc.Outbox,
		FollowersURI:  doc.Followers,
		PublicKeyID:   doc.PublicKey.ID,
		PublicKeyPem:  doc.PublicKey.PublicKeyPem,
		AvatarURL:     doc.IconURL(),
		LastFetchedAt: time.Now().UTC(),
	}
	if doc.Endpoints != nil {
		acc.SharedInboxURI = doc.Endpoints.SharedInbox
	}
	return acc, nil
}

// ActorDocumentFor renders a local profile as an ActivityPub actor
func ActorDocumentFor(p *domain.Profile, iris *IRIs) *ActorDocument {
	actorType := "Person"
	if p.System {
		actorType = "Application"
	}
	return &ActorDocument{
		Context:                   []string{ContextActivityStreams, ContextSecurity},
		ID:                        iris.Actor(p.Username),
		Type:                      actorType,
		PreferredUsername:         p.Username,
		Name:                      p.DisplayName,
		Summary:                   p.Summary,
		Inbox:                     iris.Inbox(p.Username),
		Outbox:                    iris.Outbox(p.Username),
		Followers:                 iris.Followers(p.Username),
		Following:                 iris.Following(p.Username),
		ManuallyApprovesFollowers: p.ManuallyApprovesFollowers,
		Endpoints:                 &Endpoints{SharedInbox: iris.SharedInbox()},
		PublicKey: PublicKey{
			ID:           iris.KeyID(p.Username),
			Owner:        iris.Actor(p.Username),
			PublicKeyPem: p.PublicKeyPem,
		},
		Published: formatTime(p.CreatedAt),
	}
}

// objectFromNote converts a wire object to its stored form. Addressing
// missing on the object itself falls back to nothing; callers merge the
// activity's audience where that applies.
func objectFromNote(n *Note, raw []byte, local bool) *domain.Object {
	conversation := n.Conversation
	if conversation == "" {
		conversation = string(n.InReplyTo)
	}
	return &domain.Object{
		ObjectURI:       n.ID,
		Kind:            n.Type,
		AttributedTo:    string(n.AttributedTo),
		Content:         n.Content,
		Summary:         n.Summary,
		InReplyToURI:    string(n.InReplyTo),
		ConversationURI: conversation,
		To:              []string(n.To),
		Cc:              []string(n.Cc),
		Local:           local,
		RawJSON:         string(raw),
		Published:       parseTime(n.Published),
	}
}

// noteFromObject renders a stored object for the wire
func noteFromObject(o *domain.Object) any {
	if o.State == domain.StateTombstoned {
		return &Tombstone{
			Context: ContextActivityStreams,
			ID:      o.ObjectURI,
			Type:    domain.KindTombstone,
			Deleted: formatTime(o.UpdatedAt),
		}
	}
	n := &Note{
		Context:      ContextActivityStreams,
		ID:           o.ObjectURI,
		Type:         o.Kind,
		AttributedTo: IRI(o.AttributedTo),
		Content:      o.Content,
		Summary:      o.Summary,
		InReplyTo:    IRI(o.InReplyToURI),
		Conversation: o.ConversationURI,
		To:           IRIList(o.To),
		Cc:           IRIList(o.Cc),
		Published:    formatTime(o.Published),
	}
	if o.UpdatedAt.After(o.CreatedAt) {
		n.Updated = formatTime(o.UpdatedAt)
	}
	return n
}

// ObjectJSON returns the JSON served for a stored object
func ObjectJSON(o *domain.Object) ([]byte, error) {
	return json.Marshal(noteFromObject(o))
}
