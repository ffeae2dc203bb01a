package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/deemkeen/tusker/domain"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"

	// PublicCollection is the special "everyone" addressee
	PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

	// ContentType is sent on every outbound federated request
	ContentType      = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	ActivityJSONType = "application/activity+json"
)

// IsPublic reports whether iri names the public collection in any of its spellings
func IsPublic(iri string) bool {
	return slices.Contains(domain.PublicAddresses, iri)
}

// IRI is a single reference that may arrive as a string, an embedded object
// with an id, or an array whose first element is used.
type IRI string

func (i *IRI) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*i = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = IRI(s)
	case '{':
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*i = IRI(obj.ID)
	case '[':
		var list IRIList
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*i = ""
		if len(list) > 0 {
			*i = IRI(list[0])
		}
	default:
		return fmt.Errorf("unexpected IRI value %s", b)
	}
	return nil
}

// IRIList decodes an addressing property that may be a single IRI or an array
// of IRIs or embedded objects.
type IRIList []string

func (s *IRIList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] != '[' {
		var one IRI
		if err := one.UnmarshalJSON(b); err != nil {
			return err
		}
		*s = nil
		if one != "" {
			*s = IRIList{string(one)}
		}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(IRIList, 0, len(raw))
	for _, r := range raw {
		var one IRI
		if err := one.UnmarshalJSON(r); err != nil {
			return err
		}
		if one != "" {
			out = append(out, string(one))
		}
	}
	*s = out
	return nil
}

// ObjectRef is the object (or target) of an activity: either a bare IRI or
// an embedded object kept verbatim in Raw.
type ObjectRef struct {
	ID       string
	Type     domain.Kind
	Raw      json.RawMessage
	Embedded bool
}

// Ref builds a bare reference
func Ref(iri string) *ObjectRef {
	return &ObjectRef{ID: iri}
}

// Embed builds an embedded reference from any JSON-encodable object
func Embed(v any) (*ObjectRef, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	ref := &ObjectRef{}
	if err := ref.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return ref, nil
}

func (o *ObjectRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*o = ObjectRef{}
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*o = ObjectRef{ID: s}
	case b[0] == '{':
		var head struct {
			ID   string      `json:"id"`
			Type domain.Kind `json:"type"`
		}
		if err := json.Unmarshal(b, &head); err != nil {
			return err
		}
		*o = ObjectRef{ID: head.ID, Type: head.Type, Raw: append(json.RawMessage(nil), b...), Embedded: true}
	default:
		return fmt.Errorf("object must be an IRI or an embedded object")
	}
	return nil
}

func (o ObjectRef) MarshalJSON() ([]byte, error) {
	if o.Embedded {
		return o.Raw, nil
	}
	return json.Marshal(o.ID)
}

// Decode unmarshals the embedded object into v
func (o *ObjectRef) Decode(v any) error {
	if !o.Embedded {
		return fmt.Errorf("object %s is not embedded", o.ID)
	}
	return json.Unmarshal(o.Raw, v)
}

// Envelope is an activity as it travels on the wire
type Envelope struct {
	Context   any         `json:"@context,omitempty"`
	ID        string      `json:"id,omitempty"`
	Type      domain.Kind `json:"type"`
	Actor     IRI         `json:"actor"`
	Object    *ObjectRef  `json:"object,omitempty"`
	Target    *ObjectRef  `json:"target,omitempty"`
	To        IRIList     `json:"to,omitempty"`
	Cc        IRIList     `json:"cc,omitempty"`
	Bto       IRIList     `json:"bto,omitempty"`
	Bcc       IRIList     `json:"bcc,omitempty"`
	Audience  IRIList     `json:"audience,omitempty"`
	Published string      `json:"published,omitempty"`
}

// Addressees returns every addressee of the activity, blind copies included
func (e *Envelope) Addressees() []string {
	var all []string
	for _, list := range []IRIList{e.To, e.Cc, e.Bto, e.Bcc, e.Audience} {
		all = append(all, list...)
	}
	return all
}

// ObjectID returns the object's IRI or "" if there is no object
func (e *Envelope) ObjectID() string {
	if e.Object == nil {
		return ""
	}
	return e.Object.ID
}

// ParseEnvelope decodes raw JSON into an Envelope
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Note covers the content kinds carried by Create (Note, Article, Question)
type Note struct {
	Context      any         `json:"@context,omitempty"`
	ID           string      `json:"id"`
	Type         domain.Kind `json:"type"`
	AttributedTo IRI         `json:"attributedTo"`
	Name         string      `json:"name,omitempty"`
	Content      string      `json:"content"`
	Summary      string      `json:"summary,omitempty"`
	InReplyTo    IRI         `json:"inReplyTo,omitempty"`
	Conversation string      `json:"conversation,omitempty"`
	To           IRIList     `json:"to,omitempty"`
	Cc           IRIList     `json:"cc,omitempty"`
	Published    string      `json:"published,omitempty"`
	Updated      string      `json:"updated,omitempty"`
	URL          string      `json:"url,omitempty"`
}

// Tombstone replaces a deleted object
type Tombstone struct {
	Context    any         `json:"@context,omitempty"`
	ID         string      `json:"id"`
	Type       domain.Kind `json:"type"`
	FormerType domain.Kind `json:"formerType,omitempty"`
	Deleted    string      `json:"deleted,omitempty"`
}

// PublicKey is the security vocabulary key block of an actor
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type Image struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

// ActorDocument represents the JSON structure of an ActivityPub actor
type ActorDocument struct {
	Context                   any             `json:"@context,omitempty"`
	ID                        string          `json:"id"`
	Type                      string          `json:"type"`
	PreferredUsername         string          `json:"preferredUsername"`
	Name                      string          `json:"name,omitempty"`
	Summary                   string          `json:"summary,omitempty"`
	Inbox                     string          `json:"inbox"`
	Outbox                    string          `json:"outbox,omitempty"`
	Followers                 string          `json:"followers,omitempty"`
	Following                 string          `json:"following,omitempty"`
	ManuallyApprovesFollowers bool            `json:"manuallyApprovesFollowers"`
	Endpoints                 *Endpoints      `json:"endpoints,omitempty"`
	Icon                      json.RawMessage `json:"icon,omitempty"`
	PublicKey                 PublicKey       `json:"publicKey"`
	Published                 string          `json:"published,omitempty"`
}

// IconURL extracts the avatar URL; icon may be an Image or a list of Images
func (a *ActorDocument) IconURL() string {
	if len(a.Icon) == 0 {
		return ""
	}
	var one Image
	if err := json.Unmarshal(a.Icon, &one); err == nil {
		return one.URL
	}
	var many []Image
	if err := json.Unmarshal(a.Icon, &many); err == nil && len(many) > 0 {
		return many[0].URL
	}
	return ""
}

// OrderedCollection is used for outbox, followers and following
type OrderedCollection struct {
	Context      any               `json:"@context,omitempty"`
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	TotalItems   int               `json:"totalItems"`
	First        string            `json:"first,omitempty"`
	Last         string            `json:"last,omitempty"`
	OrderedItems []json.RawMessage `json:"orderedItems,omitempty"`
}

type OrderedCollectionPage struct {
	Context      any               `json:"@context,omitempty"`
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	PartOf       string            `json:"partOf"`
	TotalItems   int               `json:"totalItems"`
	Next         string            `json:"next,omitempty"`
	Prev         string            `json:"prev,omitempty"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
