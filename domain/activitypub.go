package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by the persistence layer when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key (IRI, follower/leader pair, ...) already exists
	ErrDuplicate = errors.New("record already exists")
)

// PublicAddresses are the spellings of the ActivityStreams public
// collection; the first one is canonical
var PublicAddresses = []string{"https://www.w3.org/ns/activitystreams#Public", "as:Public", "Public"}

// Kind is the ActivityStreams type of an activity or object
type Kind string

const (
	KindFollow   Kind = "Follow"
	KindAccept   Kind = "Accept"
	KindReject   Kind = "Reject"
	KindUndo     Kind = "Undo"
	KindLike     Kind = "Like"
	KindAnnounce Kind = "Announce"
	KindCreate   Kind = "Create"
	KindUpdate   Kind = "Update"
	KindDelete   Kind = "Delete"
	KindMove     Kind = "Move"
	KindRemove   Kind = "Remove"
	KindAdd      Kind = "Add"

	KindNote      Kind = "Note"
	KindArticle   Kind = "Article"
	KindQuestion  Kind = "Question"
	KindTombstone Kind = "Tombstone"
)

// ActivityKinds lists every verb the federation engine dispatches on
var ActivityKinds = []Kind{
	KindFollow, KindAccept, KindReject, KindUndo, KindLike, KindAnnounce,
	KindCreate, KindUpdate, KindDelete, KindMove, KindRemove, KindAdd,
}

// IsActivity reports whether k is one of the handled verbs
func (k Kind) IsActivity() bool {
	for _, v := range ActivityKinds {
		if v == k {
			return true
		}
	}
	return false
}

// IsContent reports whether k is an object kind that can be carried by Create
func (k Kind) IsContent() bool {
	return k == KindNote || k == KindArticle || k == KindQuestion
}

// IsActorType reports whether an ActivityStreams type names an actor
func IsActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// LifecycleState replaces independent revoked/deleted flags on activities and objects
type LifecycleState uint8

const (
	StateActive LifecycleState = iota
	StateRevoked
	StateTombstoned
)

func (s LifecycleState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRevoked:
		return "revoked"
	case StateTombstoned:
		return "tombstoned"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// Records never return to Active.
func (s LifecycleState) CanTransition(next LifecycleState) bool {
	switch s {
	case StateActive:
		return next == StateRevoked || next == StateTombstoned
	case StateRevoked:
		return next == StateTombstoned
	default:
		return false
	}
}

// FollowState tracks a follow relationship; undone relationships are deleted
type FollowState uint8

const (
	FollowPending FollowState = iota
	FollowAccepted
	FollowRejected
)

func (s FollowState) String() string {
	switch s {
	case FollowPending:
		return "pending"
	case FollowAccepted:
		return "accepted"
	case FollowRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// RemoteActor represents a cached federated actor
type RemoteActor struct {
	Id             uuid.UUID
	ActorURI       string
	Username       string
	Domain         string
	DisplayName    string
	Summary        string
	InboxURI       string
	OutboxURI      string
	FollowersURI   string
	SharedInboxURI string
	PublicKeyID    string
	PublicKeyPem   string
	AvatarURL      string
	LastFetchedAt  time.Time
}

// Follow represents a follow relationship between two actor IRIs (local or remote)
type Follow struct {
	Id          uuid.UUID
	FollowerURI string
	LeaderURI   string
	ActivityURI string // the Follow activity that created the relationship
	State       FollowState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Activity represents a federated action record
type Activity struct {
	Id                uuid.UUID
	ActivityURI       string
	Kind              Kind
	ActorURI          string
	ObjectURI         string // target object or actor reference
	TargetActivityURI string // Accept/Reject/Undo target
	TargetActorURI    string
	State             LifecycleState
	RawJSON           string
	Local             bool // true if originated from this server
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Active reports whether the activity has been neither revoked nor tombstoned
func (a *Activity) Active() bool {
	return a.State == StateActive
}

// Object is a content entity (Note, Article, Question, Tombstone)
type Object struct {
	Id              uuid.UUID
	ObjectURI       string
	Kind            Kind
	AttributedTo    string
	Content         string
	Summary         string
	InReplyToURI    string
	ConversationURI string
	To              []string
	Cc              []string
	State           LifecycleState
	Local           bool
	RawJSON         string
	Published       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Instance is per-remote-domain metadata
type Instance struct {
	Domain     string
	Blocked    bool
	LastSeenAt time.Time
	CreatedAt  time.Time
}

// TimelineItem is a materialized per-recipient fan-out row
type TimelineItem struct {
	Id          uuid.UUID
	ProfileId   uuid.UUID
	ObjectURI   string
	ActivityURI string
	Reason      Kind // Create, Announce or Like
	CreatedAt   time.Time
}

// DeliveryQueueItem represents a failed delivery waiting for the retry sweep
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActivityURI  string
	SenderURI    string
	ActivityJSON string // The complete activity to deliver
	Attempts     int
	LastError    string
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
