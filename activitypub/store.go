package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Store is the persistence contract the federation engine consumes.
// It is implemented by *db.DB.
type Store interface {
	Ping(ctx context.Context) error

	CreateProfile(ctx context.Context, p *domain.Profile) error
	ReadProfileByUsername(ctx context.Context, username string) (*domain.Profile, error)
	ReadProfileById(ctx context.Context, id uuid.UUID) (*domain.Profile, error)
	UpdateProfile(ctx context.Context, p *domain.Profile) error

	UpsertRemoteActor(ctx context.Context, acc *domain.RemoteActor) error
	ReadRemoteActorByURI(ctx context.Context, uri string) (*domain.RemoteActor, error)
	ReadRemoteActorByKeyID(ctx context.Context, keyID string) (*domain.RemoteActor, error)
	DeleteRemoteActor(ctx context.Context, uri string) error
	ReadStaleRemoteActors(ctx context.Context, olderThan time.Time, limit int) ([]domain.RemoteActor, error)

	CreateActivity(ctx context.Context, a *domain.Activity) error
	ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error)
	UpdateActivityState(ctx context.Context, uri string, state domain.LifecycleState) error
	ReadActivitiesByObjectURI(ctx context.Context, objectURI string) ([]domain.Activity, error)
	ReadOutboxActivities(ctx context.Context, actorURI string, limit, offset int) ([]domain.Activity, error)
	CountOutboxActivities(ctx context.Context, actorURI string) (int, error)

	CreateObject(ctx context.Context, o *domain.Object) error
	ReadObjectByURI(ctx context.Context, uri string) (*domain.Object, error)
	UpdateObject(ctx context.Context, o *domain.Object) error
	TombstoneObject(ctx context.Context, uri string) error
	ReadPublicObjectsByAuthor(ctx context.Context, actorURI string, limit int) ([]domain.Object, error)

	CreateFollow(ctx context.Context, f *domain.Follow) error
	ReadFollowByActivityURI(ctx context.Context, activityURI string) (*domain.Follow, error)
	ReadFollowByPair(ctx context.Context, followerURI, leaderURI string) (*domain.Follow, error)
	UpdateFollowState(ctx context.Context, activityURI string, state domain.FollowState) error
	DeleteFollowByActivityURI(ctx context.Context, activityURI string) error
	DeleteFollowsByActorURI(ctx context.Context, actorURI string) error
	ReadFollowers(ctx context.Context, leaderURI string) ([]domain.Follow, error)
	ReadFollowing(ctx context.Context, followerURI string) ([]domain.Follow, error)

	TouchInstance(ctx context.Context, domainName string, seenAt time.Time) error
	SetInstanceBlocked(ctx context.Context, domainName string, blocked bool) error
	ReadBlockedDomains(ctx context.Context) ([]string, error)

	CreateTimelineItem(ctx context.Context, item *domain.TimelineItem) error
	DeleteTimelineItemsByObjectURI(ctx context.Context, objectURI string) error
	DeleteTimelineItemsByActivityURI(ctx context.Context, activityURI string) error

	EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error
	ReadPendingDeliveries(ctx context.Context, t time.Time, limit int) ([]domain.DeliveryQueueItem, error)
	ClaimDelivery(ctx context.Context, id uuid.UUID, now, until time.Time) error
	UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, lastErr string, nextRetry time.Time) error
	DeleteDelivery(ctx context.Context, id uuid.UUID) error
	CountDeliveries(ctx context.Context) (int, error)
}
