package activitypub

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/tusker/domain"
)

// ResolvedKey is a public key together with the actor that owns it
type ResolvedKey struct {
	KeyID    string
	OwnerURI string
	Key      *rsa.PublicKey
	Local    *domain.Profile // non-nil when the key belongs to a local profile

	resolvedAt time.Time
}

// KeyResolver maps a key id to a public key. Local keys come from profiles;
// remote keys from an in-memory cache, the remote actor table, and finally
// a signed fetch of the owning actor.
type KeyResolver struct {
	store   Store
	iris    *IRIs
	fetcher *Fetcher
	ttl     time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]*ResolvedKey
}

func NewKeyResolver(store Store, iris *IRIs, fetcher *Fetcher, ttl time.Duration) *KeyResolver {
	return &KeyResolver{
		store:   store,
		iris:    iris,
		fetcher: fetcher,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]*ResolvedKey),
	}
}

func (k *KeyResolver) Resolve(ctx context.Context, keyID string) (*ResolvedKey, error) {
	owner := KeyOwner(keyID)
	if username, ok := k.iris.LocalUsername(owner); ok {
		return k.resolveLocal(ctx, username, keyID)
	}

	if key := k.cached(keyID); key != nil {
		return key, nil
	}

	acc, err := k.store.ReadRemoteActorByKeyID(ctx, keyID)
	if errors.Is(err, domain.ErrNotFound) {
		return k.Refresh(ctx, keyID)
	}
	if err != nil {
		return nil, err
	}
	key, err := remoteKey(acc, keyID)
	if err != nil {
		return nil, err
	}
	k.remember(key)
	return key, nil
}

// Refresh re-fetches the actor that owns keyID, bypassing every cache
func (k *KeyResolver) Refresh(ctx context.Context, keyID string) (*ResolvedKey, error) {
	if k.iris.IsLocal(keyID) {
		return k.Resolve(ctx, keyID)
	}
	acc, err := k.fetcher.FetchActor(ctx, KeyOwner(keyID), 1)
	if err != nil {
		return nil, err
	}
	key, err := remoteKey(acc, keyID)
	if err != nil {
		return nil, err
	}
	k.remember(key)
	return key, nil
}

// Invalidate drops a cached key, e.g. after the owner sent an Update
func (k *KeyResolver) Invalidate(keyID string) {
	k.mu.Lock()
	delete(k.cache, keyID)
	k.mu.Unlock()
}

// InvalidateOwner drops every cached key of an actor
func (k *KeyResolver) InvalidateOwner(actorURI string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, key := range k.cache {
		if key.OwnerURI == actorURI {
			delete(k.cache, id)
		}
	}
}

func (k *KeyResolver) resolveLocal(ctx context.Context, username, keyID string) (*ResolvedKey, error) {
	if keyID != k.iris.KeyID(username) {
		return nil, fmt.Errorf("unknown local key %s", keyID)
	}
	p, err := k.store.ReadProfileByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("local actor %s: %w", username, err)
	}
	pub, err := ParsePublicKey(p.PublicKeyPem)
	if err != nil {
		return nil, err
	}
	return &ResolvedKey{KeyID: keyID, OwnerURI: k.iris.Actor(username), Key: pub, Local: p}, nil
}

// cached treats a contended lock as a miss
func (k *KeyResolver) cached(keyID string) *ResolvedKey {
	if !k.mu.TryRLock() {
		return nil
	}
	defer k.mu.RUnlock()
	key, ok := k.cache[keyID]
	if !ok || k.now().Sub(key.resolvedAt) > k.ttl {
		return nil
	}
	return key
}

func (k *KeyResolver) remember(key *ResolvedKey) {
	key.resolvedAt = k.now()
	k.mu.Lock()
	k.cache[key.KeyID] = key
	k.mu.Unlock()
}

func remoteKey(acc *domain.RemoteActor, keyID string) (*ResolvedKey, error) {
	if acc.PublicKeyID != "" && acc.PublicKeyID != keyID {
		return nil, fmt.Errorf("key %s is not owned by %s", keyID, acc.ActorURI)
	}
	pub, err := ParsePublicKey(acc.PublicKeyPem)
	if err != nil {
		return nil, err
	}
	return &ResolvedKey{KeyID: keyID, OwnerURI: acc.ActorURI, Key: pub}, nil
}
