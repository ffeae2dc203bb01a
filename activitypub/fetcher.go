package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
)

const (
	maxFetchBody  = 1 << 20
	maxBackoff    = time.Hour
	actorCacheAge = 24 * time.Hour
)

// Backoff is the wait before retry number attempt+1: base, 2*base, 4*base ...
// capped at one hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Fetched is a remote document retrieved by the Fetcher. Exactly one of
// Actor and Object is set for known types; other documents only carry Raw.
type Fetched struct {
	Type   string
	Actor  *domain.RemoteActor
	Object *domain.Object
	Raw    []byte
}

// Fetcher retrieves remote actors and objects with signed GETs. Requests
// are signed by the acting profile, or by the system actor when none is given.
type Fetcher struct {
	client      *http.Client
	store       Store
	guard       *Blocklist
	iris        *IRIs
	systemActor string
	maxRetries  int
	base        time.Duration
	userAgent   string
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewFetcher(client *http.Client, store Store, guard *Blocklist, iris *IRIs, systemActor string, maxRetries int, base time.Duration, userAgent string) *Fetcher {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Fetcher{
		client:      client,
		store:       store,
		guard:       guard,
		iris:        iris,
		systemActor: systemActor,
		maxRetries:  maxRetries,
		base:        base,
		userAgent:   userAgent,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MaxRetries is the configured attempt ceiling for background fetches
func (f *Fetcher) MaxRetries() int {
	return f.maxRetries
}

// Fetch performs up to maxRetries signed GETs of iri. Before every attempt
// the origin is checked against the block list; a block aborts with
// ErrProhibited. Exhausting the attempts yields ErrTaskFailed.
func (f *Fetcher) Fetch(ctx context.Context, iri string, acting *domain.Profile, maxRetries int) (*Fetched, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	origin := domainOf(iri)
	if origin == "" {
		return nil, fmt.Errorf("%w: invalid IRI %q", ErrTaskFailed, iri)
	}
	if f.iris.IsLocal(iri) {
		return nil, fmt.Errorf("refusing to fetch local IRI %s", iri)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if f.guard != nil && f.guard.Blocked(origin) {
			return nil, fmt.Errorf("%w: %s", ErrProhibited, origin)
		}
		body, err := f.get(ctx, iri, acting)
		if err == nil {
			return f.decode(ctx, iri, body)
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) || attempt == maxRetries {
			break
		}
		wait := Backoff(f.base, attempt)
		log.Printf("Fetcher: %s failed (attempt %d/%d), retry in %s: %v", iri, attempt, maxRetries, wait, err)
		if err := f.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTaskFailed, err)
		}
	}
	log.Printf("Fetcher: Giving up on %s: %v", iri, lastErr)
	return nil, fmt.Errorf("%w: fetch %s: %v", ErrTaskFailed, iri, lastErr)
}

// FetchActor fetches and caches a remote actor
func (f *Fetcher) FetchActor(ctx context.Context, iri string, maxRetries int) (*domain.RemoteActor, error) {
	fetched, err := f.Fetch(ctx, iri, nil, maxRetries)
	if err != nil {
		return nil, err
	}
	if fetched.Actor == nil {
		return nil, fmt.Errorf("%s is a %s, not an actor", iri, fetched.Type)
	}
	return fetched.Actor, nil
}

// FetchObject fetches and stores a remote content object
func (f *Fetcher) FetchObject(ctx context.Context, iri string, maxRetries int) (*domain.Object, error) {
	fetched, err := f.Fetch(ctx, iri, nil, maxRetries)
	if err != nil {
		return nil, err
	}
	if fetched.Object == nil {
		return nil, fmt.Errorf("%s is a %s, not an object", iri, fetched.Type)
	}
	return fetched.Object, nil
}

// permanentError is a failure that retrying cannot fix
type permanentError struct {
	msg string
}

func (e *permanentError) Error() string {
	return e.msg
}

func (f *Fetcher) get(ctx context.Context, iri string, acting *domain.Profile) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri, nil)
	if err != nil {
		return nil, &permanentError{msg: err.Error()}
	}
	req.Header.Set("Accept", ContentType+", "+ActivityJSONType)
	req.Header.Set("User-Agent", f.userAgent)

	if acting == nil && f.systemActor != "" {
		acting, err = f.store.ReadProfileByUsername(ctx, f.systemActor)
		if err != nil {
			log.Warn("Fetcher: system actor unavailable, fetching unsigned", "err", err)
		}
	}
	if acting != nil {
		key, err := ParsePrivateKey(acting.PrivateKeyPem)
		if err != nil {
			return nil, err
		}
		if err := SignRequest(req, key, f.iris.KeyID(acting.Username), nil); err != nil {
			return nil, err
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return nil, fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	default:
		return nil, &permanentError{msg: fmt.Sprintf("remote server returned status: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// decode classifies and persists a fetched document. The document id must
// live on the same host it was fetched from.
func (f *Fetcher) decode(ctx context.Context, iri string, body []byte) (*Fetched, error) {
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", iri, err)
	}
	if head.ID == "" || !sameOrigin(head.ID, iri) {
		return nil, fmt.Errorf("document id %q does not match %s", head.ID, iri)
	}

	fetched := &Fetched{Type: head.Type, Raw: body}
	kind := domain.Kind(head.Type)
	switch {
	case domain.IsActorType(head.Type):
		var doc ActorDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
		}
		acc, err := remoteActorFromDocument(&doc)
		if err != nil {
			return nil, err
		}
		if err := f.store.UpsertRemoteActor(ctx, acc); err != nil {
			return nil, fmt.Errorf("failed to store remote actor: %w", err)
		}
		fetched.Actor = acc
	case kind.IsContent():
		var note Note
		if err := json.Unmarshal(body, &note); err != nil {
			return nil, fmt.Errorf("failed to parse object JSON: %w", err)
		}
		if !sameOrigin(string(note.AttributedTo), head.ID) {
			return nil, fmt.Errorf("object %s attributed to foreign actor %s", head.ID, note.AttributedTo)
		}
		obj := objectFromNote(&note, body, false)
		if err := upsertObject(ctx, f.store, obj); err != nil {
			return nil, err
		}
		fetched.Object = obj
	case kind == domain.KindTombstone:
		if err := f.store.TombstoneObject(ctx, head.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		fetched.Object = &domain.Object{ObjectURI: head.ID, Kind: domain.KindTombstone, State: domain.StateTombstoned}
	}
	return fetched, nil
}

// upsertObject creates obj or overwrites the stored copy's content
func upsertObject(ctx context.Context, store Store, obj *domain.Object) error {
	existing, err := store.ReadObjectByURI(ctx, obj.ObjectURI)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return store.CreateObject(ctx, obj)
	case err != nil:
		return err
	case existing.State != domain.StateActive:
		*obj = *existing
		return nil
	}
	obj.Id = existing.Id
	obj.CreatedAt = existing.CreatedAt
	return store.UpdateObject(ctx, obj)
}
