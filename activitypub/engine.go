package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/tasks"
)

// Task names registered on the runner
const (
	TaskDeliver     = "deliver"
	TaskFetchObject = "fetch-object"
)

const staleActorBatch = 50

// Config carries the engine settings, usually derived from util.AppConfig
type Config struct {
	Scheme              string
	Domain              string
	SystemActor         string
	FetchMaxRetries     int
	FetchBackoffBase    time.Duration
	DeliveryConcurrency int
	DeliveryTimeout     time.Duration
	SignatureMaxSkew    time.Duration
	KeyCacheTTL         time.Duration
	BlocklistFailOpen   bool
	UserAgent           string
}

type engineOptions struct {
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customises NewEngine
type Option func(*engineOptions)

// WithHTTPClient replaces the client used for fetches and deliveries
func WithHTTPClient(c *http.Client) Option {
	return func(o *engineOptions) { o.client = c }
}

// WithSleep replaces the wait between fetch retries
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *engineOptions) { o.sleep = fn }
}

// Engine ties together verification, the inbox and outbox state machines,
// delivery and background fetches.
type Engine struct {
	conf     Config
	store    Store
	runner   *tasks.Runner
	iris     *IRIs
	guard    *Blocklist
	keys     *KeyResolver
	verifier *Verifier
	fetcher  *Fetcher
	dir      *Directory
	resolver *Resolver
	sender   *Sender
}

func NewEngine(store Store, runner *tasks.Runner, conf Config, opts ...Option) *Engine {
	o := engineOptions{client: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}
	if conf.KeyCacheTTL <= 0 {
		conf.KeyCacheTTL = time.Hour
	}

	iris := NewIRIs(conf.Scheme, conf.Domain)
	guard := NewBlocklist(conf.BlocklistFailOpen)
	fetcher := NewFetcher(o.client, store, guard, iris, conf.SystemActor, conf.FetchMaxRetries, conf.FetchBackoffBase, conf.UserAgent)
	if o.sleep != nil {
		fetcher.sleep = o.sleep
	}
	keys := NewKeyResolver(store, iris, fetcher, conf.KeyCacheTTL)
	dir := NewDirectory(store, iris, fetcher)

	e := &Engine{
		conf:     conf,
		store:    store,
		runner:   runner,
		iris:     iris,
		guard:    guard,
		keys:     keys,
		verifier: NewVerifier(keys, store, conf.SignatureMaxSkew),
		fetcher:  fetcher,
		dir:      dir,
		resolver: NewResolver(store, iris, dir),
		sender:   NewSender(o.client, store, iris, guard, conf.DeliveryConcurrency, conf.DeliveryTimeout, conf.UserAgent),
	}
	e.sender.SetLocalReceiver(e)

	runner.Register(TaskDeliver, e.deliverTask)
	runner.Register(TaskFetchObject, e.fetchObjectTask)
	return e
}

func (e *Engine) Verifier() *Verifier   { return e.verifier }
func (e *Engine) Blocklist() *Blocklist { return e.guard }
func (e *Engine) IRIs() *IRIs           { return e.iris }
func (e *Engine) Sender() *Sender       { return e.sender }
func (e *Engine) Fetcher() *Fetcher     { return e.fetcher }
func (e *Engine) Directory() *Directory { return e.dir }
func (e *Engine) Store() Store          { return e.store }
func (e *Engine) Runner() *tasks.Runner { return e.runner }
func (e *Engine) Resolver() *Resolver   { return e.resolver }

// LoadBlocklist fills the access guard from the instance table
func (e *Engine) LoadBlocklist(ctx context.Context) error {
	return e.guard.Load(ctx, e.store)
}

// BlockInstance persists the block and adds domainName to the access guard
func (e *Engine) BlockInstance(ctx context.Context, domainName string) error {
	return e.guard.Block(ctx, e.store, domainName)
}

func (e *Engine) UnblockInstance(ctx context.Context, domainName string) error {
	return e.guard.Unblock(ctx, e.store, domainName)
}

// schedule hands an activity to the delivery task. Blind addressees travel
// as task arguments because they are stripped from the stored body.
func (e *Engine) schedule(activityURI, username string, blind []string) {
	args := append([]string{activityURI, username}, blind...)
	if err := e.runner.Dispatch(TaskDeliver, args...); err != nil {
		log.Printf("Outbox: Failed to schedule delivery of %s: %v", activityURI, err)
	}
}

// deliverTask args: activity IRI, sender username, extra addressees...
func (e *Engine) deliverTask(ctx context.Context, res tasks.Resources, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("deliver: expected activity and sender, got %v", args)
	}
	act, err := res.Pool.ReadActivityByURI(ctx, args[0])
	if err != nil {
		return fmt.Errorf("deliver: reading %s: %w", args[0], err)
	}
	sender, err := res.Pool.ReadProfileByUsername(ctx, args[1])
	if err != nil {
		return fmt.Errorf("deliver: reading sender %s: %w", args[1], err)
	}
	env, err := ParseEnvelope([]byte(act.RawJSON))
	if err != nil {
		return fmt.Errorf("deliver: parsing %s: %w", act.ActivityURI, err)
	}

	addressees := append(env.Addressees(), args[2:]...)
	dests := e.resolver.ResolveInboxes(ctx, addressees, sender)
	if len(dests) == 0 {
		log.Printf("Delivery: No recipients for %s", act.ActivityURI)
		return nil
	}
	e.sender.DeliverAll(ctx, act.ActivityURI, []byte(act.RawJSON), sender, dests)
	return nil
}

// fetchObjectTask args: object IRI, activity IRI, recipient username (optional).
// It hydrates the object an Announce points at and then fans the
// announce out to local timelines.
func (e *Engine) fetchObjectTask(ctx context.Context, res tasks.Resources, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("fetch-object: expected object and activity, got %v", args)
	}
	if _, err := e.fetcher.FetchObject(ctx, args[0], e.fetcher.MaxRetries()); err != nil {
		return err
	}

	act, err := res.Pool.ReadActivityByURI(ctx, args[1])
	if err != nil {
		return fmt.Errorf("fetch-object: reading %s: %w", args[1], err)
	}
	if !act.Active() {
		return nil
	}
	env, err := ParseEnvelope([]byte(act.RawJSON))
	if err != nil {
		return err
	}
	in := &inbound{env: env}
	if len(args) > 2 && args[2] != "" {
		if p, err := res.Pool.ReadProfileByUsername(ctx, args[2]); err == nil {
			in.recipient = p
		}
	}
	e.fanOut(ctx, in, args[0], act.Kind)
	return nil
}

// RefreshStaleActors refetches cached remote actors older than a day
func (e *Engine) RefreshStaleActors(ctx context.Context) error {
	stale, err := e.store.ReadStaleRemoteActors(ctx, time.Now().Add(-actorCacheAge), staleActorBatch)
	if err != nil {
		return fmt.Errorf("failed to read stale actors: %w", err)
	}
	refreshed := 0
	for _, acc := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.fetcher.FetchActor(ctx, acc.ActorURI, 1); err != nil {
			log.Printf("Fetcher: Failed to refresh %s: %v", acc.ActorURI, err)
			continue
		}
		e.keys.InvalidateOwner(acc.ActorURI)
		refreshed++
	}
	if len(stale) > 0 {
		log.Printf("Fetcher: Refreshed %d of %d stale actors", refreshed, len(stale))
	}
	return nil
}

// RetryDeliveries runs one pass of the delivery queue sweep
func (e *Engine) RetryDeliveries(ctx context.Context) error {
	return e.sender.RetryDeliveries(ctx)
}

// ReceiveLocal applies an activity from a local outbox to a local inbox.
// The activity is already stored, so only the recipient side effects run.
func (e *Engine) ReceiveLocal(ctx context.Context, recipient, sender *domain.Profile, body []byte) error {
	env, err := ParseEnvelope(body)
	if err != nil {
		return badRequest("invalid activity: %v", err)
	}
	handler := e.inboundHandler(env.Type)
	if handler == nil {
		return unprocessable("unsupported activity type %q", env.Type)
	}
	log.Printf("Inbox: Local %s from %s to %s", env.Type, sender.Username, recipient.Username)
	err = handler(ctx, &inbound{env: env, body: body, recipient: recipient, local: true})
	if errors.Is(err, errAlreadySeen) {
		return nil
	}
	return err
}

// fanOut materialises timeline rows for the local profiles an inbound
// activity reaches
func (e *Engine) fanOut(ctx context.Context, in *inbound, objectURI string, reason domain.Kind) {
	for _, p := range e.localRecipients(ctx, in) {
		item := &domain.TimelineItem{
			ProfileId:   p.Id,
			ObjectURI:   objectURI,
			ActivityURI: in.env.ID,
			Reason:      reason,
		}
		if err := e.store.CreateTimelineItem(ctx, item); err != nil {
			log.Printf("Inbox: Failed to add %s to %s's timeline: %v", objectURI, p.Username, err)
		}
	}
}

// localRecipients returns the recipient of a per-actor inbox, local actors
// addressed directly, and local followers of the sender when the activity
// is public or addressed to the sender's followers. In-process deliveries
// only reach their recipient.
func (e *Engine) localRecipients(ctx context.Context, in *inbound) []*domain.Profile {
	seen := make(map[string]*domain.Profile)
	var order []string
	add := func(p *domain.Profile) {
		if _, ok := seen[p.Username]; !ok {
			seen[p.Username] = p
			order = append(order, p.Username)
		}
	}
	if in.recipient != nil {
		add(in.recipient)
	}
	if in.local {
		return []*domain.Profile{in.recipient}
	}

	actor := string(in.env.Actor)
	var followersIRI string
	if acc, err := e.store.ReadRemoteActorByURI(ctx, actor); err == nil {
		followersIRI = acc.FollowersURI
	}

	toFollowers := false
	for _, addressee := range in.env.Addressees() {
		if IsPublic(addressee) || (followersIRI != "" && addressee == followersIRI) {
			toFollowers = true
			continue
		}
		username, ok := e.iris.LocalUsername(addressee)
		if !ok {
			continue
		}
		if p, err := e.store.ReadProfileByUsername(ctx, username); err == nil {
			add(p)
		}
	}

	if toFollowers {
		followers, err := e.store.ReadFollowers(ctx, actor)
		if err != nil {
			log.Printf("Inbox: Failed to read local followers of %s: %v", actor, err)
		}
		for _, f := range followers {
			username, ok := e.iris.LocalUsername(f.FollowerURI)
			if !ok {
				continue
			}
			if p, err := e.store.ReadProfileByUsername(ctx, username); err == nil {
				add(p)
			}
		}
	}

	out := make([]*domain.Profile, 0, len(order))
	for _, name := range order {
		out = append(out, seen[name])
	}
	return out
}

// newRecord builds the stored form of an activity envelope
func newRecord(env *Envelope, body []byte, local bool) *domain.Activity {
	return &domain.Activity{
		ActivityURI: env.ID,
		Kind:        env.Type,
		ActorURI:    string(env.Actor),
		ObjectURI:   env.ObjectID(),
		RawJSON:     string(body),
		Local:       local,
	}
}

// revokeDependents revokes every active activity that points at objectURI
func (e *Engine) revokeDependents(ctx context.Context, objectURI string) error {
	deps, err := e.store.ReadActivitiesByObjectURI(ctx, objectURI)
	if err != nil {
		return storeErr(err, "activities")
	}
	for _, dep := range deps {
		if !dep.Active() || dep.Kind == domain.KindDelete {
			continue
		}
		if err := e.store.UpdateActivityState(ctx, dep.ActivityURI, domain.StateRevoked); err != nil {
			return internal(err, "failed to revoke "+dep.ActivityURI)
		}
	}
	return nil
}

// resolveObject returns the stored object, fetching remote ones once
func (e *Engine) resolveObject(ctx context.Context, iri string) (*domain.Object, error) {
	obj, err := e.store.ReadObjectByURI(ctx, iri)
	if err == nil {
		return obj, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, storeErr(err, "object")
	}
	if e.iris.IsLocal(iri) {
		return nil, notFound("object %s not found", iri)
	}
	obj, err = e.fetcher.FetchObject(ctx, iri, 1)
	if err != nil {
		log.Printf("Fetcher: Could not resolve %s: %v", iri, err)
		return nil, notFound("object %s not found", iri)
	}
	return obj, nil
}

func marshalEnvelope(env *Envelope) ([]byte, error) {
	if env.Context == nil {
		env.Context = ContextActivityStreams
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, internal(err, "failed to encode activity")
	}
	return raw, nil
}
