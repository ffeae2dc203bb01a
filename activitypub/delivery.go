package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
	"golang.org/x/sync/errgroup"
)

const (
	maxDeliveryAttempts = 10
	sweepBatchSize      = 50
	// a claimed item comes due again after this if its sweeper died
	deliveryLease = 10 * time.Minute
)

// errUndeliverable marks queue items that can never be sent
var errUndeliverable = errors.New("undeliverable")

// retry schedule for queued deliveries, in minutes
var deliveryBackoff = []int{1, 5, 15, 60, 240, 1440}

// DeliveryBackoff is the wait after the given number of failed attempts
func DeliveryBackoff(attempts int) time.Duration {
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(deliveryBackoff) {
		i = len(deliveryBackoff) - 1
	}
	return time.Duration(deliveryBackoff[i]) * time.Minute
}

// Destination is one resolved inbox. Local is set for inboxes served by
// this instance, which are delivered in-process.
type Destination struct {
	Inbox string
	Local *domain.Profile
}

// Resolver computes the inboxes an activity must reach
type Resolver struct {
	store Store
	iris  *IRIs
	dir   *Directory
}

func NewResolver(store Store, iris *IRIs, dir *Directory) *Resolver {
	return &Resolver{store: store, iris: iris, dir: dir}
}

// ResolveInboxes expands addressees into a set of destinations. The public
// collection and the sender's followers collection expand to the sender's
// accepted followers; remote actors prefer their shared inbox. Addressees
// that cannot be resolved are dropped.
func (r *Resolver) ResolveInboxes(ctx context.Context, addressees []string, sender *domain.Profile) []Destination {
	senderIRI := r.iris.Actor(sender.Username)
	set := make(map[string]Destination)
	followersExpanded := false

	add := func(actor Addressable) {
		if actor.IRI() == senderIRI {
			return
		}
		if actor.IsLocal() {
			la := actor.(localActor)
			set[actor.InboxURL()] = Destination{Inbox: actor.InboxURL(), Local: la.profile}
			return
		}
		inbox := actor.SharedInboxURL()
		if inbox == "" {
			inbox = actor.InboxURL()
		}
		set[inbox] = Destination{Inbox: inbox}
	}

	expandFollowers := func() {
		if followersExpanded {
			return
		}
		followersExpanded = true
		followers, err := r.store.ReadFollowers(ctx, senderIRI)
		if err != nil {
			log.Printf("Delivery: Failed to read followers of %s: %v", senderIRI, err)
			return
		}
		for _, f := range followers {
			actor, err := r.dir.Lookup(ctx, f.FollowerURI)
			if err != nil {
				log.Printf("Delivery: Dropping follower %s: %v", f.FollowerURI, err)
				continue
			}
			add(actor)
		}
	}

	for _, addressee := range addressees {
		switch {
		case addressee == "":
		case IsPublic(addressee), addressee == r.iris.Followers(sender.Username):
			expandFollowers()
		default:
			if _, ok := r.iris.FollowersOwner(addressee); ok {
				// another local actor's followers are not ours to address
				continue
			}
			actor, err := r.dir.Lookup(ctx, addressee)
			if err != nil {
				log.Printf("Delivery: Dropping addressee %s: %v", addressee, err)
				continue
			}
			add(actor)
		}
	}

	out := make([]Destination, 0, len(set))
	for _, d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Inbox < out[j].Inbox })
	return out
}

// LocalReceiver accepts activities addressed to local inboxes
type LocalReceiver interface {
	ReceiveLocal(ctx context.Context, recipient *domain.Profile, sender *domain.Profile, body []byte) error
}

// Sender signs and posts activities. Each destination gets one attempt;
// failed remote deliveries go to the delivery queue for the retry sweep.
type Sender struct {
	client      *http.Client
	store       Store
	iris        *IRIs
	guard       *Blocklist
	local       LocalReceiver
	concurrency int
	timeout     time.Duration
	userAgent   string
	now         func() time.Time
}

func NewSender(client *http.Client, store Store, iris *IRIs, guard *Blocklist, concurrency int, timeout time.Duration, userAgent string) *Sender {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Sender{
		client:      client,
		store:       store,
		iris:        iris,
		guard:       guard,
		concurrency: concurrency,
		timeout:     timeout,
		userAgent:   userAgent,
		now:         time.Now,
	}
}

// SetLocalReceiver wires in-process delivery to local inboxes
func (s *Sender) SetLocalReceiver(r LocalReceiver) {
	s.local = r
}

// DeliveryReport counts the results of one fan-out
type DeliveryReport struct {
	Delivered int
	Queued    int
	Failed    int
}

// DeliverAll sends body to every destination. A failing destination never
// blocks the others.
func (s *Sender) DeliverAll(ctx context.Context, activityURI string, body []byte, sender *domain.Profile, dests []Destination) DeliveryReport {
	var delivered, queued, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, dest := range dests {
		g.Go(func() error {
			var err error
			if dest.Local != nil {
				if s.local == nil {
					err = fmt.Errorf("no local receiver")
				} else {
					err = s.local.ReceiveLocal(gctx, dest.Local, sender, body)
				}
				if err != nil {
					log.Printf("Delivery: Local delivery of %s to %s failed: %v", activityURI, dest.Local.Username, err)
					failed.Add(1)
					return nil
				}
				delivered.Add(1)
				return nil
			}

			if err = s.Deliver(gctx, body, sender, dest.Inbox); err == nil {
				delivered.Add(1)
				return nil
			}
			log.Printf("Delivery: Delivery of %s to %s failed: %v", activityURI, dest.Inbox, err)
			if s.enqueue(gctx, activityURI, body, sender, dest.Inbox, err) {
				queued.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	report := DeliveryReport{Delivered: int(delivered.Load()), Queued: int(queued.Load()), Failed: int(failed.Load())}
	log.Printf("Delivery: %s delivered=%d queued=%d failed=%d", activityURI, report.Delivered, report.Queued, report.Failed)
	return report
}

func (s *Sender) enqueue(ctx context.Context, activityURI string, body []byte, sender *domain.Profile, inbox string, cause error) bool {
	if errors.Is(cause, ErrProhibited) {
		return false
	}
	item := &domain.DeliveryQueueItem{
		InboxURI:     inbox,
		ActivityURI:  activityURI,
		SenderURI:    s.iris.Actor(sender.Username),
		ActivityJSON: string(body),
		Attempts:     1,
		LastError:    cause.Error(),
		NextRetryAt:  s.now().Add(DeliveryBackoff(1)),
	}
	if err := s.store.EnqueueDelivery(context.WithoutCancel(ctx), item); err != nil {
		log.Printf("Delivery: Failed to queue delivery to %s: %v", inbox, err)
		return false
	}
	return true
}

// Deliver signs and POSTs body to a single remote inbox
func (s *Sender) Deliver(ctx context.Context, body []byte, sender *domain.Profile, inbox string) error {
	if s.guard != nil && s.guard.Blocked(domainOf(inbox)) {
		return fmt.Errorf("%w: %s", ErrProhibited, domainOf(inbox))
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType+", "+ActivityJSONType)
	req.Header.Set("User-Agent", s.userAgent)

	privateKey, err := ParsePrivateKey(sender.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	if err := SignRequest(req, privateKey, s.iris.KeyID(sender.Username), body); err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
	return nil
}

// RetryDeliveries processes due items of the delivery queue. Each item is
// claimed before it is sent, so concurrent sweepers never send it twice. Failed items
// are rescheduled along the backoff table and dropped after
// maxDeliveryAttempts attempts.
func (s *Sender) RetryDeliveries(ctx context.Context) error {
	items, err := s.store.ReadPendingDeliveries(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	log.Printf("Delivery: Processing %d pending deliveries", len(items))

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimedAt := s.now()
		if err := s.store.ClaimDelivery(ctx, item.Id, claimedAt, claimedAt.Add(deliveryLease)); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				log.Printf("Delivery: Failed to claim %s: %v", item.Id, err)
			}
			continue
		}
		err := s.retryOne(ctx, &item)
		if err == nil {
			log.Printf("Delivery: Successfully delivered to %s", item.InboxURI)
			s.drop(ctx, &item)
			continue
		}

		item.Attempts++
		if item.Attempts >= maxDeliveryAttempts || errors.Is(err, ErrProhibited) || errors.Is(err, errUndeliverable) {
			log.Printf("Delivery: Giving up on delivery to %s after %d attempts: %v", item.InboxURI, item.Attempts, err)
			s.drop(ctx, &item)
			continue
		}
		wait := DeliveryBackoff(item.Attempts)
		log.Printf("Delivery: Delivery to %s failed (attempt %d), retry in %s: %v", item.InboxURI, item.Attempts, wait, err)
		if err := s.store.UpdateDeliveryAttempt(ctx, item.Id, item.Attempts, err.Error(), s.now().Add(wait)); err != nil {
			log.Printf("Delivery: Failed to reschedule %s: %v", item.Id, err)
		}
	}
	return nil
}

func (s *Sender) retryOne(ctx context.Context, item *domain.DeliveryQueueItem) error {
	username, ok := s.iris.LocalUsername(item.SenderURI)
	if !ok {
		return fmt.Errorf("%w: sender %s is not local", errUndeliverable, item.SenderURI)
	}
	sender, err := s.store.ReadProfileByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("%w: sender %s: %v", errUndeliverable, username, err)
	}
	return s.Deliver(ctx, []byte(item.ActivityJSON), sender, item.InboxURI)
}

func (s *Sender) drop(ctx context.Context, item *domain.DeliveryQueueItem) {
	if err := s.store.DeleteDelivery(ctx, item.Id); err != nil {
		log.Printf("Delivery: Failed to remove %s from queue: %v", item.Id, err)
	}
}
