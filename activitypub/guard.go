package activitypub

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// BlockStore persists instance block flags
type BlockStore interface {
	SetInstanceBlocked(ctx context.Context, domainName string, blocked bool) error
	ReadBlockedDomains(ctx context.Context) ([]string, error)
}

// Blocklist is the access guard's set of blocked domains. A blocked domain
// also blocks its subdomains. When the lock is contended Blocked returns
// !FailOpen instead of waiting.
type Blocklist struct {
	FailOpen bool

	mu      sync.RWMutex
	domains map[string]struct{}
}

func NewBlocklist(failOpen bool) *Blocklist {
	return &Blocklist{FailOpen: failOpen, domains: make(map[string]struct{})}
}

// Load replaces the set with the blocked instances in store
func (b *Blocklist) Load(ctx context.Context, store BlockStore) error {
	domains, err := store.ReadBlockedDomains(ctx)
	if err != nil {
		return err
	}
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[normalizeDomain(d)] = struct{}{}
	}
	b.mu.Lock()
	b.domains = set
	b.mu.Unlock()
	log.Printf("Guard: Loaded %d blocked domains", len(set))
	return nil
}

// Blocked reports whether requests from domainName must be refused
func (b *Blocklist) Blocked(domainName string) bool {
	if !b.mu.TryRLock() {
		log.Warn("Guard: block list busy", "domain", domainName, "failOpen", b.FailOpen)
		return !b.FailOpen
	}
	defer b.mu.RUnlock()

	d := normalizeDomain(domainName)
	for d != "" {
		if _, ok := b.domains[d]; ok {
			return true
		}
		_, rest, found := strings.Cut(d, ".")
		if !found {
			break
		}
		d = rest
	}
	return false
}

// Block persists and applies a block
func (b *Blocklist) Block(ctx context.Context, store BlockStore, domainName string) error {
	d := normalizeDomain(domainName)
	if err := store.SetInstanceBlocked(ctx, d, true); err != nil {
		return err
	}
	b.mu.Lock()
	b.domains[d] = struct{}{}
	b.mu.Unlock()
	log.Printf("Guard: Blocked %s", d)
	return nil
}

// Unblock persists and lifts a block
func (b *Blocklist) Unblock(ctx context.Context, store BlockStore, domainName string) error {
	d := normalizeDomain(domainName)
	if err := store.SetInstanceBlocked(ctx, d, false); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.domains, d)
	b.mu.Unlock()
	log.Printf("Guard: Unblocked %s", d)
	return nil
}

// Domains returns the blocked domains in order
func (b *Blocklist) Domains() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.domains))
	for d := range b.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}
