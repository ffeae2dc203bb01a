package activitypub

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/tasks"
	"github.com/deemkeen/tusker/util"
)

// generateKeypair is swapped for a smaller key in tests
var generateKeypair = util.GeneratePemKeypair

// ConfigFromApp derives the engine settings from the application config
func ConfigFromApp(conf *util.AppConfig) Config {
	c := conf.Conf
	return Config{
		Scheme:              "https",
		Domain:              c.SslDomain,
		SystemActor:         c.SystemActor,
		FetchMaxRetries:     c.FetchMaxRetries,
		FetchBackoffBase:    util.Seconds(c.FetchBackoffBase),
		DeliveryConcurrency: c.DeliveryConcurrency,
		DeliveryTimeout:     util.Seconds(c.DeliveryTimeout),
		SignatureMaxSkew:    util.Seconds(c.SignatureMaxSkew),
		BlocklistFailOpen:   c.BlocklistFailOpen,
		UserAgent:           util.UserAgent(c.SslDomain),
	}
}

// EnsureSystemActor returns the instance actor used to sign fetches,
// creating it with a fresh key pair on first start
func EnsureSystemActor(ctx context.Context, store Store, username string) (*domain.Profile, error) {
	p, err := store.ReadProfileByUsername(ctx, username)
	if err == nil {
		log.Debug("System actor:" + p.ToString())
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to read system actor: %w", err)
	}

	keys := generateKeypair()
	p = &domain.Profile{
		Username:      username,
		DisplayName:   util.Name,
		Summary:       "instance actor",
		PublicKeyPem:  keys.Public,
		PrivateKeyPem: keys.Private,
		System:        true,
	}
	if err := store.CreateProfile(ctx, p); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			// another process created it first
			return store.ReadProfileByUsername(ctx, username)
		}
		return nil, fmt.Errorf("failed to create system actor: %w", err)
	}
	log.Info("created system actor", "username", username)
	return p, nil
}

// Jobs returns the periodic maintenance work for the scheduler
func (e *Engine) Jobs(conf *util.AppConfig) []tasks.Job {
	c := conf.Conf
	return []tasks.Job{
		{Name: "delivery-sweep", Interval: util.Seconds(c.DeliverySweepInterval), Run: e.RetryDeliveries},
		{Name: "actor-refresh", Interval: util.Seconds(c.ActorRefreshInterval), Run: e.RefreshStaleActors},
		tasks.HealthCheck(util.Seconds(c.HealthCheckInterval), e.store, e.store),
	}
}
