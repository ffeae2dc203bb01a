package web

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	activityJSON = "application/activity+json; charset=utf-8"
	maxBodySize  = 1 << 20
)

var notFoundBody = gin.H{"detail": "Not Found"}

// Store is what the HTTP layer reads directly; everything federated goes
// through the engine.
type Store interface {
	Ping(ctx context.Context) error
	ReadProfileByUsername(ctx context.Context, username string) (*domain.Profile, error)
	ReadProfiles(ctx context.Context) ([]domain.Profile, error)
	ReadPublicObjectsByAuthor(ctx context.Context, actorURI string, limit int) ([]domain.Object, error)
	CountDeliveries(ctx context.Context) (int, error)
	ReadInstance(ctx context.Context, domainName string) (*domain.Instance, error)
	ReadTimeline(ctx context.Context, profileId uuid.UUID, limit int) ([]domain.TimelineItem, error)
}

// Server holds the dependencies of the route handlers
type Server struct {
	conf   *util.AppConfig
	engine *activitypub.Engine
	store  Store
}

func NewServer(conf *util.AppConfig, engine *activitypub.Engine, store Store) *Server {
	return &Server{conf: conf, engine: engine, store: store}
}

// Router builds the gin engine. The rate limiters sweep idle clients until
// ctx is cancelled.
func (s *Server) Router(ctx context.Context) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger())

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	go globalLimiter.Run(ctx)
	g.Use(RateLimitMiddleware(globalLimiter))

	read := g.Group("", gzip.Gzip(gzip.DefaultCompression))
	read.GET("/healthz", s.handleHealth)
	read.GET("/feed", s.handleFeed)

	if !s.conf.Conf.WithAp {
		log.Info("federation disabled, serving feed only")
		return g
	}

	// Stricter rate limit for ActivityPub writes: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	go apLimiter.Run(ctx)

	// guard runs before the body limit so blocked senders never get read
	write := g.Group("",
		GuardMiddleware(s.engine.Blocklist()),
		RateLimitMiddleware(apLimiter),
		MaxBytesMiddleware(maxBodySize),
	)
	write.POST("/inbox", s.handleSharedInbox)
	write.POST("/users/:actor/inbox", s.handleInbox)
	write.POST("/users/:actor/outbox", s.handlePostOutbox)

	// signed fetches from blocked instances are refused like their deliveries
	fed := read.Group("", GuardMiddleware(s.engine.Blocklist()))
	fed.GET("/.well-known/webfinger", s.handleWebfinger)
	fed.GET("/users/:actor", s.handleActor)
	fed.GET("/users/:actor/outbox", s.handleGetOutbox)
	fed.GET("/users/:actor/followers", s.handleFollowers)
	fed.GET("/users/:actor/following", s.handleFollowing)
	fed.GET("/objects/:id", s.handleObject)
	fed.GET("/activities/:id", s.handleActivity)

	admin := g.Group("/admin", AdminMiddleware(s.conf.Conf.AdminToken))
	admin.GET("/instances", s.handleListBlocked)
	admin.GET("/instances/:domain", s.handleInstance)
	admin.POST("/instances/:domain/block", s.handleBlock)
	admin.POST("/instances/:domain/unblock", s.handleUnblock)
	admin.GET("/users/:actor/timeline", s.handleTimeline)

	return g
}

// writeOutcome answers with the status OutcomeOf assigns to err. Error
// details stay in the log so callers cannot learn why a lookup failed.
func writeOutcome(c *gin.Context, err error) {
	outcome := activitypub.OutcomeOf(err)
	if outcome == activitypub.Accepted {
		c.Status(http.StatusAccepted)
		return
	}
	if outcome == activitypub.InternalError {
		log.Error("request failed", "path", c.Request.URL.Path, "err", err)
	} else {
		log.Debug("request refused", "path", c.Request.URL.Path, "outcome", outcome, "err", err)
	}
	c.JSON(outcome.Status(), gin.H{"error": outcome.String()})
}

func writeActivityJSON(c *gin.Context, status int, v any) {
	c.Header("Content-Type", activityJSON)
	c.JSON(status, v)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.store.Ping(ctx); err != nil {
		log.Error("health check failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	depth, err := s.store.CountDeliveries(ctx)
	if err != nil {
		log.Error("health check failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"version":       util.GetVersion(),
		"deliveryQueue": depth,
		"blocked":       len(s.engine.Blocklist().Domains()),
	})
}
