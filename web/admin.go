package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/domain"
	"github.com/gin-gonic/gin"
)

const (
	timelineDefault = 40
	timelineMax     = 200
)

type instanceView struct {
	Domain     string    `json:"domain"`
	Blocked    bool      `json:"blocked"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type timelineEntry struct {
	Object   string    `json:"object"`
	Activity string    `json:"activity"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

func internalError(c *gin.Context, msg string, args ...any) {
	log.Error(msg, args...)
	c.JSON(http.StatusInternalServerError, gin.H{"error": activitypub.InternalError.String()})
}

func (s *Server) handleListBlocked(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blocked": s.engine.Blocklist().Domains()})
}

func (s *Server) handleInstance(c *gin.Context) {
	d := strings.ToLower(c.Param("domain"))
	inst, err := s.store.ReadInstance(c.Request.Context(), d)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, notFoundBody)
		return
	}
	if err != nil {
		internalError(c, "failed to read instance", "domain", d, "err", err)
		return
	}
	c.JSON(http.StatusOK, instanceView{Domain: inst.Domain, Blocked: inst.Blocked, LastSeenAt: inst.LastSeenAt})
}

func (s *Server) handleBlock(c *gin.Context) {
	d := c.Param("domain")
	if err := s.engine.BlockInstance(c.Request.Context(), d); err != nil {
		internalError(c, "failed to block instance", "domain", d, "err", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": d, "blocked": true})
}

func (s *Server) handleUnblock(c *gin.Context) {
	d := c.Param("domain")
	if err := s.engine.UnblockInstance(c.Request.Context(), d); err != nil {
		internalError(c, "failed to unblock instance", "domain", d, "err", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": d, "blocked": false})
}

// handleTimeline lists the newest fan-out rows of a local profile
func (s *Server) handleTimeline(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := s.store.ReadProfileByUsername(ctx, c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusNotFound, notFoundBody)
		return
	}

	limit := timelineDefault
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": activitypub.BadRequest.String()})
			return
		}
		limit = min(n, timelineMax)
	}

	items, err := s.store.ReadTimeline(ctx, p.Id, limit)
	if err != nil {
		internalError(c, "failed to read timeline", "username", p.Username, "err", err)
		return
	}
	entries := make([]timelineEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, timelineEntry{
			Object:   item.ObjectURI,
			Activity: item.ActivityURI,
			Reason:   string(item.Reason),
			At:       item.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"username": p.Username, "items": entries})
}
