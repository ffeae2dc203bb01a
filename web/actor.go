package web

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GetActor renders the actor document of a local profile
func (s *Server) GetActor(c *gin.Context, username string) (*activitypub.ActorDocument, error) {
	p, err := s.store.ReadProfileByUsername(c.Request.Context(), username)
	if err != nil {
		return nil, err
	}
	return activitypub.ActorDocumentFor(p, s.engine.IRIs()), nil
}

func (s *Server) handleActor(c *gin.Context) {
	doc, err := s.GetActor(c, c.Param("actor"))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Error("failed to read actor", "actor", c.Param("actor"), "err", err)
		}
		c.JSON(http.StatusNotFound, notFoundBody)
		return
	}
	writeActivityJSON(c, http.StatusOK, doc)
}

func (s *Server) handleFollowers(c *gin.Context) {
	coll, err := s.engine.FollowersCollection(c.Request.Context(), c.Param("actor"))
	if err != nil {
		writeOutcome(c, err)
		return
	}
	writeActivityJSON(c, http.StatusOK, coll)
}

func (s *Server) handleFollowing(c *gin.Context) {
	coll, err := s.engine.FollowingCollection(c.Request.Context(), c.Param("actor"))
	if err != nil {
		writeOutcome(c, err)
		return
	}
	writeActivityJSON(c, http.StatusOK, coll)
}

// viewer returns the actor that signed a read, "" for anonymous requests.
// A bad signature has already been answered when ok is false.
func (s *Server) viewer(c *gin.Context) (actor string, ok bool) {
	verified, err := s.engine.Verifier().Verify(c.Request.Context(), c.Request, nil)
	if err != nil {
		writeOutcome(c, err)
		return "", false
	}
	return verified.ActorURI, true
}

// handleObject serves a local object. Deleted objects answer 410 with
// their Tombstone.
func (s *Server) handleObject(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, notFoundBody)
		return
	}
	viewer, ok := s.viewer(c)
	if !ok {
		return
	}
	raw, obj, err := s.engine.LocalObject(c.Request.Context(), s.engine.IRIs().Object(id.String()), viewer)
	if err != nil {
		writeOutcome(c, err)
		return
	}
	status := http.StatusOK
	if obj.State == domain.StateTombstoned {
		status = http.StatusGone
	}
	c.Data(status, activityJSON, raw)
}

func (s *Server) handleActivity(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, notFoundBody)
		return
	}
	viewer, ok := s.viewer(c)
	if !ok {
		return
	}
	raw, err := s.engine.LocalActivity(c.Request.Context(), s.engine.IRIs().Activity(id.String()), viewer)
	if err != nil {
		writeOutcome(c, err)
		return
	}
	c.Data(http.StatusOK, activityJSON, raw)
}
