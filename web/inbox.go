package web

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/domain"
	"github.com/gin-gonic/gin"
)

// readSigned reads the body and verifies the request signature. On failure
// the response has been written and ok is false.
func (s *Server) readSigned(c *gin.Context) (body []byte, verified activitypub.VerificationResult, ok bool) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return nil, verified, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": activitypub.BadRequest.String()})
		return nil, verified, false
	}
	verified, err = s.engine.Verifier().Verify(c.Request.Context(), c.Request, body)
	if err != nil {
		log.Warn("signature rejected", "path", c.Request.URL.Path, "err", err)
		writeOutcome(c, err)
		return nil, verified, false
	}
	return body, verified, true
}

func (s *Server) handleInbox(c *gin.Context) {
	recipient, err := s.store.ReadProfileByUsername(c.Request.Context(), c.Param("actor"))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Error("failed to read inbox owner", "actor", c.Param("actor"), "err", err)
		}
		c.JSON(http.StatusNotFound, notFoundBody)
		return
	}
	body, verified, ok := s.readSigned(c)
	if !ok {
		return
	}
	writeOutcome(c, s.engine.HandleInbox(c.Request.Context(), recipient, verified, body))
}

func (s *Server) handleSharedInbox(c *gin.Context) {
	body, verified, ok := s.readSigned(c)
	if !ok {
		return
	}
	writeOutcome(c, s.engine.HandleInbox(c.Request.Context(), nil, verified, body))
}
