package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/activitypub"
	"github.com/gin-gonic/gin"
)

// handleGetOutbox returns the collection summary, or a page with ?page=N
func (s *Server) handleGetOutbox(c *gin.Context) {
	page := ParsePageParam(c.Query("page"))
	coll, err := s.engine.OutboxCollection(c.Request.Context(), c.Param("actor"), page)
	if err != nil {
		writeOutcome(c, err)
		return
	}
	writeActivityJSON(c, http.StatusOK, coll)
}

// handlePostOutbox publishes an activity for a local actor. The request
// must be signed with that actor's own key.
func (s *Server) handlePostOutbox(c *gin.Context) {
	username := c.Param("actor")
	body, verified, ok := s.readSigned(c)
	if !ok {
		return
	}
	switch {
	case verified.Kind != activitypub.VerifiedLocal:
		c.JSON(http.StatusUnauthorized, gin.H{"error": activitypub.Unauthorized.String()})
		return
	case verified.Profile.Username != username:
		log.Error("Outbox: signed by another actor", "outbox", username, "signer", verified.Profile.Username)
		c.JSON(http.StatusForbidden, gin.H{"error": activitypub.Forbidden.String()})
		return
	}

	raw, err := s.engine.HandleOutbox(c.Request.Context(), verified.Profile, body)
	if err != nil {
		writeOutcome(c, err)
		return
	}
	var head struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &head) == nil && head.ID != "" {
		c.Header("Location", head.ID)
	}
	c.Data(http.StatusAccepted, activityJSON, raw)
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
