package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
	"github.com/gin-gonic/gin"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []webfingerLink `json:"links"`
}

// webfingerUser maps acct:user@domain, or one of our actor IRIs, to a username
func (s *Server) webfingerUser(resource string) (string, bool) {
	if acct, ok := strings.CutPrefix(resource, "acct:"); ok {
		user, host, found := strings.Cut(acct, "@")
		if !found || user == "" || !strings.EqualFold(host, s.engine.IRIs().Domain) {
			return "", false
		}
		return user, true
	}
	return s.engine.IRIs().LocalUsername(resource)
}

// GetWebfinger resolves a resource to its JRD document
func (s *Server) GetWebfinger(c *gin.Context, resource string) (*webfingerResponse, error) {
	username, ok := s.webfingerUser(resource)
	if !ok {
		return nil, domain.ErrNotFound
	}
	p, err := s.store.ReadProfileByUsername(c.Request.Context(), username)
	if err != nil {
		return nil, err
	}
	iris := s.engine.IRIs()
	actor := iris.Actor(p.Username)
	return &webfingerResponse{
		Subject: "acct:" + p.Username + "@" + iris.Domain,
		Aliases: []string{actor},
		Links: []webfingerLink{
			{Rel: "self", Type: "application/activity+json", Href: actor},
		},
	}, nil
}

func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource is required"})
		return
	}
	resp, err := s.GetWebfinger(c, resource)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Error("webfinger lookup failed", "resource", resource, "err", err)
		}
		c.JSON(http.StatusNotFound, notFoundBody)
		return
	}
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, resp)
}
