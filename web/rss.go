package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/util"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const feedSize = 50

// GetRSS renders the public objects of one profile, or of every profile
// when username is empty, as an RSS 2.0 feed
func (s *Server) GetRSS(ctx context.Context, username string) (string, error) {
	iris := s.engine.IRIs()
	link := iris.Base() + "/feed"

	var profiles []domain.Profile
	title := fmt.Sprintf("All %s posts on %s", util.Name, iris.Domain)
	if username != "" {
		p, err := s.store.ReadProfileByUsername(ctx, username)
		if err != nil {
			return "", err
		}
		profiles = []domain.Profile{*p}
		title = fmt.Sprintf("%s posts - %s", util.Name, p.Username)
		link = fmt.Sprintf("%s?username=%s", link, p.Username)
	} else {
		var err error
		if profiles, err = s.store.ReadProfiles(ctx); err != nil {
			return "", err
		}
	}

	var objects []domain.Object
	names := map[string]string{}
	for _, p := range profiles {
		if p.System {
			continue
		}
		actor := iris.Actor(p.Username)
		names[actor] = p.Username
		objs, err := s.store.ReadPublicObjectsByAuthor(ctx, actor, feedSize)
		if err != nil {
			return "", err
		}
		objects = append(objects, objs...)
	}
	sort.SliceStable(objects, func(i, j int) bool {
		return objects[i].Published.After(objects[j].Published)
	})
	if len(objects) > feedSize {
		objects = objects[:feedSize]
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: link},
		Description: fmt.Sprintf("public posts on %s", iris.Domain),
		Created:     time.Now(),
	}
	for _, o := range objects {
		name := names[o.AttributedTo]
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          o.ObjectURI,
			Title:       o.Published.Format(util.DateTimeFormat()),
			Link:        &feeds.Link{Href: o.ObjectURI},
			Description: o.Summary,
			Content:     o.Content,
			Author:      &feeds.Author{Name: name, Email: fmt.Sprintf("%s@%s", name, iris.Domain)},
			Created:     o.Published,
			Updated:     o.UpdatedAt,
		})
	}
	return feed.ToRss()
}

func (s *Server) handleFeed(c *gin.Context) {
	username := c.Query("username")
	rss, err := s.GetRSS(c.Request.Context(), username)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Error("could not render feed", "username", username, "err", err)
		}
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(rss))
}
