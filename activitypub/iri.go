package activitypub

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// IRIs mints and recognises identifiers under the local domain
type IRIs struct {
	Scheme string
	Domain string
}

func NewIRIs(scheme, domainName string) *IRIs {
	if scheme == "" {
		scheme = "https"
	}
	return &IRIs{Scheme: scheme, Domain: strings.ToLower(domainName)}
}

func (i *IRIs) Base() string {
	return i.Scheme + "://" + i.Domain
}

func (i *IRIs) Actor(username string) string     { return i.Base() + "/users/" + username }
func (i *IRIs) Inbox(username string) string     { return i.Actor(username) + "/inbox" }
func (i *IRIs) Outbox(username string) string    { return i.Actor(username) + "/outbox" }
func (i *IRIs) Followers(username string) string { return i.Actor(username) + "/followers" }
func (i *IRIs) Following(username string) string { return i.Actor(username) + "/following" }
func (i *IRIs) KeyID(username string) string     { return i.Actor(username) + "#main-key" }
func (i *IRIs) SharedInbox() string              { return i.Base() + "/inbox" }
func (i *IRIs) Activity(id string) string        { return i.Base() + "/activities/" + id }
func (i *IRIs) Object(id string) string          { return i.Base() + "/objects/" + id }

// NewActivity mints a fresh activity IRI
func (i *IRIs) NewActivity() string {
	return i.Activity(uuid.New().String())
}

// NewObject mints a fresh object IRI
func (i *IRIs) NewObject() string {
	return i.Object(uuid.New().String())
}

// IsLocal reports whether iri lives under the local domain
func (i *IRIs) IsLocal(iri string) bool {
	u, err := url.Parse(iri)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, i.Domain)
}

// LocalUsername extracts alice from https://<domain>/users/alice
func (i *IRIs) LocalUsername(iri string) (string, bool) {
	return i.localPath(iri, "")
}

// FollowersOwner extracts alice from https://<domain>/users/alice/followers
func (i *IRIs) FollowersOwner(iri string) (string, bool) {
	return i.localPath(iri, "followers")
}

func (i *IRIs) localPath(iri, suffix string) (string, bool) {
	u, err := url.Parse(iri)
	if err != nil || !strings.EqualFold(u.Host, i.Domain) {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	want := 2
	if suffix != "" {
		want = 3
	}
	if len(parts) != want || parts[0] != "users" || parts[1] == "" {
		return "", false
	}
	if suffix != "" && parts[2] != suffix {
		return "", false
	}
	return parts[1], true
}

// domainOf returns the lower-cased host name of an IRI, without port.
// Block list and instance records are keyed by it.
func domainOf(iri string) string {
	u, err := url.Parse(iri)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// sameOrigin reports whether two IRIs share host and port
func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && strings.EqualFold(ua.Host, ub.Host)
}
