package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/tasks"
	"github.com/deemkeen/tusker/util"
	"github.com/stretchr/testify/require"
)

const testDomain = "local.example"

var (
	keysOnce sync.Once
	keyPairs [2]*util.RsaKeyPair
)

// testKeys returns two fixed key pairs; generating RSA keys per test is slow
func testKeys() [2]*util.RsaKeyPair {
	keysOnce.Do(func() {
		keyPairs[0] = util.GenerateTestKeypair()
		keyPairs[1] = util.GenerateTestKeypair()
	})
	return keyPairs
}

// received is one request recorded by the fake remote server
type received struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// remoteServer plays a remote instance: it serves documents and records
// every request it gets
type remoteServer struct {
	*httptest.Server

	mu       sync.Mutex
	docs     map[string][]byte
	status   map[string]int
	requests []received
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	rs := &remoteServer{docs: map[string][]byte{}, status: map[string]int{}}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *remoteServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rs.mu.Lock()
	rs.requests = append(rs.requests, received{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
	status, forced := rs.status[r.URL.Path]
	doc, ok := rs.docs[r.URL.Path]
	rs.mu.Unlock()

	switch {
	case forced:
		w.WriteHeader(status)
	case r.Method == http.MethodPost:
		w.WriteHeader(http.StatusAccepted)
	case ok:
		w.Header().Set("Content-Type", ActivityJSONType)
		w.Write(doc)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (rs *remoteServer) serve(path string, doc any) {
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	rs.mu.Lock()
	rs.docs[path] = raw
	rs.mu.Unlock()
}

func (rs *remoteServer) fail(path string, status int) {
	rs.mu.Lock()
	rs.status[path] = status
	rs.mu.Unlock()
}

func (rs *remoteServer) restore(path string) {
	rs.mu.Lock()
	delete(rs.status, path)
	rs.mu.Unlock()
}

// hits counts requests for path
func (rs *remoteServer) hits(method, path string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	n := 0
	for _, r := range rs.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func (rs *remoteServer) posts(path string) []received {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []received
	for _, r := range rs.requests {
		if r.Method == http.MethodPost && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// actorDoc builds the document of a remote actor hosted by rs
func (rs *remoteServer) actorDoc(username string, sharedInbox bool) *ActorDocument {
	id := rs.URL + "/users/" + username
	doc := &ActorDocument{
		Context:           []string{ContextActivityStreams, ContextSecurity},
		ID:                id,
		Type:              "Person",
		PreferredUsername: username,
		Inbox:             id + "/inbox",
		Outbox:            id + "/outbox",
		Followers:         id + "/followers",
		PublicKey: PublicKey{
			ID:           id + "#main-key",
			Owner:        id,
			PublicKeyPem: testKeys()[1].Public,
		},
	}
	if sharedInbox {
		doc.Endpoints = &Endpoints{SharedInbox: rs.URL + "/inbox"}
	}
	return doc
}

type testEnv struct {
	t      *testing.T
	db     *db.DB
	runner *tasks.Runner
	engine *Engine
	events chan tasks.Event
	remote *remoteServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithPool(t, func(database *db.DB) tasks.Pool { return database })
}

// newTestEnvWithPool hands background tasks the pool built by wrap
func newTestEnvWithPool(t *testing.T, wrap func(*db.DB) tasks.Pool) *testEnv {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	events := make(chan tasks.Event, 128)
	runner := tasks.NewRunner(tasks.Resources{Pool: wrap(database), Events: events}, 10*time.Second)
	conf := Config{
		Scheme:              "https",
		Domain:              testDomain,
		FetchMaxRetries:     3,
		FetchBackoffBase:    time.Millisecond,
		DeliveryConcurrency: 4,
		DeliveryTimeout:     5 * time.Second,
		SignatureMaxSkew:    time.Hour,
		UserAgent:           "tusker-test",
	}
	engine := NewEngine(database, runner, conf, WithSleep(func(context.Context, time.Duration) error { return nil }))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		runner.Wait(ctx)
	})

	return &testEnv{t: t, db: database, runner: runner, engine: engine, events: events, remote: newRemoteServer(t)}
}

func (te *testEnv) ctx() context.Context {
	return context.Background()
}

// wait blocks until every background task finished
func (te *testEnv) wait() {
	te.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(te.t, te.runner.Wait(ctx))
}

func (te *testEnv) profile(username string, manual bool) *domain.Profile {
	te.t.Helper()
	keys := testKeys()[0]
	p := &domain.Profile{
		Username:                  username,
		DisplayName:               strings.ToUpper(username[:1]) + username[1:],
		PublicKeyPem:              keys.Public,
		PrivateKeyPem:             keys.Private,
		ManuallyApprovesFollowers: manual,
	}
	require.NoError(te.t, te.db.CreateProfile(te.ctx(), p))
	return p
}

// remoteActor caches a fresh remote actor hosted by the fake server
func (te *testEnv) remoteActor(username string, sharedInbox bool) *domain.RemoteActor {
	te.t.Helper()
	doc := te.remote.actorDoc(username, sharedInbox)
	te.remote.serve("/users/"+username, doc)
	acc, err := remoteActorFromDocument(doc)
	require.NoError(te.t, err)
	require.NoError(te.t, te.db.UpsertRemoteActor(te.ctx(), acc))
	return acc
}

func (te *testEnv) signedBy(acc *domain.RemoteActor) VerificationResult {
	return VerificationResult{
		Kind:     VerifiedRemote,
		KeyID:    acc.PublicKeyID,
		ActorURI: acc.ActorURI,
		Domain:   acc.Domain,
	}
}

func (te *testEnv) inbox(recipient *domain.Profile, from *domain.RemoteActor, activity map[string]any) error {
	te.t.Helper()
	return te.engine.HandleInbox(te.ctx(), recipient, te.signedBy(from), mustJSON(te.t, activity))
}

func (te *testEnv) outbox(actor *domain.Profile, activity map[string]any) (*Envelope, error) {
	te.t.Helper()
	raw, err := te.engine.HandleOutbox(te.ctx(), actor, mustJSON(te.t, activity))
	if err != nil {
		return nil, err
	}
	env, err := ParseEnvelope(raw)
	require.NoError(te.t, err)
	return env, nil
}

// remoteID mints an id on the fake server
func (te *testEnv) remoteID(kind string, n int) string {
	return fmt.Sprintf("%s/%s/%d", te.remote.URL, kind, n)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
