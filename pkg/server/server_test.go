package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sync/pkg/client"
	"github.com/astromechza/automerge-sync/pkg/hub"
	"github.com/astromechza/automerge-sync/pkg/persistence"
)

type testServer struct {
	*httptest.Server
	hub *hub.Hub
}

func newTestServer(t *testing.T, opts hub.Options) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts.Metrics = hub.NewMetrics(reg)
	h := hub.New(opts)
	ts := httptest.NewServer(New(Options{Hub: h, Gatherer: reg}).Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, hub: h}
}

func (ts *testServer) dial(t *testing.T, doc, token string) *client.Client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + doc
	c, err := client.Dial(context.Background(), url, client.Options{Token: token})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, c *client.Client, cond func(c *client.Client) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitFor(ctx, cond))
}

func synced(c *client.Client) bool {
	return c.Synced()
}

func hasTitle(want string) func(c *client.Client) bool {
	return func(c *client.Client) bool {
		v, err := c.View("title")
		return err == nil && v == want
	}
}

func setTitle(t *testing.T, c *client.Client, title string) {
	t.Helper()
	require.NoError(t, c.Change(func(d *automerge.Doc) error {
		return d.Path("title").Set(title)
	}))
}

func TestClientsConverge(t *testing.T) {
	ts := newTestServer(t, hub.Options{})
	a := ts.dial(t, "wiki1", "")
	b := ts.dial(t, "wiki1", "")
	waitFor(t, a, synced)
	waitFor(t, b, synced)

	setTitle(t, a, "hello")
	waitFor(t, b, hasTitle("hello"))
	setTitle(t, b, "world")
	waitFor(t, a, hasTitle("world"))

	late := ts.dial(t, "wiki1", "")
	waitFor(t, late, hasTitle("world"))
	assert.Equal(t, a.Heads(), late.Heads())
}

func TestAwarenessReachesPeers(t *testing.T) {
	ts := newTestServer(t, hub.Options{})
	a := ts.dial(t, "room", "")
	b := ts.dial(t, "room", "")
	waitFor(t, a, synced)
	waitFor(t, b, synced)

	require.NoError(t, a.SetAwareness(json.RawMessage(`{"cursor":3}`)))
	waitFor(t, b, func(c *client.Client) bool {
		for _, p := range c.Peers() {
			if p.ClientID == a.ClientID() && string(p.State) == `{"cursor":3}` {
				return true
			}
		}
		return false
	})

	require.NoError(t, a.Close())
	waitFor(t, b, func(c *client.Client) bool {
		for _, p := range c.Peers() {
			if p.ClientID == a.ClientID() {
				return p.Removed()
			}
		}
		return false
	})
}

func docTokenAuthorizer(_ context.Context, doc *hub.SharedDocument, _ *hub.Conn, token string) (hub.Authorization, error) {
	docName, user, _ := strings.Cut(token, ";")
	if docName != doc.Name() {
		return hub.Authorization{Status: hub.AuthStatus{Reason: "403 Forbidden"}}, nil
	}
	return hub.Authorization{Authorized: true, Status: hub.AuthStatus{Username: user}}, nil
}

func TestAuthScenario(t *testing.T) {
	ts := newTestServer(t, hub.Options{Authorize: docTokenAuthorizer})

	a := ts.dial(t, "wiki1", "wiki1;42")
	waitFor(t, a, synced)
	status, ok := a.AuthStatus()
	require.True(t, ok)
	assert.Equal(t, "42", status.Username)

	b := ts.dial(t, "wiki1", "other;1")
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("denied connection was not terminated")
	}
	reason, denied := b.Denied()
	assert.True(t, denied)
	assert.Equal(t, "403 Forbidden", reason)
	assert.ErrorIs(t, b.Err(), client.ErrDenied)
	assert.Zero(t, b.Updates())
	assert.False(t, b.Synced())
}

func TestPersistenceSurvivesRelease(t *testing.T) {
	store, err := persistence.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "docs.sqlite3"))
	require.NoError(t, err)
	binding := persistence.NewBinding(store, nil)
	t.Cleanup(func() { _ = binding.Close() })
	ts := newTestServer(t, hub.Options{Persistence: binding})

	a := ts.dial(t, "room1", "")
	waitFor(t, a, synced)
	setTitle(t, a, "durable")
	require.Eventually(t, func() bool {
		doc, ok := ts.hub.Registry().Lookup("room1")
		if !ok {
			return false
		}
		fork, err := doc.Fork()
		if err != nil {
			return false
		}
		v, _ := fork.View("title")
		return v == "durable"
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		_, ok := ts.hub.Registry().Lookup("room1")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	b := ts.dial(t, "room1", "")
	waitFor(t, b, hasTitle("durable"))
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHTTPRoutes(t *testing.T) {
	ts := newTestServer(t, hub.Options{})
	code, _ := get(t, ts.URL+"/docs/wiki1/snapshot")
	assert.Equal(t, http.StatusNotFound, code)

	a := ts.dial(t, "wiki1", "")
	waitFor(t, a, synced)
	setTitle(t, a, "hello")
	require.Eventually(t, func() bool {
		code, body := get(t, ts.URL+"/docs/wiki1/snapshot")
		if code != http.StatusOK {
			return false
		}
		doc, err := automerge.Load([]byte(body))
		if err != nil {
			return false
		}
		v, err := doc.Path("title").Get()
		return err == nil && v.Interface() == "hello"
	}, 5*time.Second, 10*time.Millisecond)

	code, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	var h health
	require.NoError(t, json.Unmarshal([]byte(body), &h))
	assert.Equal(t, health{Status: "ok", Documents: 1, Names: []string{"wiki1"}}, h)

	code, body = get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "docsync_connections 1")

	code, body = get(t, ts.URL+"/docs/wiki1/graph.svg?key=title")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<svg")
}
