package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sync/pkg/hub"
)

const sample = `
listen: 0.0.0.0:9000
log:
  level: debug
  format: json
keepalive: 15s
auth:
  enabled: true
  tokens:
    - token: secret
      document: wiki1
      username: alice
    - token: viewer
      document: "*"
      read_only: true
persistence:
  driver: bolt
  dsn: /tmp/docs.bolt
  disable_gc: true
notify:
  views: [title, body]
  wait: 500ms
  max_wait: 5s
  redis:
    addr: localhost:6379
policy:
  enforce_read_only: true
  max_protocol_errors: 3
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 15*time.Second, cfg.Keepalive.Std())
	assert.Equal(t, hub.DefaultAuthTimeout, cfg.Auth.Timeout.Std(), "defaults survive partial sections")
	assert.Len(t, cfg.Auth.Tokens, 2)
	assert.Equal(t, "bolt", cfg.Persistence.Driver)
	assert.Equal(t, "docsync:", cfg.Notify.Redis.Prefix)

	opts := cfg.HubOptions()
	assert.NotNil(t, opts.Authorize)
	assert.True(t, opts.DisableGC)
	assert.True(t, opts.EnforceReadOnly)
	assert.Equal(t, 3, opts.MaxProtocolErrors)
	assert.Equal(t, 500*time.Millisecond, opts.NotifyWait)
	assert.Equal(t, []string{"title", "body"}, opts.Views)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Persistence.Driver)
	assert.Nil(t, cfg.Authorizer())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	err := Parse([]byte("listen: x\nbogus: true\n"), Default())
	assert.Error(t, err)
}

func TestParseRejectsBadDuration(t *testing.T) {
	err := Parse([]byte("keepalive: soon\n"), Default())
	assert.ErrorContains(t, err, "invalid duration")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Persistence.Driver = "sqlite"
	cfg.Auth.Enabled = true
	cfg.Log.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, `persistence driver "sqlite" requires a dsn`)
	assert.ErrorContains(t, err, "no tokens are configured")
	assert.ErrorContains(t, err, `invalid log level "loud"`)
}

func TestAuthorizer(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte(sample), cfg))
	authorize := cfg.Authorizer()
	h := hub.New(hub.Options{})
	wiki := h.Registry().GetOrCreate("wiki1")
	other := h.Registry().GetOrCreate("other")
	ctx := context.Background()

	res, err := authorize(ctx, wiki, nil, "secret")
	require.NoError(t, err)
	assert.True(t, res.Authorized)
	assert.Equal(t, "alice", res.Status.Username)

	res, err = authorize(ctx, other, nil, "secret")
	require.NoError(t, err)
	assert.False(t, res.Authorized)
	assert.Equal(t, "403 Forbidden", res.Status.Reason)

	res, err = authorize(ctx, other, nil, "viewer")
	require.NoError(t, err)
	assert.True(t, res.Authorized)
	assert.True(t, res.Status.ReadOnly)

	res, err = authorize(ctx, wiki, nil, "nope")
	require.NoError(t, err)
	assert.False(t, res.Authorized)
}
