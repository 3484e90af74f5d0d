package server

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probing-io/probing/internal/proto"
)

func secured() AuthConfig {
	cfg := DefaultAuthConfig()
	cfg.Token = "secret"
	return cfg
}

func TestAuthDisabledAcceptsEverything(t *testing.T) {
	cfg := DefaultAuthConfig()
	assert.False(t, cfg.Enabled())
	assert.NoError(t, cfg.Authenticate(nil))
}

func TestAuthMissingCredentials(t *testing.T) {
	err := secured().Authenticate(nil)
	require.Error(t, err)
	assert.Equal(t, proto.CatAuthRequired, proto.CategoryOf(err))
}

func TestAuthBearer(t *testing.T) {
	cfg := secured()
	assert.NoError(t, cfg.Authenticate(map[string]string{"Authorization": "Bearer secret"}))

	err := cfg.Authenticate(map[string]string{"Authorization": "Bearer nope"})
	require.Error(t, err)
	assert.Equal(t, proto.CatForbidden, proto.CategoryOf(err))
}

func TestAuthBasic(t *testing.T) {
	cfg := secured()
	creds := func(user, pass string) map[string]string {
		raw := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		return map[string]string{"Authorization": "Basic " + raw}
	}
	assert.NoError(t, cfg.Authenticate(creds("admin", "secret")))
	assert.Error(t, cfg.Authenticate(creds("admin", "wrong")))
	assert.Error(t, cfg.Authenticate(creds("root", "secret")))

	err := cfg.Authenticate(map[string]string{"Authorization": "Basic !!!not-base64!!!"})
	require.Error(t, err)
	assert.Equal(t, proto.CatBadRequest, proto.CategoryOf(err))
}

func TestAuthCustomHeader(t *testing.T) {
	cfg := secured()
	assert.NoError(t, cfg.Authenticate(map[string]string{"X-Probing-Token": "secret"}))
	assert.Error(t, cfg.Authenticate(map[string]string{"X-Probing-Token": "nope"}))
}

func TestAuthUnsupportedScheme(t *testing.T) {
	err := secured().Authenticate(map[string]string{"Authorization": "Digest whatever"})
	require.Error(t, err)
	assert.Equal(t, proto.CatBadRequest, proto.CategoryOf(err))
}

func TestPublicPrefixes(t *testing.T) {
	cfg := secured()
	assert.True(t, cfg.Public("/"))
	assert.True(t, cfg.Public("/static/app.js"))
	assert.True(t, cfg.Public("/favicon.ico"))
	assert.False(t, cfg.Public("/query"))
	assert.False(t, cfg.Public("/files"))
}
