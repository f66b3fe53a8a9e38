package server

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefgate/auth"
	"briefgate/store"
)

func redisStore(t *testing.T, mr *miniredis.Miniredis) *store.Redis {
	t.Helper()
	return store.NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "briefgate:")
}

func TestInstancesShareRedisState(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newTestEnv(t, nil, WithStore(redisStore(t, mr)))
	second := newTestEnv(t, nil, WithStore(redisStore(t, mr)))
	assert.IsType(t, &auth.SharedPrincipals{}, first.app.Principals)

	tokens := first.login(t, "u1")
	access := tokens["access_token"].(string)

	resp := second.get(t, "/auth/session", bearer(access))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeJSON(t, resp)
	user := status["user"].(map[string]any)
	assert.Equal(t, "u1@example.com", user["email"])

	resp = second.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens["refresh_token"].(string)},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decodeJSON(t, resp)

	// The same federated identity resolves to one principal on either side.
	again := second.login(t, "u1")
	resp = first.get(t, "/auth/session", bearer(again["access_token"].(string)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, user["id"], decodeJSON(t, resp)["user"].(map[string]any)["id"])

	resp = first.postForm(t, "/auth/logout", nil, bearer(rotated["access_token"].(string)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = second.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {rotated["refresh_token"].(string)},
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeJSON(t, resp)["error"])
}

func TestStoreOutlivesSessionDrain(t *testing.T) {
	mr := miniredis.RunT(t)
	env := newTestEnv(t, nil, WithStore(redisStore(t, mr)))
	code := env.authorize(t, "s1", "verifier1", "u1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.app.Shutdown(ctx))

	// Requests still in flight after the session drain reach the store.
	resp := env.exchange(t, code, "verifier1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeJSON(t, resp)

	require.NoError(t, env.app.Close())
	require.NoError(t, env.app.Close())

	resp = env.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens["refresh_token"].(string)},
	}, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestMemoryStorageKeepsLocalPrincipals(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.IsType(t, &auth.MemoryPrincipals{}, env.app.Principals)
}
