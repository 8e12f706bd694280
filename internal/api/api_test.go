package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemantsingh443/remote-commit/internal/discovery"
	"github.com/hemantsingh443/remote-commit/internal/models"
	"github.com/hemantsingh443/remote-commit/internal/pairing"
	"github.com/hemantsingh443/remote-commit/internal/trust"
)

const testKey = "operator-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	router      *gin.Engine
	store       *trust.Store
	cache       *discovery.Cache
	coordinator *pairing.Coordinator
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dir := t.TempDir()

	store, err := trust.Open(filepath.Join(dir, "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cache, err := discovery.OpenCache(filepath.Join(dir, "addrcache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	coordinator := pairing.NewCoordinator(store, nil, time.Minute)
	t.Cleanup(coordinator.Wait)

	return &testAPI{
		router:      NewRouter(testKey, store, coordinator, cache),
		store:       store,
		cache:       cache,
		coordinator: coordinator,
	}
}

func (a *testAPI) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-API-Key", testKey)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func newTestPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestAuthentication(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{name: "health is public", path: "/health", status: http.StatusOK},
		{name: "missing key", path: "/api/v1/peers", status: http.StatusUnauthorized},
		{name: "wrong key", path: "/api/v1/peers", key: "guess", status: http.StatusUnauthorized},
		{name: "valid key", path: "/api/v1/peers", key: testKey, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			a.router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestListAndGetPeers(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	pending, revoked := newTestPeer(t), newTestPeer(t)

	_, err := a.store.RecordPending(ctx, pending)
	require.NoError(t, err)
	require.NoError(t, a.store.Revoke(ctx, revoked))

	w, body := a.do(t, http.MethodGet, "/api/v1/peers")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["peers"], 2)

	w, body = a.do(t, http.MethodGet, "/api/v1/peers?state=pending")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["peers"], 1)
	assert.Equal(t, pending.String(), body["peers"].([]any)[0].(map[string]any)["peer_id"])

	w, _ = a.do(t, http.MethodGet, "/api/v1/peers?state=trusted")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = a.do(t, http.MethodGet, "/api/v1/peers/"+revoked.String())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(models.TrustRevoked), body["state"])

	w, body = a.do(t, http.MethodGet, "/api/v1/peers/"+newTestPeer(t).String())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(models.TrustUnknown), body["state"])

	w, _ = a.do(t, http.MethodGet, "/api/v1/peers/not-a-peer")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprove(t *testing.T) {
	ctx := context.Background()

	t.Run("pending without prompt", func(t *testing.T) {
		a := newTestAPI(t)
		id := newTestPeer(t)
		_, err := a.store.RecordPending(ctx, id)
		require.NoError(t, err)

		w, body := a.do(t, http.MethodPost, "/api/v1/peers/"+id.String()+"/approve")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(models.TrustApproved), body["status"])

		state, err := a.store.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TrustApproved, state)
	})

	t.Run("unknown peer conflicts", func(t *testing.T) {
		a := newTestAPI(t)
		w, _ := a.do(t, http.MethodPost, "/api/v1/peers/"+newTestPeer(t).String()+"/approve")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("resolves outstanding prompt", func(t *testing.T) {
		a := newTestAPI(t)
		id := newTestPeer(t)
		_, err := a.store.RecordPending(ctx, id)
		require.NoError(t, err)

		replies := make(chan bool, 1)
		a.coordinator.Request(ctx, id, "req-1", func(approved bool, _ string) { replies <- approved })

		w, body := a.do(t, http.MethodGet, "/api/v1/pairing/pending")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, body["pending"], 1)

		w, body = a.do(t, http.MethodPost, "/api/v1/peers/"+id.String()+"/approve")
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "resolved", body["status"])

		select {
		case approved := <-replies:
			assert.True(t, approved)
		case <-time.After(5 * time.Second):
			t.Fatal("prompt not resolved")
		}

		state, err := a.store.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TrustApproved, state)
	})
}

func TestRevokeDeclinesPrompt(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	id := newTestPeer(t)
	_, err := a.store.RecordPending(ctx, id)
	require.NoError(t, err)

	replies := make(chan bool, 1)
	a.coordinator.Request(ctx, id, "req-1", func(approved bool, _ string) { replies <- approved })

	w, body := a.do(t, http.MethodPost, "/api/v1/peers/"+id.String()+"/revoke")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(models.TrustRevoked), body["status"])

	select {
	case approved := <-replies:
		assert.False(t, approved)
	case <-time.After(5 * time.Second):
		t.Fatal("prompt not declined")
	}

	state, err := a.store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TrustRevoked, state)
}

func TestListAddresses(t *testing.T) {
	a := newTestAPI(t)
	id := newTestPeer(t)

	w, body := a.do(t, http.MethodGet, "/api/v1/addresses")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["addresses"])

	addr, err := ma.NewMultiaddr("/ip4/10.0.0.7/tcp/4001")
	require.NoError(t, err)
	require.NoError(t, a.cache.RecordSuccess(context.Background(), id, addr))

	w, body = a.do(t, http.MethodGet, "/api/v1/addresses")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["addresses"], 1)
	entry := body["addresses"].([]any)[0].(map[string]any)
	assert.Equal(t, id.String(), entry["peer_id"])
	assert.Equal(t, addr.String(), entry["multiaddr"])
}
