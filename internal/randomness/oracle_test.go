package randomness

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/escrow_pools/internal/httputil"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

func TestOracleSourcePostsRequest(t *testing.T) {
	received := make(chan OracleRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/random", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get(httputil.APIKeyHeader))
		var req OracleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := httputil.NewClient(httputil.ClientConfig{BaseURL: server.URL, APIKey: "k"})
	src := NewOracleSource(client, "/v1/random", "https://pools.example", logger.NewDiscard())

	id, err := src.Request(context.Background(), "raffle/3")
	require.NoError(t, err)

	select {
	case req := <-received:
		assert.Equal(t, id, req.RequestID)
		assert.Equal(t, "raffle/3", req.Consumer)
		assert.Equal(t, "https://pools.example/randomness/"+id+"/fulfill", req.CallbackURL)
	case <-time.After(time.Second):
		t.Fatal("oracle not called")
	}
}

func TestOracleSourceRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown consumer", http.StatusForbidden)
	}))
	defer server.Close()

	client := httputil.NewClient(httputil.ClientConfig{BaseURL: server.URL})
	src := NewOracleSource(client, "", "http://localhost:8080", logger.NewDiscard())

	id, err := src.Request(context.Background(), "raffle/1")
	assert.Error(t, err)
	assert.Empty(t, id)
}
