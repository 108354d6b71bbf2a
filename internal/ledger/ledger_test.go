package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c, err := New(Config{RPCURL: srv.URL, CallTimeout: 2 * time.Second, MaxRetries: 2})
	require.NoError(t, err)
	return c, srv
}

func TestNewRequiresRPCURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCreateMatchSendsExpectedMethodAndParams(t *testing.T) {
	var gotMethod string
	var gotParams []interface{}
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotMethod = req.Method
		gotParams = req.Params
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`null`)})
	})
	defer srv.Close()

	matchID := uuid.New().String()
	err := c.CreateMatch(context.Background(), matchID, "fighterA", "fighterB", 5.0, 300)
	require.NoError(t, err)
	assert.Equal(t, "createMatch", gotMethod)
	require.Len(t, gotParams, 5)
	assert.Equal(t, "fighterA", gotParams[1])
	assert.Equal(t, "fighterB", gotParams[2])
}

func TestResolveMatchEncodesWinnerAsSide(t *testing.T) {
	var gotParams []interface{}
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotParams = req.Params
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`null`)})
	})
	defer srv.Close()

	err := c.ResolveMatch(context.Background(), uuid.New().String(), "P2")
	require.NoError(t, err)
	require.Len(t, gotParams, 2)
	assert.Equal(t, float64(1), gotParams[1])
}

func TestResolveMatchRejectsInvalidWinner(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("RPC should not be called for an invalid winner")
	})
	defer srv.Close()

	err := c.ResolveMatch(context.Background(), uuid.New().String(), "DRAW")
	assert.Error(t, err)
}

func TestGetMatchPoolReturnsNilWhenNotFound(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`null`)})
	})
	defer srv.Close()

	pool, err := c.GetMatchPool(context.Background(), uuid.New().String())
	require.NoError(t, err)
	assert.Nil(t, pool)
}

func TestGetMatchPoolDecodesResult(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"sideATotal":10.5,"sideBTotal":3.25}`)})
	})
	defer srv.Close()

	pool, err := c.GetMatchPool(context.Background(), uuid.New().String())
	require.NoError(t, err)
	require.NotNil(t, pool)
	assert.Equal(t, 10.5, pool.SideATotal)
	assert.Equal(t, 3.25, pool.SideBTotal)
}

func TestBetExistsDistinguishesFoundFromMissing(t *testing.T) {
	found := true
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if found {
			_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"wallet":"w1","side":0,"amount":1}`)})
		} else {
			_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`null`)})
		}
	})
	defer srv.Close()

	matchID := uuid.New().String()
	exists, err := c.BetExists(context.Background(), matchID, "w1")
	require.NoError(t, err)
	assert.True(t, exists)

	found = false
	exists, err = c.BetExists(context.Background(), matchID, "w2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCallRetriesOnRPCErrorThenSucceeds(t *testing.T) {
	attempts := 0
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		attempts++
		if attempts < 2 {
			_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32000, Message: "busy"}})
			return
		}
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`null`)})
	})
	defer srv.Close()

	err := c.LockMatch(context.Background(), uuid.New().String())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestTimeoutMatchIsPermissionlessAndTakesOnlyMatchID(t *testing.T) {
	var gotParams []interface{}
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotParams = req.Params
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`null`)})
	})
	defer srv.Close()

	err := c.TimeoutMatch(context.Background(), uuid.New().String())
	require.NoError(t, err)
	assert.Len(t, gotParams, 1)
}
