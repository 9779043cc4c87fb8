package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/fundraise"
	"github.com/R3E-Network/escrow_pools/internal/httputil"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/middleware"
	"github.com/R3E-Network/escrow_pools/internal/ownership"
	"github.com/R3E-Network/escrow_pools/internal/raffle"
	"github.com/R3E-Network/escrow_pools/internal/randomness"
	"github.com/R3E-Network/escrow_pools/internal/storage/memory"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

const (
	testSecret = "api-secret"
	testIssuer = "escrow_pools"
	oracleKey  = "oracle-key"
	escrow     = "escrow"
)

type apiFixture struct {
	token   *ledger.Token
	owner   *ownership.Ownable
	src     *randomness.ManualSource
	bus     *events.RingBuffer
	now     time.Time
	raffles *raffle.Service
	funds   *fundraise.Service
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	own, err := ownership.New("owner")
	require.NoError(t, err)

	f := &apiFixture{
		token: ledger.NewToken("USDC", 0),
		owner: own,
		src:   randomness.NewManualSource(),
		bus:   events.NewRingBuffer(256),
		now:   time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	store := memory.New()

	f.raffles = raffle.New(own, f.token.Holder(escrow), escrow, logger.NewDiscard())
	f.raffles.WithRandomness(f.src)
	f.raffles.WithStore(store)
	f.raffles.WithPublisher(f.bus)
	f.raffles.WithClock(clock)

	f.funds = fundraise.New(own, f.token, logger.NewDiscard())
	f.funds.WithStore(store)
	f.funds.WithPublisher(f.bus)
	f.funds.WithClock(clock)

	f.handler = NewRouter(Services{
		Raffles:    f.raffles,
		Fundraises: f.funds,
		Owner:      own,
		Ledger:     f.token,
		Events:     f.bus,
		Publisher:  f.bus,
	}, Options{
		JWTSecret: testSecret,
		Issuer:    testIssuer,
		OracleKey: oracleKey,
	}, logger.NewDiscard())
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		token, err := middleware.IssueToken([]byte(testSecret), testIssuer, caller, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) oracle(t *testing.T, requestID, key, value string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"value": value})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/randomness/"+requestID+"/fulfill", bytes.NewReader(body))
	req.Header.Set(httputil.APIKeyHeader, key)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body httputil.ErrorResponse
	decode(t, rec, &body)
	return body.Code
}

func TestHandlerRaffleLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	cfg := map[string]interface{}{
		"duration_days":  1,
		"unit_price":     10,
		"per_wallet_cap": 10,
		"shares":         []int{50, 30, 20},
		"sink":           map[string]string{"kind": "burn"},
	}

	rec := f.do(t, http.MethodPost, "/raffles", "mallory", cfg)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_AUTHORIZED", errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/raffles", "owner", cfg)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var snap raffle.Snapshot
	decode(t, rec, &snap)
	require.Equal(t, uint64(1), snap.ID)

	for i := 0; i < 10; i++ {
		player := fmt.Sprintf("p%d", i)
		require.NoError(t, f.token.Mint(player, 100))
		require.NoError(t, f.token.Approve(player, escrow, 100))
		rec = f.do(t, http.MethodPost, "/raffles/1/tickets", player, map[string]int64{"units": 10})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/raffles/1/close", "owner", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.now = f.now.Add(25 * time.Hour)
	rec = f.do(t, http.MethodPost, "/raffles/1/close", "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &snap)
	assert.Equal(t, "closed", string(snap.Status))

	rec = f.do(t, http.MethodPost, "/raffles/1/draw", "owner", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var drawn map[string]string
	decode(t, rec, &drawn)
	requestID := drawn["request_id"]
	require.Equal(t, f.src.Last(), requestID)

	rec = f.oracle(t, requestID, "wrong", "42")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.oracle(t, requestID, oracleKey, "not-a-number")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.oracle(t, requestID, oracleKey, "0x2a")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.oracle(t, requestID, oracleKey, "0x2a")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_FULFILLED", errorCode(t, rec))

	rec = f.do(t, http.MethodGet, "/raffles/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &snap)
	require.NotEmpty(t, snap.Winners)
	assert.LessOrEqual(t, len(snap.Winners), 3)
	assert.Equal(t, "42", snap.Seed)
	assert.True(t, snap.Distributed)
	assert.Equal(t, "closed", string(snap.Status))
	assert.Zero(t, f.token.Balance(escrow))

	rec = f.do(t, http.MethodPost, "/raffles/1/settle", "owner", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_DISTRIBUTED", errorCode(t, rec))

	rec = f.do(t, http.MethodGet, "/events?type=winners.drawn", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evts []events.Event
	decode(t, rec, &evts)
	assert.Len(t, evts, 1)
}

func TestHandlerErrors(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/raffles", "owner", map[string]interface{}{
		"duration_days": 1, "unit_price": 10, "per_wallet_cap": 10, "shares": []int{100},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	cases := []struct {
		name       string
		method     string
		path       string
		caller     string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"anonymous write", http.MethodPost, "/raffles/1/tickets", "", map[string]int64{"units": 1}, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"bad id", http.MethodGet, "/raffles/abc", "", nil, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown raffle", http.MethodGet, "/raffles/9", "", nil, http.StatusNotFound, "NOT_FOUND"},
		{"zero units", http.MethodPost, "/raffles/1/tickets", "alice", map[string]int64{"units": 0}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown field", http.MethodPost, "/raffles/1/tickets", "alice", map[string]int64{"tickets": 1}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"no balance", http.MethodPost, "/raffles/1/tickets", "alice", map[string]int64{"units": 1}, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE"},
		{"over cap", http.MethodPost, "/raffles/1/tickets", "alice", map[string]int64{"units": 11}, http.StatusUnprocessableEntity, "CAP_EXCEEDED"},
		{"refund while open", http.MethodPost, "/raffles/1/refund", "alice", nil, http.StatusConflict, "INVALID_STATE_TRANSITION"},
		{"unknown fundraise", http.MethodGet, "/fundraises/nope", "", nil, http.StatusNotFound, "NOT_FOUND"},
		{"unknown request", http.MethodPost, "/randomness/nope/fulfill", "", nil, http.StatusUnauthorized, "UNAUTHENTICATED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.path, tc.caller, tc.body)
			assert.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tc.wantCode, errorCode(t, rec))
		})
	}

	rec = f.oracle(t, "nope", oracleKey, "1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_REQUEST", errorCode(t, rec))

	rec = f.do(t, http.MethodDelete, "/raffles/1", "owner", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerFundraise(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/fundraises", "project", map[string]interface{}{
		"name":              "wind",
		"duration_days":     5,
		"goal":              1000,
		"unit_size":         10,
		"per_wallet_cap":    100,
		"apy":               73,
		"yield_period_days": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var snap fundraise.Snapshot
	decode(t, rec, &snap)
	assert.Equal(t, 30*24*time.Hour, snap.Config.YieldPeriod)
	base := "/fundraises/" + snap.ID

	require.NoError(t, f.token.Mint("alice", 1000))
	require.NoError(t, f.token.Approve("alice", snap.Account, 1000))

	rec = f.do(t, http.MethodGet, base+"/claimable?investor=alice", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/invest", "alice", map[string]int64{"units": 100})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &snap)
	assert.Equal(t, "finished", string(snap.Status))

	rec = f.do(t, http.MethodPost, base+"/finalize", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/finalize", "project", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1000), f.token.Balance("project"))

	require.NoError(t, f.token.Approve("project", snap.Account, 1000))
	f.now = f.now.Add(31 * 24 * time.Hour)

	rec = f.do(t, http.MethodGet, base+"/claimable", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var c fundraise.Claimable
	decode(t, rec, &c)
	assert.Equal(t, int64(1), c.Periods)
	// 1000 * 73% * 30/365
	assert.Equal(t, int64(60), c.Amount)

	rec = f.do(t, http.MethodPost, base+"/claim", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var paid map[string]int64
	decode(t, rec, &paid)
	assert.Equal(t, int64(60), paid["amount"])
	assert.Equal(t, int64(60), f.token.Balance("alice"))

	rec = f.do(t, http.MethodPost, base+"/claim", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_CLAIMED", errorCode(t, rec))

	rec = f.do(t, http.MethodGet, "/fundraises", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []fundraise.Snapshot
	decode(t, rec, &list)
	assert.Len(t, list, 1)

	rec = f.do(t, http.MethodGet, "/events?pool=fundraise/"+snap.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evts []events.Event
	decode(t, rec, &evts)
	assert.NotEmpty(t, evts)
}

func TestHandlerOwnership(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/ownership/propose", "mallory", map[string]string{"account": "mallory"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/ownership/propose", "owner", map[string]string{"account": "heir"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var status map[string]string
	decode(t, rec, &status)
	assert.Equal(t, "heir", status["pending"])

	rec = f.do(t, http.MethodPost, "/ownership/accept", "owner", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/ownership/accept", "heir", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "heir", f.owner.Owner())

	rec = f.do(t, http.MethodPost, "/raffles", "owner", map[string]interface{}{
		"duration_days": 1, "unit_price": 1, "per_wallet_cap": 1, "shares": []int{100},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Len(t, f.bus.RecentByType(events.EventOwnershipAccepted, 5), 1)
}

func TestHandlerHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	decode(t, rec, &health)
	assert.Equal(t, "ok", health["status"])
	assert.NotEmpty(t, rec.Header().Get(middleware.TraceHeader))

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "escrow_pools_http_requests_total")
}

func TestHandlerRateLimit(t *testing.T) {
	f := newAPIFixture(t)
	h := NewRouter(Services{Raffles: f.raffles, Fundraises: f.funds, Owner: f.owner},
		Options{JWTSecret: testSecret, RateLimit: 1, RateBurst: 1}, logger.NewDiscard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/raffles", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/raffles", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerLedgerFundsContributions(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/raffles", "owner", map[string]interface{}{
		"duration_days": 1, "unit_price": 10, "per_wallet_cap": 10, "shares": []int{100},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/raffles/1/tickets", "alice", map[string]int64{"units": 5})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/ledger/mint", "alice", map[string]interface{}{"account": "alice", "amount": 100})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.token.Balance("alice"))

	rec = f.do(t, http.MethodPost, "/ledger/mint", "owner", map[string]interface{}{"account": "", "amount": 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/ledger/mint", "owner", map[string]interface{}{"account": "alice", "amount": 0})
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/ledger/mint", "owner", map[string]interface{}{"account": "alice", "amount": 100})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/raffles/1/tickets", "alice", map[string]int64{"units": 5})
	assert.Equal(t, "INSUFFICIENT_ALLOWANCE", errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/ledger/approve", "alice", map[string]interface{}{"spender": "", "amount": 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/ledger/approve", "", map[string]interface{}{"spender": escrow, "amount": 100})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, "/ledger/approve", "alice", map[string]interface{}{"spender": escrow, "amount": 100})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/raffles/1/tickets", "alice", map[string]int64{"units": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/ledger/balances/alice?spender="+escrow, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal struct {
		Account   string `json:"account"`
		Balance   int64  `json:"balance"`
		Spender   string `json:"spender"`
		Allowance int64  `json:"allowance"`
	}
	decode(t, rec, &bal)
	assert.Equal(t, "alice", bal.Account)
	assert.Equal(t, int64(50), bal.Balance)
	assert.Equal(t, escrow, bal.Spender)
	assert.Equal(t, int64(50), bal.Allowance)
	assert.Equal(t, int64(50), f.token.Balance(escrow))
}
