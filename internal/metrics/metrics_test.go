package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/":                           "/",
		"/healthz":                    "/healthz",
		"/raffles":                    "/raffles",
		"/raffles/12":                 "/raffles/:id",
		"/raffles/12/tickets":         "/raffles/:id/tickets",
		"/fundraises/abc/claim/extra": "/fundraises/:id/claim",
		"/randomness/req-1/fulfill":   "/randomness/:id/fulfill",
		"/ownership/propose":          "/ownership",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalPath(in), in)
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	out := httptest.NewRecorder()
	Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, out.Code)
	return out.Body.String()
}

func TestRecordHelpers(t *testing.T) {
	RecordContribution("fundraise", 3)
	RecordPayout("raffle", "winner", 500)
	RecordRandomness("fulfilled", 2*time.Second)
	RecordSweep("lifecycle", 0)
	RecordTransition("raffle", "closed")
	RecordRejection("raffle", "buy_tickets", "CAP_EXCEEDED")

	body := scrape(t)
	assert.Contains(t, body, `escrow_pools_pool_contributed_units_total{kind="fundraise"} 3`)
	assert.Contains(t, body, `escrow_pools_pool_payouts_total{kind="raffle",payout="winner"}`)
	assert.Contains(t, body, `escrow_pools_pool_status_transitions_total{kind="raffle",status="closed"}`)
	assert.Contains(t, body, `escrow_pools_pool_rejections_total{code="CAP_EXCEEDED",kind="raffle",operation="buy_tickets"}`)
	assert.Contains(t, body, "escrow_pools_randomness_fulfillment_seconds_count")
	assert.Contains(t, body, `escrow_pools_scheduler_sweep_duration_seconds_count{job="lifecycle"}`)
}

func TestInstrumentHandlerAndExposition(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/raffles/3/tickets", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	body := scrape(t)
	assert.True(t, strings.Contains(body, `escrow_pools_http_requests_total{method="POST",path="/raffles/:id/tickets",status="418"}`))
}
