package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/escrow_pools/internal/metrics"
	"github.com/R3E-Network/escrow_pools/internal/middleware"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

// Options configures authentication and request limits.
type Options struct {
	JWTSecret   string
	Issuer      string
	OracleKey   string
	AllowNoJWT  bool
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
}

// NewRouter returns the API handler with its middleware chain:
// metrics, tracing, CORS, authentication, then rate limiting.
func NewRouter(svc Services, opts Options, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{svc: svc, log: log, started: time.Now()}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	oracle := middleware.NewOracleAuth(opts.OracleKey, log)
	r.Handle("/randomness/{requestID}/fulfill", oracle.Handler(http.HandlerFunc(h.fulfillRandomness))).
		Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	if opts.RateLimit > 0 {
		api.Use(middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst, log).Handler)
	}

	api.HandleFunc("/raffles", h.listRaffles).Methods(http.MethodGet)
	api.HandleFunc("/raffles/{id}", h.getRaffle).Methods(http.MethodGet)
	api.HandleFunc("/events", h.recentEvents).Methods(http.MethodGet)
	api.HandleFunc("/ownership", h.ownershipStatus).Methods(http.MethodGet)
	api.HandleFunc("/fundraises", h.listFundraises).Methods(http.MethodGet)
	api.HandleFunc("/fundraises/{id}", h.getFundraise).Methods(http.MethodGet)
	api.HandleFunc("/fundraises/{id}/claimable", h.claimable).Methods(http.MethodGet)
	if svc.Ledger != nil {
		api.HandleFunc("/ledger/balances/{account}", h.balance).Methods(http.MethodGet)
	}

	writes := api.NewRoute().Subrouter()
	writes.Use(middleware.RequireCaller)
	writes.HandleFunc("/raffles", h.createRaffle).Methods(http.MethodPost)
	writes.HandleFunc("/raffles/{id}/tickets", h.buyTickets).Methods(http.MethodPost)
	writes.HandleFunc("/raffles/{id}/draw", h.drawRaffle).Methods(http.MethodPost)
	writes.HandleFunc("/raffles/{id}/settle", h.settleRaffle).Methods(http.MethodPost)
	writes.HandleFunc("/raffles/{id}/refund", h.refundRaffle).Methods(http.MethodPost)
	writes.HandleFunc("/raffles/{id}/{action:close|cancel|pause|unpause}", h.raffleAction).Methods(http.MethodPost)
	writes.HandleFunc("/fundraises", h.createFundraise).Methods(http.MethodPost)
	writes.HandleFunc("/fundraises/{id}/invest", h.invest).Methods(http.MethodPost)
	writes.HandleFunc("/fundraises/{id}/refund", h.refundFundraise).Methods(http.MethodPost)
	writes.HandleFunc("/fundraises/{id}/claim", h.claimYield).Methods(http.MethodPost)
	writes.HandleFunc("/fundraises/{id}/{action:cancel|finalize|pause|unpause}", h.fundraiseAction).Methods(http.MethodPost)
	writes.HandleFunc("/ownership/propose", h.proposeOwner).Methods(http.MethodPost)
	writes.HandleFunc("/ownership/accept", h.acceptOwner).Methods(http.MethodPost)
	if svc.Ledger != nil {
		writes.HandleFunc("/ledger/approve", h.approve).Methods(http.MethodPost)
		writes.HandleFunc("/ledger/mint", h.mint).Methods(http.MethodPost)
	}

	auth := middleware.NewAuthMiddleware([]byte(opts.JWTSecret), opts.Issuer, log, []string{"/healthz", "/metrics", "/randomness/"})
	if opts.JWTSecret == "" && opts.AllowNoJWT {
		log.Warn("JWT verification disabled; trusting the X-Account header")
		auth.AllowAccountHeader()
	}

	var handler http.Handler = r
	handler = auth.Handler(handler)
	handler = middleware.NewCORSMiddleware(opts.CORSOrigins).Handler(handler)
	handler = middleware.NewTracingMiddleware(log).Handler(handler)
	return metrics.InstrumentHandler(handler)
}
