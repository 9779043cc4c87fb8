// Package httpapi exposes the raffle and fundraise services over a JSON REST
// API.
package httpapi

import (
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/fundraise"
	"github.com/R3E-Network/escrow_pools/internal/httputil"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/middleware"
	"github.com/R3E-Network/escrow_pools/internal/ownership"
	"github.com/R3E-Network/escrow_pools/internal/pools"
	"github.com/R3E-Network/escrow_pools/internal/raffle"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

// maxRecentEvents bounds GET /events.
const maxRecentEvents = 500

// JobLister reports scheduled jobs and their next run.
type JobLister interface {
	Jobs() map[string]time.Time
}

// Services are the backends the API serves. Ledger, Events, Publisher and
// Jobs are optional; the /ledger routes exist only with a Ledger.
type Services struct {
	Raffles    *raffle.Service
	Fundraises *fundraise.Service
	Owner      *ownership.Ownable
	Ledger     *ledger.Token
	Events     *events.RingBuffer
	Publisher  events.Publisher
	Jobs       JobLister
}

// handler bundles HTTP endpoints for the pool services.
type handler struct {
	svc     Services
	log     *logger.Logger
	started time.Time
}

func (h *handler) caller(r *http.Request) string {
	return middleware.GetCaller(r.Context())
}

// raffleID parses the {id} route variable.
func raffleID(r *http.Request) (uint64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, svcerrors.BadRequest("raffle id must be a positive integer").WithDetails("id", raw)
	}
	return id, nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":             "ok",
		"uptime_seconds":     int64(time.Since(h.started).Seconds()),
		"raffles":            len(h.svc.Raffles.List(r.Context())),
		"fundraises":         len(h.svc.Fundraises.List(r.Context())),
		"pending_randomness": h.svc.Raffles.PendingRequests(),
		"rollover":           h.svc.Raffles.Rollover(),
	}
	if h.svc.Jobs != nil {
		resp["jobs"] = h.svc.Jobs.Jobs()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Raffles

func (h *handler) listRaffles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Raffles.List(r.Context()))
}

func (h *handler) createRaffle(w http.ResponseWriter, r *http.Request) {
	var cfg raffle.Config
	if err := decodeJSON(r.Body, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.svc.Raffles.Create(r.Context(), h.caller(r), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *handler) getRaffle(w http.ResponseWriter, r *http.Request) {
	id, err := raffleID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.svc.Raffles.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type unitsRequest struct {
	Units int64 `json:"units"`
}

func (h *handler) buyTickets(w http.ResponseWriter, r *http.Request) {
	id, err := raffleID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var payload unitsRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.svc.Raffles.BuyTickets(r.Context(), h.caller(r), id, payload.Units)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) raffleAction(w http.ResponseWriter, r *http.Request) {
	id, err := raffleID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	action, caller := mux.Vars(r)["action"], h.caller(r)

	var snap raffle.Snapshot
	switch action {
	case "close":
		snap, err = h.svc.Raffles.Close(r.Context(), caller, id)
	case "cancel":
		snap, err = h.svc.Raffles.Cancel(r.Context(), caller, id)
	case "pause":
		snap, err = h.svc.Raffles.Pause(r.Context(), caller, id)
	case "unpause":
		snap, err = h.svc.Raffles.Unpause(r.Context(), caller, id)
	default:
		writeError(w, r, svcerrors.NotFound("action", action))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) drawRaffle(w http.ResponseWriter, r *http.Request) {
	id, err := raffleID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	requestID, err := h.svc.Raffles.RequestWinners(r.Context(), h.caller(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID})
}

func (h *handler) settleRaffle(w http.ResponseWriter, r *http.Request) {
	id, err := raffleID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var plan *pools.Plan
	plan, err = h.svc.Raffles.SettlePayouts(r.Context(), h.caller(r), id)
	if svcerrors.Is(err, raffle.ErrNotDistributed) {
		plan, err = h.svc.Raffles.Distribute(r.Context(), h.caller(r), id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *handler) refundRaffle(w http.ResponseWriter, r *http.Request) {
	id, err := raffleID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := h.svc.Raffles.ClaimRefund(r.Context(), h.caller(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

type fulfillRequest struct {
	Value string `json:"value"`
}

// fulfillRandomness is the oracle callback. The value is a decimal or
// 0x-prefixed hex uint256.
func (h *handler) fulfillRandomness(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestID"]
	var payload fulfillRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, r, err)
		return
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(payload.Value), 0)
	if !ok {
		writeError(w, r, svcerrors.BadRequest("value must be a decimal or 0x-prefixed integer"))
		return
	}
	if err := h.svc.Raffles.Fulfill(r.Context(), requestID, value); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": requestID, "status": "fulfilled"})
}

// Fundraises

type createFundraiseRequest struct {
	Name            string            `json:"name"`
	DurationDays    int               `json:"duration_days"`
	Goal            int64             `json:"goal"`
	UnitSize        int64             `json:"unit_size"`
	Decimals        uint8             `json:"decimals"`
	PerWalletCap    int64             `json:"per_wallet_cap"`
	APY             int64             `json:"apy"`
	YieldPeriodDays int               `json:"yield_period_days"`
	Fees            pools.FeeSchedule `json:"fees"`
}

func (c createFundraiseRequest) config() fundraise.Config {
	return fundraise.Config{
		Name:         c.Name,
		DurationDays: c.DurationDays,
		Goal:         c.Goal,
		UnitSize:     c.UnitSize,
		Decimals:     c.Decimals,
		PerWalletCap: c.PerWalletCap,
		APY:          c.APY,
		YieldPeriod:  time.Duration(c.YieldPeriodDays) * 24 * time.Hour,
		Fees:         c.Fees,
	}
}

func (h *handler) listFundraises(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Fundraises.List(r.Context()))
}

func (h *handler) createFundraise(w http.ResponseWriter, r *http.Request) {
	var payload createFundraiseRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, r, err)
		return
	}
	if payload.YieldPeriodDays < 0 {
		writeError(w, r, svcerrors.BadRequest("yield_period_days must not be negative"))
		return
	}
	snap, err := h.svc.Fundraises.Create(r.Context(), h.caller(r), payload.config())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *handler) getFundraise(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Fundraises.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) invest(w http.ResponseWriter, r *http.Request) {
	var payload unitsRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.svc.Fundraises.Invest(r.Context(), h.caller(r), mux.Vars(r)["id"], payload.Units)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) fundraiseAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, caller := vars["id"], h.caller(r)

	var (
		snap fundraise.Snapshot
		err  error
	)
	switch vars["action"] {
	case "cancel":
		snap, err = h.svc.Fundraises.Cancel(r.Context(), caller, id)
	case "finalize":
		snap, err = h.svc.Fundraises.Finalize(r.Context(), caller, id)
	case "pause":
		snap, err = h.svc.Fundraises.Pause(r.Context(), caller, id)
	case "unpause":
		snap, err = h.svc.Fundraises.Unpause(r.Context(), caller, id)
	default:
		writeError(w, r, svcerrors.NotFound("action", vars["action"]))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) refundFundraise(w http.ResponseWriter, r *http.Request) {
	amount, err := h.svc.Fundraises.Refund(r.Context(), h.caller(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

func (h *handler) claimYield(w http.ResponseWriter, r *http.Request) {
	amount, err := h.svc.Fundraises.Claim(r.Context(), h.caller(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

// claimable reports the pending yield of ?investor=, defaulting to the caller.
func (h *handler) claimable(w http.ResponseWriter, r *http.Request) {
	investor := r.URL.Query().Get("investor")
	if investor == "" {
		investor = h.caller(r)
	}
	if investor == "" {
		writeError(w, r, svcerrors.BadRequest("investor is required"))
		return
	}
	c, err := h.svc.Fundraises.Claimable(r.Context(), mux.Vars(r)["id"], investor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Ownership

type proposeRequest struct {
	Account string `json:"account"`
}

func (h *handler) ownershipStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   h.svc.Owner.Owner(),
		"pending": h.svc.Owner.Pending(),
	})
}

func (h *handler) proposeOwner(w http.ResponseWriter, r *http.Request) {
	var payload proposeRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, r, err)
		return
	}
	caller := h.caller(r)
	if err := h.svc.Owner.Propose(caller, payload.Account); err != nil {
		writeError(w, r, err)
		return
	}
	h.publish(r, events.Event{Type: events.EventOwnershipProposed, Account: payload.Account,
		Metadata: map[string]string{"owner": caller}})
	h.ownershipStatus(w, r)
}

func (h *handler) acceptOwner(w http.ResponseWriter, r *http.Request) {
	caller := h.caller(r)
	if err := h.svc.Owner.Accept(caller); err != nil {
		writeError(w, r, err)
		return
	}
	h.publish(r, events.Event{Type: events.EventOwnershipAccepted, Account: caller})
	h.log.WithContext(r.Context()).WithField("owner", caller).Info("ownership transferred")
	h.ownershipStatus(w, r)
}

// Ledger

type approveRequest struct {
	Spender string `json:"spender"`
	Amount  int64  `json:"amount"`
}

type mintRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

// balance reports the balance of {account} and, with ?spender=, the
// allowance it granted that spender.
func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	resp := map[string]interface{}{
		"account": account,
		"symbol":  h.svc.Ledger.Symbol(),
		"balance": h.svc.Ledger.Balance(account),
	}
	if spender := r.URL.Query().Get("spender"); spender != "" {
		allowance, err := h.svc.Ledger.Holder(spender).Allowance(r.Context(), account, spender)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp["spender"] = spender
		resp["allowance"] = allowance
	}
	writeJSON(w, http.StatusOK, resp)
}

// approve lets the caller grant spender, usually the raffle escrow or a
// fundraise account, an allowance to pull contributions.
func (h *handler) approve(w http.ResponseWriter, r *http.Request) {
	var payload approveRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(payload.Spender) == "" {
		writeError(w, r, svcerrors.BadRequest("spender is required"))
		return
	}
	caller := h.caller(r)
	if err := h.svc.Ledger.Approve(caller, payload.Spender, payload.Amount); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner":     caller,
		"spender":   payload.Spender,
		"allowance": payload.Amount,
	})
}

// mint funds an account. Only the pools owner may mint.
func (h *handler) mint(w http.ResponseWriter, r *http.Request) {
	var payload mintRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, r, err)
		return
	}
	caller := h.caller(r)
	if err := ownership.Require(h.svc.Owner, caller); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(payload.Account) == "" {
		writeError(w, r, svcerrors.BadRequest("account is required"))
		return
	}
	if err := h.svc.Ledger.Mint(payload.Account, payload.Amount); err != nil {
		writeError(w, r, err)
		return
	}
	h.log.WithContext(r.Context()).
		WithField("account", payload.Account).
		WithField("amount", payload.Amount).
		Info("account funded")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": payload.Account,
		"balance": h.svc.Ledger.Balance(payload.Account),
	})
}

// Events

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	if h.svc.Events == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	n := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, r, svcerrors.BadRequest("limit must be a positive integer"))
			return
		}
		n = v
	}
	if n > maxRecentEvents {
		n = maxRecentEvents
	}

	q := r.URL.Query()
	var out []events.Event
	switch {
	case q.Get("pool") != "":
		out = h.svc.Events.RecentByPool(q.Get("pool"), n)
	case q.Get("type") != "":
		out = h.svc.Events.RecentByType(events.EventType(q.Get("type")), n)
	default:
		out = h.svc.Events.Recent(n)
	}
	if out == nil {
		out = []events.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) publish(r *http.Request, e events.Event) {
	if h.svc.Publisher == nil {
		return
	}
	if err := h.svc.Publisher.Publish(r.Context(), e); err != nil {
		h.log.WithContext(r.Context()).WithError(err).WithField("event", e.Type).Warn("publish event")
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	return httputil.DecodeJSON(body, dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteError(w, r, err)
}
