package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/gates/service"
	"settld-gateway/internal/infrastructure/auth"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/httputil"
)

// GateHandler exposes the gate lifecycle over HTTP.
type GateHandler struct {
	svc *service.Service
}

// NewGateHandler wires the handler.
func NewGateHandler(svc *service.Service) *GateHandler {
	return &GateHandler{svc: svc}
}

// Routes returns the /x402 route tree. The caller mounts auth middleware.
func (h *GateHandler) Routes(opsOnly func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/gate/create", h.create)
	r.Post("/gate/quote", h.quote)
	r.Post("/gate/authorize-payment", h.authorizePayment)
	r.Post("/gate/verify", h.verify)
	r.Get("/gate/{id}", h.getGate)
	r.Get("/gate/{id}/ledger", h.getLedger)
	r.Get("/gate/{id}/events", h.getEvents)
	r.Get("/gate/{id}/receipt", h.getReceipt)
	r.Get("/gates", h.listGates)

	r.Post("/hold/{holdHash}/challenge", h.challengeHold)
	r.Group(func(r chi.Router) {
		r.Use(opsOnly)
		r.Post("/hold/{holdHash}/verdict", h.resolveHold)
	})

	return r
}

// @Summary Create a payment gate
// @Description Opens a gate for one paid upstream call
// @Tags gates
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param x-idempotency-key header string true "Idempotency key"
// @Param request body service.CreateRequest true "Gate parameters"
// @Success 200 {object} service.CreateResponse
// @Failure 400 {object} httputil.ErrorBody
// @Router /x402/gate/create [post]
func (h *GateHandler) create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	resp, err := h.svc.Create(r.Context(), httputil.IdempotencyKey(r), req)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	httputil.RespondJSON(w, r, http.StatusOK, resp)
}

// @Summary Quote a gate
// @Tags gates
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param x-idempotency-key header string true "Idempotency key"
// @Param request body service.QuoteRequest true "Quote parameters"
// @Success 200 {object} service.QuoteResponse
// @Failure 409 {object} httputil.ErrorBody
// @Router /x402/gate/quote [post]
func (h *GateHandler) quote(w http.ResponseWriter, r *http.Request) {
	var req service.QuoteRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	resp, err := h.svc.Quote(r.Context(), httputil.IdempotencyKey(r), req)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	httputil.RespondJSON(w, r, http.StatusOK, resp)
}

// @Summary Authorize payment for a gate
// @Description Reserves escrow and mints the SettldPay token
// @Tags gates
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param x-idempotency-key header string true "Idempotency key"
// @Param request body service.AuthorizeRequest true "Authorization parameters"
// @Success 200 {object} service.AuthorizeResponse
// @Failure 409 {object} httputil.ErrorBody
// @Failure 410 {object} httputil.ErrorBody
// @Router /x402/gate/authorize-payment [post]
func (h *GateHandler) authorizePayment(w http.ResponseWriter, r *http.Request) {
	var req service.AuthorizeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	resp, err := h.svc.AuthorizePayment(r.Context(), httputil.IdempotencyKey(r), req)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	httputil.RespondJSON(w, r, http.StatusOK, resp)
}

// @Summary Verify a gate and settle escrow
// @Tags gates
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param x-idempotency-key header string true "Idempotency key"
// @Param request body service.VerifyRequest true "Verification inputs"
// @Success 200 {object} service.VerifyResponse
// @Failure 409 {object} httputil.ErrorBody
// @Router /x402/gate/verify [post]
func (h *GateHandler) verify(w http.ResponseWriter, r *http.Request) {
	var req service.VerifyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	resp, err := h.svc.Verify(r.Context(), httputil.IdempotencyKey(r), req)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	httputil.RespondJSON(w, r, http.StatusOK, resp)
}

// @Summary Fetch a gate
// @Tags gates
// @Produce json
// @Security BearerAuth
// @Param id path string true "Gate ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} httputil.ErrorBody
// @Router /x402/gate/{id} [get]
func (h *GateHandler) getGate(w http.ResponseWriter, r *http.Request) {
	gateID, err := httputil.URLParam(r, "id")
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	gate, decision, err := h.svc.GetGate(r.Context(), gateID)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	body := map[string]interface{}{"gate": gate}
	if decision != nil {
		body["settlement"] = decision
	}
	httputil.RespondJSON(w, r, http.StatusOK, body)
}

// @Summary List gates
// @Tags gates
// @Produce json
// @Security BearerAuth
// @Param status query string false "Status filter"
// @Success 200 {object} map[string]interface{}
// @Router /x402/gates [get]
func (h *GateHandler) listGates(w http.ResponseWriter, r *http.Request) {
	var status domain.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := domain.ParseStatus(raw)
		if err != nil {
			httputil.RespondError(w, r, err)
			return
		}
		status = parsed
	}
	gates, err := h.svc.ListGates(r.Context(), status, 100)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	httputil.RespondJSON(w, r, http.StatusOK, map[string]interface{}{"gates": gates})
}

// @Summary Gate ledger entries
// @Tags gates
// @Produce json
// @Security BearerAuth
// @Param id path string true "Gate ID"
// @Success 200 {object} map[string]interface{}
// @Router /x402/gate/{id}/ledger [get]
func (h *GateHandler) getLedger(w http.ResponseWriter, r *http.Request) {
	gateID, err := httputil.URLParam(r, "id")
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	entries, err := h.svc.Ledger(r.Context(), gateID)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	httputil.RespondJSON(w, r, http.StatusOK, map[string]interface{}{"entries": entries})
}

// @Summary Gate event stream
// @Tags gates
// @Produce json
// @Security BearerAuth
// @Param id path string true "Gate ID"
// @Success 200 {object} map[string]interface{}
// @Router /x402/gate/{id}/events [get]
func (h *GateHandler) getEvents(w http.ResponseWriter, r *http.Request) {
	gateID, err := httputil.URLParam(r, "id")
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	stream, head, err := h.svc.Events(r.Context(), gateID)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	httputil.RespondJSON(w, r, http.StatusOK, map[string]interface{}{
		"events": stream,
		"head":   head,
	})
}

// @Summary Settlement receipt
// @Tags gates
// @Produce json
// @Security BearerAuth
// @Param id path string true "Gate ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} httputil.ErrorBody
// @Router /x402/gate/{id}/receipt [get]
func (h *GateHandler) getReceipt(w http.ResponseWriter, r *http.Request) {
	gateID, err := httputil.URLParam(r, "id")
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	receipt, err := h.svc.Receipt(r.Context(), gateID)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	httputil.RespondJSON(w, r, http.StatusOK, map[string]interface{}{"receipt": receipt})
}

// @Summary Challenge a holdback
// @Tags holds
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param holdHash path string true "Hold hash"
// @Success 200 {object} service.HoldResponse
// @Failure 409 {object} httputil.ErrorBody
// @Router /x402/hold/{holdHash}/challenge [post]
func (h *GateHandler) challengeHold(w http.ResponseWriter, r *http.Request) {
	holdHash, err := httputil.URLParam(r, "holdHash")
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	var req service.ChallengeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	req.HoldHash = holdHash
	resp, err := h.svc.ChallengeHold(r.Context(), httputil.IdempotencyKey(r), req)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	httputil.RespondJSON(w, r, http.StatusOK, resp)
}

// @Summary Resolve a disputed holdback
// @Tags holds
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param holdHash path string true "Hold hash"
// @Success 200 {object} service.HoldResponse
// @Failure 403 {object} httputil.ErrorBody
// @Router /x402/hold/{holdHash}/verdict [post]
func (h *GateHandler) resolveHold(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || !principal.HasScope(auth.ScopeOps) {
		httputil.RespondError(w, r, errors.ErrForbidden)
		return
	}
	holdHash, err := httputil.URLParam(r, "holdHash")
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	var req service.VerdictRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	req.HoldHash = holdHash
	resp, err := h.svc.ResolveHold(r.Context(), httputil.IdempotencyKey(r), req)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	httputil.RespondJSON(w, r, http.StatusOK, resp)
}
