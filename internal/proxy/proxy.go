package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"settld-gateway/internal/gates/service"
	"settld-gateway/internal/settlement"
	"settld-gateway/internal/tokens"
	"settld-gateway/pkg/crypto"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/log"
)

// Gateway-side headers.
const (
	HeaderGateID             = "x-settld-gate-id"
	HeaderAgentPassport      = "x-settld-agent-passport"
	HeaderPaymentRequired    = "x-payment-required"
	HeaderPayment            = "x-payment"
	HeaderProviderSignature  = "x-settld-provider-signature"
	HeaderProviderQuote      = "x-settld-provider-quote"
	HeaderResponseSha256     = "x-settld-response-sha256"
	HeaderSettlementStatus   = "x-settld-settlement-status"
	HeaderReleasedCents      = "x-settld-released-amount-cents"
	HeaderRefundedCents      = "x-settld-refunded-amount-cents"
	HeaderHoldbackStatus     = "x-settld-holdback-status"
	HeaderHoldbackCents      = "x-settld-holdback-amount-cents"
	HeaderVerificationStatus = "x-settld-verification-status"
	HeaderVerificationCodes  = "x-settld-verification-codes"
)

// Proxy is the transparent x402 reverse proxy: it turns an upstream 402 into
// a Settld gate, mints the authorization on the retry, hashes and verifies
// the upstream response, and settles the escrow before the client sees the
// result.
type Proxy struct {
	upstream        *url.URL
	client          GateClient
	http            *http.Client
	maxResponseBody int64
	now             func() time.Time
}

// Config for the proxy.
type Config struct {
	Upstream        string
	UpstreamTimeout time.Duration
	MaxResponseBody int64
}

// New builds a proxy in front of cfg.Upstream.
func New(client GateClient, cfg Config) (*Proxy, error) {
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil || upstream.Host == "" {
		return nil, errors.ErrInvalidInput.WithMessage("invalid upstream URL").Wrap(err)
	}
	timeout := cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBody := cfg.MaxResponseBody
	if maxBody <= 0 {
		maxBody = 2 << 20
	}
	return &Proxy{
		upstream:        upstream,
		client:          client,
		http:            &http.Client{Timeout: timeout},
		maxResponseBody: maxBody,
		now:             time.Now,
	}, nil
}

// ServeHTTP drives the x402 dance for one client request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	gateID := r.Header.Get(HeaderGateID)
	passport := r.Header.Get(HeaderAgentPassport)

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			p.respondGatewayError(w, http.StatusBadGateway, "gateway_request_read_failed")
			return
		}
	}

	resp, respBody, err := p.forward(ctx, r, body, "")
	if err != nil {
		logger.Warn("upstream fetch failed", zap.Error(err))
		p.respondGatewayError(w, http.StatusBadGateway, "gateway_upstream_unreachable")
		return
	}

	// Phase 1: upstream demands payment and no gate exists yet — create the
	// gate and bounce the 402 back with the gate handle.
	if resp.StatusCode == http.StatusPaymentRequired && gateID == "" {
		p.handleOffer(ctx, w, r, resp, passport)
		return
	}

	// Phase 2: the client retried with its gate handle and the upstream still
	// wants payment — authorize, attach the token, and retry.
	if resp.StatusCode == http.StatusPaymentRequired && gateID != "" {
		if len(body) > 0 {
			p.respondGatewayError(w, http.StatusBadGateway, "gateway_retry_requires_buffered_body")
			return
		}
		p.handleAuthorizedRetry(ctx, w, r, resp, gateID)
		return
	}

	// Phase 3: a response under an open gate — settle it.
	if gateID != "" {
		p.settle(ctx, w, r, gateID, resp, respBody, nil)
		return
	}

	// No x402 involvement: pass the upstream response through.
	writeUpstreamResponse(w, resp, respBody)
}

func (p *Proxy) handleOffer(ctx context.Context, w http.ResponseWriter, r *http.Request, resp *http.Response, passport string) {
	logger := log.LoggerFromContext(ctx)

	offerHeader := resp.Header.Get(HeaderPaymentRequired)
	offer, err := ParseOffer(offerHeader)
	if err != nil {
		logger.Warn("unparseable x-payment-required offer", zap.Error(err))
		p.respondGatewayError(w, http.StatusBadGateway, "gateway_offer_invalid")
		return
	}

	payer := r.Header.Get("x-settld-payer-agent-id")
	if payer == "" {
		payer = "agent_anonymous"
	}
	payee := offer.ProviderID
	if payee == "" {
		payee = "provider_" + strings.ToLower(p.upstream.Hostname())
	}

	idempotencyKey := "offer:" + crypto.SHA256HexString(offerHeader+"|"+payer+"|"+r.URL.Path)
	created, err := p.client.Create(ctx, idempotencyKey, service.CreateRequest{
		PayerAgentID:          payer,
		PayeeAgentID:          payee,
		AmountCents:           offer.AmountCents,
		Currency:              offer.Currency,
		ToolID:                offer.ToolID,
		ProviderID:            offer.ProviderID,
		PaymentRequiredHeader: offer.Raw,
		AgentPassport:         passport,
	})
	if err != nil {
		logger.Error("gate creation failed", zap.Error(err))
		p.respondGatewayError(w, http.StatusBadGateway, errors.CodeOf(err))
		return
	}

	logger.Info("gate opened for upstream offer",
		zap.String("gate_id", created.Gate.GateID),
		zap.Int64("amount_cents", offer.AmountCents),
	)

	w.Header().Set(HeaderGateID, created.Gate.GateID)
	w.Header().Set(HeaderPaymentRequired, offerHeader)
	w.WriteHeader(http.StatusPaymentRequired)
}

func (p *Proxy) handleAuthorizedRetry(ctx context.Context, w http.ResponseWriter, r *http.Request, resp *http.Response, gateID string) {
	logger := log.LoggerFromContext(ctx)

	offer, err := ParseOffer(resp.Header.Get(HeaderPaymentRequired))
	if err != nil {
		p.respondGatewayError(w, http.StatusBadGateway, "gateway_offer_invalid")
		return
	}

	authReq := service.AuthorizeRequest{GateID: gateID}
	if offer.QuoteRequired {
		bindingHash := ""
		if strings.EqualFold(offer.RequestBindingMode, "strict") {
			hash, err := strictBindingHash(r, nil)
			if err != nil {
				p.respondGatewayError(w, http.StatusBadGateway, "gateway_binding_hash_failed")
				return
			}
			bindingHash = hash
		}
		quoted, err := p.client.Quote(ctx, "quote:"+gateID, service.QuoteRequest{
			GateID:             gateID,
			RequestBindingMode: offer.RequestBindingMode,
			RequestBindingHash: bindingHash,
			QuoteID:            offer.QuoteID,
		})
		if err != nil {
			logger.Error("quote failed", zap.Error(err))
			p.respondGatewayError(w, http.StatusBadGateway, errors.CodeOf(err))
			return
		}
		authReq.QuoteID = quoted.Quote.QuoteID
		authReq.RequestBindingMode = string(quoted.Quote.RequestBindingMode)
		authReq.RequestBindingHash = quoted.Quote.RequestBindingHash
	} else if strings.EqualFold(offer.RequestBindingMode, "strict") {
		hash, err := strictBindingHash(r, nil)
		if err != nil {
			p.respondGatewayError(w, http.StatusBadGateway, "gateway_binding_hash_failed")
			return
		}
		authReq.RequestBindingMode = "strict"
		authReq.RequestBindingHash = hash
	}

	authorized, err := p.client.Authorize(ctx, "authorize:"+gateID, authReq)
	if err != nil {
		logger.Error("authorization failed",
			zap.String("gate_id", gateID),
			zap.Error(err),
		)
		p.respondGatewayError(w, http.StatusBadGateway, errors.CodeOf(err))
		return
	}

	retryResp, retryBody, err := p.forward(ctx, r, nil, authorized.Token)
	if err != nil {
		// Escrow is held: force the gate red so the reserve frees.
		p.forceRed(ctx, gateID, 0, errors.CodeGatewayError)
		p.respondGatewayError(w, http.StatusBadGateway, "gateway_upstream_unreachable")
		return
	}
	p.settle(ctx, w, r, gateID, retryResp, retryBody, &authorized)
}

// settle verifies the upstream response against the gate and echoes the
// settlement outcome to the client.
func (p *Proxy) settle(ctx context.Context, w http.ResponseWriter, r *http.Request, gateID string, resp *http.Response, respBody []byte, auth *service.AuthorizeResponse) {
	logger := log.LoggerFromContext(ctx)

	codes := []string{}
	verificationStatus := statusForUpstream(resp.StatusCode)

	if int64(len(respBody)) > p.maxResponseBody {
		verificationStatus = settlement.StatusRed
		codes = append(codes, errors.CodeGatewayResponseTooLarge)
		respBody = respBody[:0]
	}

	responseHash := ResponseHash(resp.Header.Get("content-type"), respBody)

	verifyReq := service.VerifyRequest{
		GateID:             gateID,
		VerificationStatus: string(verificationStatus),
		RunStatus:          strconv.Itoa(resp.StatusCode),
		VerificationCodes:  codes,
		ResponseSha256:     responseHash,
		ProviderSignature:  resp.Header.Get(HeaderProviderSignature),
		ProviderQuote:      resp.Header.Get(HeaderProviderQuote),
	}
	idempotencyKey := fmt.Sprintf("settle:%s:%d:%s", gateID, resp.StatusCode, responseHash)

	verified, err := p.client.Verify(ctx, idempotencyKey, verifyReq)
	if err != nil {
		logger.Error("verification failed",
			zap.String("gate_id", gateID),
			zap.Error(err),
		)
		if auth != nil {
			p.forceRed(ctx, gateID, resp.StatusCode, errors.CodeGatewayError)
		}
		p.respondGatewayError(w, http.StatusBadGateway, errors.CodeOf(err))
		return
	}

	decision := verified.Settlement
	headers := w.Header()
	headers.Set(HeaderGateID, gateID)
	headers.Set(HeaderResponseSha256, responseHash)
	headers.Set(HeaderSettlementStatus, settlementStatusLabel(decision))
	headers.Set(HeaderReleasedCents, strconv.FormatInt(decision.ReleasedAmountCents, 10))
	headers.Set(HeaderRefundedCents, strconv.FormatInt(decision.RefundedAmountCents, 10))
	headers.Set(HeaderHoldbackCents, strconv.FormatInt(decision.HeldbackAmountCents, 10))
	if decision.HeldbackAmountCents > 0 {
		headers.Set(HeaderHoldbackStatus, "held")
	} else {
		headers.Set(HeaderHoldbackStatus, "none")
	}
	headers.Set(HeaderVerificationStatus, string(decision.VerificationStatus))
	sortedCodes := append([]string(nil), decision.ReasonCodes...)
	sort.Strings(sortedCodes)
	headers.Set(HeaderVerificationCodes, strings.Join(sortedCodes, ","))

	writeUpstreamResponse(w, resp, respBody)
}

// forceRed frees held escrow after a gateway-side failure. Best-effort and
// replay-safe: the idempotency key is derived from the failure, not the
// attempt.
func (p *Proxy) forceRed(ctx context.Context, gateID string, upstreamStatus int, code string) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_, err := p.client.Verify(detached, fmt.Sprintf("forcered:%s:%s:%d", gateID, code, upstreamStatus), service.VerifyRequest{
		GateID:             gateID,
		VerificationStatus: string(settlement.StatusRed),
		RunStatus:          strconv.Itoa(upstreamStatus),
		VerificationCodes:  []string{code},
	})
	if err != nil {
		log.LoggerFromContext(ctx).Error("forced red verification failed",
			zap.String("gate_id", gateID),
			zap.Error(err),
		)
	}
}

// forward sends the (possibly retried) request upstream. The agent passport
// and the client's host and content-length headers are not copied; every
// other request header is.
func (p *Proxy) forward(ctx context.Context, r *http.Request, body []byte, token string) (*http.Response, []byte, error) {
	target := *p.upstream
	target.Path = singleJoiningSlash(p.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), reader)
	if err != nil {
		return nil, nil, err
	}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if lower == "host" || lower == HeaderAgentPassport || lower == "content-length" {
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(name, v)
		}
	}
	if token != "" {
		upstreamReq.Header.Set("Authorization", "SettldPay "+token)
		upstreamReq.Header.Set(HeaderPayment, token)
	}

	resp, err := p.http.Do(upstreamReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, p.maxResponseBody+1))
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

func (p *Proxy) respondGatewayError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"ok":false,"code":%q,"message":"gateway error"}`, code)
}

// strictBindingHash anchors the retried request: method, lowercased host,
// path with query, and the body hash (empty body for idempotent retries).
func strictBindingHash(r *http.Request, body []byte) (string, error) {
	pathWithQuery := r.URL.Path
	if r.URL.RawQuery != "" {
		pathWithQuery += "?" + r.URL.RawQuery
	}
	return tokens.BindingHash(r.Method, r.Host, pathWithQuery, body)
}

func statusForUpstream(statusCode int) settlement.VerificationStatus {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return settlement.StatusGreen
	case statusCode >= 400 && statusCode < 500:
		return settlement.StatusAmber
	default:
		return settlement.StatusRed
	}
}

func settlementStatusLabel(d settlement.DecisionRecord) string {
	switch {
	case d.ReleasedAmountCents > 0 && d.RefundedAmountCents == 0 && d.HeldbackAmountCents == 0:
		return "released"
	case d.ReleasedAmountCents == 0 && d.RefundedAmountCents > 0 && d.HeldbackAmountCents == 0:
		return "refunded"
	case d.HeldbackAmountCents > 0:
		return "partial_hold"
	default:
		return "partial"
	}
}

func writeUpstreamResponse(w http.ResponseWriter, resp *http.Response, body []byte) {
	for name, values := range resp.Header {
		lower := strings.ToLower(name)
		if lower == "content-length" || lower == "transfer-encoding" || lower == "connection" {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	}
	return a + b
}
