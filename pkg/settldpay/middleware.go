// Package settldpay provides the provider-side half of the SettldPay
// contract: chi-compatible middleware that gates a paid tool behind the
// x402 offer/retry dance and verifies the authorization token on the retry.
package settldpay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"settld-gateway/internal/tokens"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/httputil"
)

type contextKey struct{}

// PaymentContextKey carries the verified token payload into the handler.
var PaymentContextKey = contextKey{}

// Config for the payment gate middleware.
type Config struct {
	// Offer is rendered into the x-payment-required header on the 402.
	AmountCents        int64
	Currency           string
	ProviderID         string
	ToolID             string
	RequestBindingMode string
	QuoteRequired      bool

	// TenantID restricts accepted tokens; empty accepts any tenant.
	TenantID string
	// Keys resolves signer keys (well-known keyset client or pinned snapshot).
	Keys tokens.KeyResolver
	// Replay rejects reused token hashes.
	Replay ReplayGuard
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Middleware returns a chi-compatible wrapper implementing the offer side of
// x402: no token → 402 with offer header; a token → verify signature, window,
// tenant, request binding, and single use, then pass through.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Replay == nil {
		cfg.Replay = NewMemoryReplayGuard(tokens.DefaultTTL)
	}
	offer := renderOffer(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token := httputil.BearerToken(r, "SettldPay")
			if token == "" {
				token = r.Header.Get("x-payment")
			}
			if token == "" {
				w.Header().Set("x-payment-required", offer)
				w.WriteHeader(http.StatusPaymentRequired)
				return
			}

			now := cfg.Now()
			payload, err := tokens.Verify(token, tokens.VerifyOptions{
				TenantID: cfg.TenantID,
				Keys:     cfg.Keys,
				Now:      now,
			})
			if err != nil {
				httputil.RespondError(w, r, err)
				return
			}

			if payload.RequestBindingMode == tokens.BindingStrict {
				body, readErr := io.ReadAll(r.Body)
				if readErr != nil {
					httputil.RespondError(w, r, errors.ErrInvalidInput.Wrap(readErr))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				pathWithQuery := r.URL.Path
				if r.URL.RawQuery != "" {
					pathWithQuery += "?" + r.URL.RawQuery
				}
				if err := tokens.CheckBinding(payload, r.Method, r.Host, pathWithQuery, body); err != nil {
					httputil.RespondError(w, r, err)
					return
				}
			}

			ttl := time.Duration(payload.ExpiresAt-now.UnixMilli()) * time.Millisecond
			fresh, err := cfg.Replay.Claim(r.Context(), tokens.TokenHash(token), ttl)
			if err != nil {
				httputil.RespondError(w, r, errors.ErrStoreUnavailable.Wrap(err))
				return
			}
			if !fresh {
				httputil.RespondError(w, r, errors.ErrTokenExpired.
					WithMessage("token has already been used"))
				return
			}

			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), PaymentContextKey, payload)))
		})
	}
}

// PaymentFromContext returns the verified token payload, if any.
func PaymentFromContext(ctx context.Context) (tokens.Payload, bool) {
	payload, ok := ctx.Value(PaymentContextKey).(tokens.Payload)
	return payload, ok
}

func renderOffer(cfg Config) string {
	offer := fmt.Sprintf("amountCents=%d;currency=%s", cfg.AmountCents, cfg.Currency)
	if cfg.ProviderID != "" {
		offer += ";providerId=" + cfg.ProviderID
	}
	if cfg.ToolID != "" {
		offer += ";toolId=" + cfg.ToolID
	}
	if cfg.RequestBindingMode != "" {
		offer += ";requestBindingMode=" + cfg.RequestBindingMode
	}
	if cfg.QuoteRequired {
		offer += ";quoteRequired=true"
	}
	return offer
}
