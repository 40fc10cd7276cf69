package httputil

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"settld-gateway/pkg/errors"
)

// Request headers of the API contract.
const (
	HeaderIdempotencyKey = "x-idempotency-key"
	HeaderTenantID       = "x-proxy-tenant-id"
	HeaderProtocol       = "x-settld-protocol"
)

// DecodeJSON decodes the request body into target.
func DecodeJSON(r *http.Request, target interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return errors.ErrInvalidInput.Wrap(err)
	}
	return nil
}

// URLParam extracts a required URL parameter.
func URLParam(r *http.Request, name string) (string, error) {
	value := chi.URLParam(r, name)
	if value == "" {
		return "", errors.ErrInvalidInput.WithDetails("field", name)
	}
	return value, nil
}

// IdempotencyKey reads the x-idempotency-key header.
func IdempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
}

// BearerToken extracts the token from an Authorization header with the given
// scheme ("Bearer", "SettldPay").
func BearerToken(r *http.Request, scheme string) string {
	header := strings.TrimSpace(r.Header.Get("authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], scheme) {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
