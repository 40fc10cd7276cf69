package errors

import "net/http"

// Sentinel catalog. The suffix taxonomy fixes the HTTP mapping:
// _MISSING/_INVALID → 400, _CONFLICT → 409, _EXPIRED → 410,
// _UNAVAILABLE → 503, _UNAUTHORIZED → 401/403.
var (
	ErrValidation = &Error{
		Code:       "VALIDATION_ERROR",
		Message:    "Validation failed",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidInput = &Error{
		Code:       "INVALID_INPUT",
		Message:    "Invalid input provided",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNotFound = &Error{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrUnauthorized = &Error{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbidden = &Error{
		Code:       "FORBIDDEN",
		Message:    "Access forbidden",
		HTTPStatus: http.StatusForbidden,
	}

	ErrInternal = &Error{
		Code:       "INTERNAL_ERROR",
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	// Store
	ErrStoreUnavailable = &Error{
		Code:       "STORE_UNAVAILABLE",
		Message:    "Storage backend unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrStoreLockTimeout = &Error{
		Code:       "STORE_LOCK_TIMEOUT",
		Message:    "Timed out acquiring advisory lock",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrConcurrentModification = &Error{
		Code:       "CONCURRENT_MODIFICATION",
		Message:    "Gate was modified concurrently",
		HTTPStatus: http.StatusConflict,
	}

	ErrIdempotencyConflict = &Error{
		Code:       "IDEMPOTENCY_CONFLICT",
		Message:    "Idempotency key replayed with a different request",
		HTTPStatus: http.StatusConflict,
	}

	ErrEventAppendConflict = &Error{
		Code:       "SESSION_EVENT_APPEND_CONFLICT",
		Message:    "Event stream head moved",
		HTTPStatus: http.StatusConflict,
	}

	// Gate lifecycle
	ErrGateInvalidState = &Error{
		Code:       "GATE_INVALID_STATE",
		Message:    "Gate is not in a state that allows this operation",
		HTTPStatus: http.StatusConflict,
	}

	ErrGateExpired = &Error{
		Code:       "GATE_EXPIRED",
		Message:    "Gate has expired",
		HTTPStatus: http.StatusGone,
	}

	ErrInsufficientFunds = &Error{
		Code:       "INSUFFICIENT_FUNDS",
		Message:    "Payer wallet balance below gate amount",
		HTTPStatus: http.StatusConflict,
	}

	ErrQuoteBindingMissing = &Error{
		Code:       "QUOTE_REQUEST_BINDING_MISSING",
		Message:    "Strict request binding requires requestBindingSha256",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrAuthQuoteBindingMismatch = &Error{
		Code:       "AUTH_QUOTE_BINDING_MISMATCH",
		Message:    "Authorization does not match the bound quote",
		HTTPStatus: http.StatusConflict,
	}

	ErrAuthTokenExpiredReplay = &Error{
		Code:       "AUTH_TOKEN_EXPIRED_REPLAY",
		Message:    "Replayed authorization token has expired",
		HTTPStatus: http.StatusGone,
	}

	ErrCascadeBindingInvalid = &Error{
		Code:       "CASCADE_BINDING_INVALID",
		Message:    "Parent work-order binding chain is broken",
		HTTPStatus: http.StatusConflict,
	}

	ErrSettlementSplitInvalid = &Error{
		Code:       "SETTLEMENT_SPLIT_INVALID",
		Message:    "Release, refund and holdback do not sum to the reserve",
		HTTPStatus: http.StatusInternalServerError,
	}

	// Token verification
	ErrTokenMalformed = &Error{
		Code:       "TOKEN_MALFORMED",
		Message:    "Payment token is malformed",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrTokenExpired = &Error{
		Code:       "TOKEN_EXPIRED",
		Message:    "Payment token has expired",
		HTTPStatus: http.StatusGone,
	}

	ErrTokenSignerUnknown = &Error{
		Code:       "TOKEN_SIGNER_UNKNOWN",
		Message:    "Payment token signer is not in the active keyset",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrTokenSignatureInvalid = &Error{
		Code:       "TOKEN_SIGNATURE_INVALID",
		Message:    "Payment token signature verification failed",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrRequestBindingMismatch = &Error{
		Code:       "SETTLDPAY_REQUEST_BINDING_MISMATCH",
		Message:    "Request does not match the bound request hash",
		HTTPStatus: http.StatusConflict,
	}

	// Holds
	ErrHoldNotFound = &Error{
		Code:       "HOLD_NOT_FOUND",
		Message:    "Hold not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrHoldInvalidState = &Error{
		Code:       "HOLD_INVALID_STATE",
		Message:    "Hold is not in a state that allows this operation",
		HTTPStatus: http.StatusConflict,
	}

	// Webhook receiver
	ErrDedupeMismatch = &Error{
		Code:       "DEDUPE_MISMATCH",
		Message:    "Dedupe key already bound to a different artifact",
		HTTPStatus: http.StatusConflict,
	}

	ErrSignatureInvalid = &Error{
		Code:       "SIGNATURE_INVALID",
		Message:    "Delivery signature verification failed",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrTimestampSkew = &Error{
		Code:       "TIMESTAMP_SKEW_EXCEEDED",
		Message:    "Delivery timestamp outside the allowed window",
		HTTPStatus: http.StatusUnauthorized,
	}

	// Keyset
	ErrKeysetUnavailable = &Error{
		Code:       "KEYSET_UNAVAILABLE",
		Message:    "Well-known keyset could not be fetched",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// Gateway-side verification codes. These never map to their own HTTP status:
// the proxy surfaces them inside a forced-red settlement and returns 502.
const (
	CodeGatewayError            = "X402_GATEWAY_ERROR"
	CodeGatewayResponseTooLarge = "X402_GATEWAY_RESPONSE_TOO_LARGE"

	CodeProviderSignatureMissing     = "X402_PROVIDER_SIGNATURE_MISSING"
	CodeProviderSignatureInvalid     = "X402_PROVIDER_SIGNATURE_INVALID"
	CodeProviderKeyIDUnknown         = "X402_PROVIDER_SIGNATURE_KEY_ID_UNKNOWN"
	CodeProviderResponseHashMismatch = "X402_PROVIDER_SIGNATURE_RESPONSE_HASH_MISMATCH"
	CodeProviderQuoteMissing         = "X402_PROVIDER_QUOTE_MISSING"
	CodeProviderQuoteInvalid         = "X402_PROVIDER_QUOTE_INVALID"
	CodeProviderQuoteKeyIDUnknown    = "X402_PROVIDER_QUOTE_KEY_ID_UNKNOWN"
	CodeRequestBindingMismatch       = "SETTLDPAY_REQUEST_BINDING_MISMATCH"
	CodeGateAutoExpired              = "GATE_AUTO_EXPIRED"
)
