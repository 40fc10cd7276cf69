package httputil

import (
	"net/http"

	"github.com/go-chi/render"
	"go.uber.org/zap"

	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/log"
)

// ErrorBody is the wire error envelope.
type ErrorBody struct {
	OK      bool                   `json:"ok"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// RespondJSON renders a JSON body with the given status.
func RespondJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	render.Status(r, status)
	render.JSON(w, r, body)
}

// RespondError maps err onto the error envelope. Domain errors carry their
// own status and stable code; anything else is an opaque 500.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	if domainErr := errors.From(err); domainErr != nil {
		status := domainErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		RespondJSON(w, r, status, ErrorBody{
			OK:      false,
			Code:    domainErr.Code,
			Message: domainErr.Message,
			Details: domainErr.Details,
		})
		return
	}

	log.LoggerFromContext(r.Context()).Error("unhandled error", zap.Error(err))
	RespondJSON(w, r, http.StatusInternalServerError, ErrorBody{
		OK:      false,
		Code:    "INTERNAL_ERROR",
		Message: "Internal server error",
	})
}
