package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/services"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrSessionNotFound), services.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrMissingArgument),
		errors.Is(err, shared.ErrInvalidArgument),
		errors.Is(err, shared.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrDeviceFlow), errors.Is(err, shared.ErrAPIRequest):
		return http.StatusBadGateway
	case errors.Is(err, shared.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, shared.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a JSON error body. Internal failures are logged and not echoed to the client.
func writeError(w http.ResponseWriter, logger *log.Logger, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	switch status {
	case http.StatusUnauthorized:
		body.Error = shared.ErrAuthRequired.Error()
		body.Message = "Not authenticated with TIDAL. Start a login with POST /auth/login and approve it in the browser."
	case http.StatusInternalServerError:
		logger.Error("request failed", "error", err)
		body.Error = "internal server error"
	}

	writeJSON(w, status, body)
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: malformed JSON body: %v", shared.ErrInvalidInput, err)
	}
	return nil
}
