package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/machinist/machinist/pkg/engine"
)

// maxBodyBytes bounds request bodies. Bootstrap scripts are the largest
// expected payload and fit comfortably.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps classified engine errors onto HTTP statuses. Unclassified
// errors surface as 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	var e *engine.Error
	if !errors.As(err, &e) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: errorBody{Code: engine.CodeInternal, Message: "internal error"},
		})
		return
	}
	writeJSON(w, statusForCode(e.Code), errorResponse{
		Error: errorBody{Code: e.Code, Message: e.Message, Details: e.Details},
	})
}

func statusForCode(code string) int {
	switch code {
	case engine.CodeValidation:
		return http.StatusBadRequest
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeConflict, engine.CodeInvalidState:
		return http.StatusConflict
	case engine.CodeInvalidCredentials, engine.CodeUnsupportedProvider:
		return http.StatusUnprocessableEntity
	case engine.CodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return engine.NewValidationError("failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return engine.NewValidationError("request body too large")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return engine.NewValidationError(fmt.Sprintf("malformed JSON body: %v", err))
	}
	return nil
}

// actorFrom identifies the caller for audit purposes. Authentication is a
// deployment concern handled in front of machinist.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Machinist-Actor"); actor != "" {
		return actor
	}
	return "api"
}
