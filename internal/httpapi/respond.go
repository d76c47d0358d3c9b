package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"chatgate/internal/proxy"
	"chatgate/internal/vault"
)

const (
	maxBodyBytes = 1 << 20

	// run-ai bodies may carry a base64 image.
	maxRunAIBodyBytes = 16 << 20
)

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Success: false, Message: message})
}

func writeOK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, errorBody{Success: true, Message: message})
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// at its zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeJSONLimit(w, r, dst, maxBodyBytes)
}

func decodeJSONLimit(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vault.ErrMissingField),
		errors.Is(err, vault.ErrInvalidField),
		errors.Is(err, proxy.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrNotFound),
		errors.Is(err, proxy.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the error text safe to show a caller.
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusInternalServerError:
		return "Internal server error"
	case http.StatusBadGateway:
		return "Upstream model call failed"
	default:
		return err.Error()
	}
}
