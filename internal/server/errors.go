package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// apiError is a failure with an HTTP status. Handlers raise them; writeError
// is the single point that renders them.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func errBadRequest(format string, args ...any) error {
	return &apiError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

func errNotFound(format string, args ...any) error {
	return &apiError{status: http.StatusNotFound, message: fmt.Sprintf(format, args...)}
}

func errForbidden(format string, args ...any) error {
	return &apiError{status: http.StatusForbidden, message: fmt.Sprintf(format, args...)}
}

func errConflict(format string, args ...any) error {
	return &apiError{status: http.StatusConflict, message: fmt.Sprintf(format, args...)}
}

func errTooLarge(format string, args ...any) error {
	return &apiError{status: http.StatusRequestEntityTooLarge, message: fmt.Sprintf(format, args...)}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		status = apiErr.status
		message = apiErr.message
	} else {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeBody parses a JSON request body into dst. Any parse failure is the
// explicit invalid-JSON 400, never a missing-field error.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errBadRequest("invalid JSON body")
	}
	return nil
}
