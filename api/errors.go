package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/octoflow/octoflow"
)

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// WriteError maps a store error to its HTTP status and writes the response.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorResponse(w, err, statusFor(err))
}

func WriteErrorResponse(w http.ResponseWriter, err error, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	_ = json.NewEncoder(w).Encode(ErrorResponse{Message: err.Error()})
}

func statusFor(err error) int {
	if errors.Is(err, octoflow.ErrEntityNotFound) {
		return http.StatusNotFound
	}

	return http.StatusInternalServerError
}
