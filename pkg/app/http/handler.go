// Package http holds the chi-facing glue shared by the relay's HTTP routes.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/chainsafe/transfer-relay/pkg/app/errors"
)

// HandlerFunc is an http handler that reports failure through its return value
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// ErrorResponse is the body written for every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// HandleError adapts a HandlerFunc for chi, rendering returned errors with
// DefaultErrorHandler.
//
//	r.Post("/api/v1/transfers", apphttp.HandleError(h.submit))
func HandleError(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			DefaultErrorHandler(w, err)
		}
	}
}

// DefaultErrorHandler writes err as an ErrorResponse. Only ServiceError
// messages reach the caller; anything else becomes a 500.
func DefaultErrorHandler(w http.ResponseWriter, err error) {
	resp := ErrorResponse{
		Error: "Unexpected Service Error",
		Code:  http.StatusInternalServerError,
	}

	var svcErr *apperrors.ServiceError
	if errors.As(err, &svcErr) {
		resp.Error = svcErr.Message
		resp.Code = svcErr.StatusCode()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_ = json.NewEncoder(w).Encode(&resp)
}
