package service

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/transfer-relay/pkg/app/errors"
	apphttp "github.com/chainsafe/transfer-relay/pkg/app/http"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

// HTTP wraps the Service to provide HTTP endpoints
type HTTP struct {
	service Service
	logger  *zap.Logger
}

// RegisterRoutes registers the transfer endpoints on the given chi router
func RegisterRoutes(r chi.Router, service Service, logger *zap.Logger) {
	h := &HTTP{
		service: service,
		logger:  logger,
	}

	r.Route("/api/v1/transfers", func(r chi.Router) {
		r.Post("/", apphttp.HandleError(h.submit))
		r.Get("/{id}", apphttp.HandleError(h.status))
		r.Get("/{id}/events", apphttp.HandleError(h.history))
		r.Post("/{id}/cancel", apphttp.HandleError(h.cancel))
	})
}

func (h *HTTP) submit(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		return apperrors.BadRequestError(err, "failed to read request")
	}

	var intent transfer.Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		return apperrors.BadRequestError(err, "invalid JSON")
	}

	resp, err := h.service.Submit(r.Context(), &intent)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, resp)
	return nil
}

func (h *HTTP) status(w http.ResponseWriter, r *http.Request) error {
	resp, err := h.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) error {
	resp, err := h.service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"events": resp})
	return nil
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) error {
	resp, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}
