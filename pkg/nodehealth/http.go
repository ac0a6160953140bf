package nodehealth

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/transfer-relay/pkg/app/errors"
	apphttp "github.com/chainsafe/transfer-relay/pkg/app/http"
)

// RegisterRoutes registers GET /health/nodes on the given chi router.
// Only chains in active are reported.
func RegisterRoutes(r chi.Router, reader Reader, active []string, logger *zap.Logger) {
	allowed := make(map[string]bool, len(active))
	for _, id := range active {
		allowed[id] = true
	}

	r.Get("/health/nodes", apphttp.HandleError(func(w http.ResponseWriter, r *http.Request) error {
		health, err := reader.List(r.Context())
		if err != nil {
			return apperrors.DependencyError(fmt.Errorf("failed to read node health: %w", err), "node health unavailable")
		}
		out := make([]ChainHealth, 0, len(health))
		for _, h := range health {
			if allowed[h.Blockchain] {
				out = append(out, h)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Warn("Failed to write node health", zap.Error(err))
		}
		return nil
	}))
}
