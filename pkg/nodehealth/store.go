package nodehealth

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/chainsafe/transfer-relay/pkg/db/dao"
)

// Store persists chain health summaries, one row per chain
type Store interface {
	Reader
	Save(ctx context.Context, health []ChainHealth) error
}

type pgStore struct {
	db *bun.DB
}

// NewStore creates a new postgres implementation of the node health store
func NewStore(db *bun.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) Save(ctx context.Context, health []ChainHealth) error {
	if len(health) == 0 {
		return nil
	}
	rows := make([]dao.NodeHealthDao, 0, len(health))
	for _, h := range health {
		rows = append(rows, dao.NodeHealthDao{
			Chain:              h.Blockchain,
			HealthyTotal:       h.HealthyTotal,
			UnhealthyTotal:     h.UnhealthyTotal,
			UnhealthyEndpoints: h.UnhealthyEndpoints,
			UpdatedAt:          h.UpdatedAt,
		})
	}
	_, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (chain) DO UPDATE").
		Set("healthy_total = EXCLUDED.healthy_total").
		Set("unhealthy_total = EXCLUDED.unhealthy_total").
		Set("unhealthy_endpoints = EXCLUDED.unhealthy_endpoints").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save node health: %w", err)
	}
	return nil
}

func (s *pgStore) List(ctx context.Context) ([]ChainHealth, error) {
	var rows []dao.NodeHealthDao
	if err := s.db.NewSelect().Model(&rows).Order("chain ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list node health: %w", err)
	}
	out := make([]ChainHealth, 0, len(rows))
	for _, r := range rows {
		endpoints := r.UnhealthyEndpoints
		if endpoints == nil {
			endpoints = []string{}
		}
		out = append(out, ChainHealth{
			Blockchain:         r.Chain,
			HealthyTotal:       r.HealthyTotal,
			UnhealthyTotal:     r.UnhealthyTotal,
			UnhealthyEndpoints: endpoints,
			UpdatedAt:          r.UpdatedAt,
		})
	}
	return out, nil
}
