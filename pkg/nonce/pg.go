package nonce

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/chainsafe/transfer-relay/pkg/db/dao"
)

type pgStore struct {
	db *bun.DB
}

var _ Store = (*pgStore)(nil)

// NewStore creates a new postgres implementation of the nonce store
func NewStore(db *bun.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) TakeGap(ctx context.Context, key Key) (uint64, bool, error) {
	lowest := s.db.NewSelect().
		Model((*dao.NonceGapDao)(nil)).
		Column("nonce").
		Where("signer = ?", key.Signer).
		Where("chain = ?", key.Chain).
		Where("broadcast = FALSE").
		Order("nonce ASC").
		Limit(1).
		For("UPDATE SKIP LOCKED")

	var nonces []int64
	err := s.db.NewDelete().
		Model((*dao.NonceGapDao)(nil)).
		Where("signer = ?", key.Signer).
		Where("chain = ?", key.Chain).
		Where("nonce = (?)", lowest).
		Returning("nonce").
		Scan(ctx, &nonces)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	if len(nonces) == 0 {
		return 0, false, nil
	}
	return uint64(nonces[0]), true, nil
}

// Increment runs as a single upsert so concurrent callers are serialized by
// the row lock on the counter.
func (s *pgStore) Increment(ctx context.Context, key Key, floor uint64) (uint64, error) {
	counter := &dao.NonceCounterDao{
		Signer:    key.Signer,
		Chain:     key.Chain,
		NextNonce: int64(floor) + 1,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(counter).
		On("CONFLICT (signer, chain) DO UPDATE").
		Set("next_nonce = GREATEST(nc.next_nonce, EXCLUDED.next_nonce - 1) + 1").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("next_nonce").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(counter.NextNonce - 1), nil
}

func (s *pgStore) Exists(ctx context.Context, key Key) (bool, error) {
	return s.db.NewSelect().
		Model((*dao.NonceCounterDao)(nil)).
		Where("signer = ?", key.Signer).
		Where("chain = ?", key.Chain).
		Exists(ctx)
}

func (s *pgStore) Rollback(ctx context.Context, key Key, nonce uint64) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*dao.NonceCounterDao)(nil)).
		Set("next_nonce = ?", int64(nonce)).
		Set("updated_at = NOW()").
		Where("signer = ?", key.Signer).
		Where("chain = ?", key.Chain).
		Where("next_nonce = ?", int64(nonce)+1).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *pgStore) AddGap(ctx context.Context, gap Gap) error {
	_, err := s.db.NewInsert().
		Model(&dao.NonceGapDao{
			Signer:    gap.Signer,
			Chain:     gap.Chain,
			Nonce:     int64(gap.Nonce),
			Broadcast: gap.Broadcast,
			FeeBumps:  gap.FeeBumps,
		}).
		On("CONFLICT (signer, chain, nonce) DO UPDATE").
		Set("broadcast = EXCLUDED.broadcast").
		Set("fee_bumps = EXCLUDED.fee_bumps").
		Exec(ctx)
	return err
}

func (s *pgStore) DeleteGap(ctx context.Context, key Key, nonce uint64) error {
	_, err := s.db.NewDelete().
		Model((*dao.NonceGapDao)(nil)).
		Where("signer = ?", key.Signer).
		Where("chain = ?", key.Chain).
		Where("nonce = ?", int64(nonce)).
		Exec(ctx)
	return err
}

func (s *pgStore) ReplacementGaps(ctx context.Context) ([]Gap, error) {
	var daos []dao.NonceGapDao
	err := s.db.NewSelect().
		Model(&daos).
		Order("chain ASC", "signer ASC", "nonce ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	gaps := make([]Gap, len(daos))
	for i, d := range daos {
		gaps[i] = Gap{
			Key:       Key{Signer: d.Signer, Chain: d.Chain},
			Nonce:     uint64(d.Nonce),
			Broadcast: d.Broadcast,
			FeeBumps:  d.FeeBumps,
		}
	}
	return gaps, nil
}

func (s *pgStore) Resync(ctx context.Context, key Key, onChain uint64) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(&dao.NonceCounterDao{
				Signer:    key.Signer,
				Chain:     key.Chain,
				NextNonce: int64(onChain),
				UpdatedAt: time.Now().UTC(),
			}).
			On("CONFLICT (signer, chain) DO UPDATE").
			Set("next_nonce = GREATEST(nc.next_nonce, EXCLUDED.next_nonce)").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to raise counter: %w", err)
		}

		_, err = tx.NewDelete().
			Model((*dao.NonceGapDao)(nil)).
			Where("signer = ?", key.Signer).
			Where("chain = ?", key.Chain).
			Where("nonce < ?", int64(onChain)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to drop consumed gaps: %w", err)
		}
		return nil
	})
}
