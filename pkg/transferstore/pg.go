package transferstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/chainsafe/transfer-relay/pkg/db/dao"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

var terminalStates = []string{
	string(transfer.StateDestinationConfirmed),
	string(transfer.StateRejected),
	string(transfer.StateFailed),
	string(transfer.StateCancelled),
}

type pgStore struct {
	db *bun.DB
}

var _ Store = (*pgStore)(nil)

// NewStore creates a new postgres implementation of the transfer store
func NewStore(db *bun.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) Create(ctx context.Context, rec *transfer.Record) (*transfer.Record, bool, error) {
	var created bool
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().
			Model(toTransferDao(rec)).
			On("CONFLICT (transfer_id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to insert transfer: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		created = true

		event := transfer.Event{TransferID: rec.TransferID, To: rec.State, At: rec.UpdatedAt}
		if _, err := tx.NewInsert().Model(toEventDao(event)).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert transfer event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		return rec, true, nil
	}

	existing, err := s.Get(ctx, rec.TransferID)
	if err != nil {
		return nil, false, err
	}
	if !existing.SameAs(rec.Intent) {
		return existing, false, ErrConflict
	}
	return existing, false, nil
}

func (s *pgStore) Get(ctx context.Context, id string) (*transfer.Record, error) {
	d := new(dao.TransferDao)
	err := s.db.NewSelect().
		Model(d).
		Where("transfer_id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return toRecord(d), nil
}

func (s *pgStore) Update(ctx context.Context, rec *transfer.Record, events []transfer.Event, opts ...UpdateOption) error {
	options := buildOptions(opts)

	d := toTransferDao(rec)
	d.Version = rec.Version + 1

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model(d).
			ExcludeColumn("transfer_id", "created_at").
			Where("transfer_id = ?", rec.TransferID).
			Where("version = ?", rec.Version)
		for _, kind := range options.UnpinnedLegs {
			q = q.Where("? IS NULL", bun.Ident(string(kind)+"_tx_hash"))
		}

		res, err := q.Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to update transfer: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStale
		}

		if len(events) == 0 {
			return nil
		}
		rows := make([]*dao.TransferEventDao, len(events))
		for i, e := range events {
			rows[i] = toEventDao(e)
		}
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert transfer events: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rec.Version = d.Version
	return nil
}

func (s *pgStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*transfer.Record, error) {
	var daos []dao.TransferDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("state NOT IN (?)", bun.In(terminalStates)).
		Where("updated_at < ?", before).
		Order("updated_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transfers: %w", err)
	}
	records := make([]*transfer.Record, len(daos))
	for i := range daos {
		records[i] = toRecord(&daos[i])
	}
	return records, nil
}

func (s *pgStore) History(ctx context.Context, id string) ([]transfer.Event, error) {
	var daos []dao.TransferEventDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("transfer_id = ?", id).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer history: %w", err)
	}
	events := make([]transfer.Event, len(daos))
	for i := range daos {
		events[i] = toEvent(&daos[i])
	}
	return events, nil
}
