package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/chainsafe/transfer-relay/pkg/db/dao"
)

type pgQueue struct {
	db *bun.DB
}

var _ Queue = (*pgQueue)(nil)

// NewStore creates a new postgres implementation of the task queue
func NewStore(db *bun.DB) Queue {
	return &pgQueue{db: db}
}

func (s *pgQueue) Enqueue(ctx context.Context, task Task) error {
	now := time.Now().UTC()
	_, err := s.db.NewInsert().
		Model(&dao.TaskDao{
			ID:         task.ID,
			Queue:      string(task.Queue),
			TransferID: task.TransferID,
			Kind:       task.Kind,
			RunAt:      task.RunAt.UTC(),
			CreatedAt:  now,
			UpdatedAt:  now,
		}).
		On("CONFLICT (transfer_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (s *pgQueue) Dequeue(ctx context.Context, q Name, worker string, visibility time.Duration) (*Task, error) {
	now := time.Now().UTC()

	next := s.db.NewSelect().
		Model((*dao.TaskDao)(nil)).
		Column("id").
		Where("queue = ?", string(q)).
		Where("run_at <= ?", now).
		Where("(locked_until IS NULL OR locked_until < ?)", now).
		Order("run_at ASC").
		Limit(1).
		For("UPDATE SKIP LOCKED")

	var rows []dao.TaskDao
	err := s.db.NewUpdate().
		Model((*dao.TaskDao)(nil)).
		Set("locked_by = ?", worker).
		Set("locked_until = ?", now.Add(visibility)).
		Set("attempts = t.attempts + 1").
		Set("updated_at = ?", now).
		Where("id = (?)", next).
		Returning("*").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	task := toTask(&rows[0])
	return &task, nil
}

func (s *pgQueue) Reschedule(ctx context.Context, task *Task, q Name, kind string, runAt time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*dao.TaskDao)(nil)).
		Set("queue = ?", string(q)).
		Set("kind = ?", kind).
		Set("run_at = ?", runAt.UTC()).
		Set("attempts = CASE WHEN t.queue = ? AND t.kind = ? THEN t.attempts ELSE 0 END", string(q), kind).
		Set("locked_by = NULL").
		Set("locked_until = NULL").
		Set("updated_at = NOW()").
		Where("id = ?", task.ID).
		Where("locked_by = ?", task.LockedBy).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return expectOne(res)
}

func (s *pgQueue) Defer(ctx context.Context, task *Task, runAt time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*dao.TaskDao)(nil)).
		Set("run_at = ?", runAt.UTC()).
		Set("attempts = GREATEST(t.attempts - 1, 0)").
		Set("locked_by = NULL").
		Set("locked_until = NULL").
		Set("updated_at = NOW()").
		Where("id = ?", task.ID).
		Where("locked_by = ?", task.LockedBy).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to defer task: %w", err)
	}
	return expectOne(res)
}

func (s *pgQueue) Complete(ctx context.Context, task *Task) error {
	res, err := s.db.NewDelete().
		Model((*dao.TaskDao)(nil)).
		Where("id = ?", task.ID).
		Where("locked_by = ?", task.LockedBy).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return expectOne(res)
}

func (s *pgQueue) Depth(ctx context.Context, q Name) (int, error) {
	n, err := s.db.NewSelect().
		Model((*dao.TaskDao)(nil)).
		Where("queue = ?", string(q)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

type pgLeaser struct {
	db *bun.DB
}

var _ Leaser = (*pgLeaser)(nil)

// NewLeaser creates a new postgres implementation of transfer leases
func NewLeaser(db *bun.DB) Leaser {
	return &pgLeaser{db: db}
}

func (l *pgLeaser) Acquire(ctx context.Context, transferID, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := l.db.NewInsert().
		Model(&dao.TransferLeaseDao{
			TransferID: transferID,
			Holder:     holder,
			ExpiresAt:  now.Add(ttl),
		}).
		On("CONFLICT (transfer_id) DO UPDATE").
		Set("holder = EXCLUDED.holder").
		Set("expires_at = EXCLUDED.expires_at").
		Where("tl.expires_at < ? OR tl.holder = EXCLUDED.holder", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *pgLeaser) Release(ctx context.Context, transferID, holder string) error {
	_, err := l.db.NewDelete().
		Model((*dao.TransferLeaseDao)(nil)).
		Where("transfer_id = ?", transferID).
		Where("holder = ?", holder).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func expectOne(res interface{ RowsAffected() (int64, error) }) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func toTask(d *dao.TaskDao) Task {
	t := Task{
		ID:         d.ID,
		Queue:      Name(d.Queue),
		TransferID: d.TransferID,
		Kind:       d.Kind,
		RunAt:      d.RunAt,
		Attempts:   d.Attempts,
	}
	if d.LockedBy != nil {
		t.LockedBy = *d.LockedBy
	}
	return t
}
