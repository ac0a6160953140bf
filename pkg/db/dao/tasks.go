package dao

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TaskDao maps to the 'tasks' table backing the three work queues.
// At most one task exists per transfer.
type TaskDao struct {
	bun.BaseModel `bun:"table:tasks,alias:t"`
	ID            uuid.UUID  `json:"id" bun:",pk,type:uuid"`
	Queue         string     `json:"queue" bun:",notnull,type:varchar(32)"`
	TransferID    string     `json:"transfer_id" bun:",notnull,unique,type:varchar(100)"`
	Kind          string     `json:"kind" bun:",notnull,type:varchar(32)"`
	RunAt         time.Time  `json:"run_at" bun:",notnull"`
	Attempts      int        `json:"attempts" bun:",notnull,default:0"`
	LockedBy      *string    `json:"locked_by" bun:",type:varchar(64)"`
	LockedUntil   *time.Time `json:"locked_until" bun:",nullzero"`
	CreatedAt     time.Time  `json:"created_at" bun:",notnull,nullzero,default:current_timestamp"`
	UpdatedAt     time.Time  `json:"updated_at" bun:",notnull,nullzero,default:current_timestamp"`
}

// TransferLeaseDao maps to the 'transfer_leases' table enforcing per-transfer exclusivity.
type TransferLeaseDao struct {
	bun.BaseModel `bun:"table:transfer_leases,alias:tl"`
	TransferID    string    `json:"transfer_id" bun:",pk,type:varchar(100)"`
	Holder        string    `json:"holder" bun:",notnull,type:varchar(64)"`
	ExpiresAt     time.Time `json:"expires_at" bun:",notnull"`
}
