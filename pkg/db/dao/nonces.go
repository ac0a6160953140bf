package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// NonceCounterDao is a data access object that maps directly to the 'nonce_counters' table in PostgreSQL.
type NonceCounterDao struct {
	bun.BaseModel `bun:"table:nonce_counters,alias:nc"`
	Signer        string    `json:"signer" bun:",pk,type:varchar(100)"`
	Chain         string    `json:"chain" bun:",pk,type:varchar(32)"`
	NextNonce     int64     `json:"next_nonce" bun:",notnull"`
	UpdatedAt     time.Time `json:"updated_at" bun:",notnull,nullzero,default:current_timestamp"`
}

// NonceGapDao records a nonce whose original owner will not get it mined.
// The replacement sweep fills every gap; gaps that were never broadcast may
// also be handed to the next allocation.
type NonceGapDao struct {
	bun.BaseModel `bun:"table:nonce_gaps,alias:ng"`
	Signer        string    `json:"signer" bun:",pk,type:varchar(100)"`
	Chain         string    `json:"chain" bun:",pk,type:varchar(32)"`
	Nonce         int64     `json:"nonce" bun:",pk"`
	Broadcast     bool      `json:"broadcast" bun:",notnull,default:false"`
	FeeBumps      int       `json:"fee_bumps" bun:",notnull,default:0"`
	CreatedAt     time.Time `json:"created_at" bun:",notnull,nullzero,default:current_timestamp"`
}
