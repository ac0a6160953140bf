package dao

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// TransferDao is a data access object that maps directly to the 'transfers' table in PostgreSQL.
type TransferDao struct {
	bun.BaseModel       `bun:"table:transfers,alias:tr"`
	TransferID          string          `json:"transfer_id" bun:",pk,type:varchar(100)"`
	State               string          `json:"state" bun:",notnull,type:varchar(32)"`
	Retrying            bool            `json:"retrying" bun:",notnull,default:false"`
	SourceChain         string          `json:"source_chain" bun:",notnull,type:varchar(32)"`
	DestinationChain    string          `json:"destination_chain" bun:",notnull,type:varchar(32)"`
	Sender              string          `json:"sender" bun:",notnull,type:varchar(42)"`
	Recipient           string          `json:"recipient" bun:",notnull,type:varchar(42)"`
	Amount              decimal.Decimal `json:"amount" bun:",notnull,type:numeric(78,0)"`
	Fee                 decimal.Decimal `json:"fee" bun:",notnull,type:numeric(78,0)"`
	BidVersion          int64           `json:"bid_version" bun:",notnull"`
	PinnedBidVersion    *int64          `json:"pinned_bid_version" bun:",nullzero"`
	BidMinFee           decimal.Decimal `json:"bid_min_fee" bun:",notnull,type:numeric(78,0),default:0"`
	SourceSigner        string          `json:"source_signer" bun:",notnull,type:varchar(100)"`
	SourceNonce         *int64          `json:"source_nonce"`
	SourceTxHash        *string         `json:"source_tx_hash" bun:",type:varchar(66)"`
	SourceRawTx         []byte          `json:"-" bun:",type:bytea"`
	SourceProgress      LegProgress     `json:"source_progress" bun:",type:jsonb,notnull"`
	DestinationSigner   string          `json:"destination_signer" bun:",notnull,type:varchar(100)"`
	DestinationNonce    *int64          `json:"destination_nonce"`
	DestinationTxHash   *string         `json:"destination_tx_hash" bun:",type:varchar(66)"`
	DestinationRawTx    []byte          `json:"-" bun:",type:bytea"`
	DestinationProgress LegProgress     `json:"destination_progress" bun:",type:jsonb,notnull"`
	RetryCount          int             `json:"retry_count" bun:",notnull,default:0"`
	TransientErrors     int             `json:"transient_errors" bun:",notnull,default:0"`
	LastError           *string         `json:"last_error" bun:",type:text"`
	Reason              *string         `json:"reason" bun:",type:varchar(64)"`
	FailedFrom          *string         `json:"failed_from" bun:",type:varchar(32)"`
	Version             int64           `json:"version" bun:",notnull,default:0"`
	CreatedAt           time.Time       `json:"created_at" bun:",notnull,default:current_timestamp"`
	UpdatedAt           time.Time       `json:"updated_at" bun:",notnull,default:current_timestamp"`
	CompletedAt         *time.Time      `json:"completed_at" bun:",nullzero"`
}

// LegProgress holds the confirmation tracking details of one leg, stored as jsonb.
type LegProgress struct {
	PriorTxHashes []string   `json:"prior_tx_hashes,omitempty"`
	FeeBumps      int        `json:"fee_bumps,omitempty"`
	NonceResyncs  int        `json:"nonce_resyncs,omitempty"`
	BroadcastAt   *time.Time `json:"broadcast_at,omitempty"`
	IncludedBlock *uint64    `json:"included_block,omitempty"`
	Confirmations uint64     `json:"confirmations,omitempty"`
	Polls         int        `json:"polls,omitempty"`
}

// TransferEventDao maps to the 'transfer_events' audit table.
type TransferEventDao struct {
	bun.BaseModel `bun:"table:transfer_events,alias:te"`
	ID            int64     `json:"id" bun:",pk,autoincrement"`
	TransferID    string    `json:"transfer_id" bun:",notnull,type:varchar(100)"`
	FromState     string    `json:"from_state" bun:",notnull,type:varchar(32)"`
	ToState       string    `json:"to_state" bun:",notnull,type:varchar(32)"`
	Reason        string    `json:"reason" bun:",notnull,type:varchar(128),default:''"`
	CreatedAt     time.Time `json:"created_at" bun:",notnull,default:current_timestamp"`
}
