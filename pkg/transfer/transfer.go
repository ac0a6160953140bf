// Package transfer defines the transfer intent, its durable record and the
// lifecycle state machine the relay drives each record through.
package transfer

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a transfer record
type State string

const (
	StateReceived             State = "received"
	StateBidValidated         State = "bid_validated"
	StateSourceSubmitted      State = "source_submitted"
	StateSourceConfirmed      State = "source_confirmed"
	StateDestinationSubmitted State = "destination_submitted"
	StateDestinationConfirmed State = "destination_confirmed"
	StateRejected             State = "rejected"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
)

// Terminal reports whether no further transition is possible from s
func (s State) Terminal() bool {
	switch s {
	case StateDestinationConfirmed, StateRejected, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a record in s may still be cancelled.
// A record is only cancellable while no transaction has been pinned for it.
func (s State) Cancellable() bool {
	return s == StateReceived || s == StateBidValidated
}

// Intent is the immutable request to move value between two chains
type Intent struct {
	TransferID       string          `json:"transfer_id" validate:"required,min=1,max=100"`
	SourceChain      string          `json:"source_chain" validate:"required"`
	DestinationChain string          `json:"destination_chain" validate:"required,nefield=SourceChain"`
	Sender           string          `json:"sender" validate:"required,eth_addr"`
	Recipient        string          `json:"recipient" validate:"required,eth_addr"`
	Amount           decimal.Decimal `json:"amount"`
	Fee              decimal.Decimal `json:"fee"`
	BidVersion       uint64          `json:"bid_version" validate:"required"`
	CreatedAt        time.Time       `json:"created_at"`
}

// SameAs reports whether two intents describe the same value movement.
// CreatedAt is ignored since callers may retry with a fresh timestamp.
func (i Intent) SameAs(o Intent) bool {
	return i.TransferID == o.TransferID &&
		i.SourceChain == o.SourceChain &&
		i.DestinationChain == o.DestinationChain &&
		i.Sender == o.Sender &&
		i.Recipient == o.Recipient &&
		i.Amount.Equal(o.Amount) &&
		i.Fee.Equal(o.Fee) &&
		i.BidVersion == o.BidVersion
}

// LegKind names one of the two chain legs of a transfer
type LegKind string

const (
	LegSource      LegKind = "source"
	LegDestination LegKind = "destination"
)

// Leg is the transaction progress of one chain leg.
// Nonce, TxHash and RawTx are pinned together before the first broadcast.
type Leg struct {
	Chain         string     `json:"chain"`
	Signer        string     `json:"signer"`
	Nonce         *uint64    `json:"nonce,omitempty"`
	TxHash        *string    `json:"tx_hash,omitempty"`
	RawTx         []byte     `json:"-"`
	PriorTxHashes []string   `json:"prior_tx_hashes,omitempty"`
	FeeBumps      int        `json:"fee_bumps"`
	NonceResyncs  int        `json:"nonce_resyncs"`
	BroadcastAt   *time.Time `json:"broadcast_at,omitempty"`
	IncludedBlock *uint64    `json:"included_block,omitempty"`
	Confirmations uint64     `json:"confirmations"`
	Polls         int        `json:"polls"`
}

// Pinned reports whether a signed transaction is bound to the leg
func (l *Leg) Pinned() bool {
	return l.TxHash != nil && l.Nonce != nil
}

// Pin binds a signed transaction and its nonce to the leg
func (l *Leg) Pin(nonce uint64, hash string, raw []byte) {
	l.Nonce = &nonce
	l.TxHash = &hash
	l.RawTx = raw
}

// Replace swaps in a re-signed transaction at the same nonce and keeps the
// previous hash so an earlier inclusion can still be recognised.
func (l *Leg) Replace(hash string, raw []byte) {
	if l.TxHash != nil && *l.TxHash != hash {
		l.PriorTxHashes = append(l.PriorTxHashes, *l.TxHash)
	}
	l.TxHash = &hash
	l.RawTx = raw
}

// Unpin clears the pinned transaction so a fresh nonce can be bound
func (l *Leg) Unpin() {
	l.Nonce = nil
	l.TxHash = nil
	l.RawTx = nil
	l.PriorTxHashes = nil
	l.BroadcastAt = nil
	l.IncludedBlock = nil
	l.Confirmations = 0
	l.Polls = 0
}

// Record is the durable, mutable projection of an Intent
type Record struct {
	Intent

	State           State           `json:"state"`
	Retrying        bool            `json:"retrying"`
	BidMinFee       decimal.Decimal `json:"bid_min_fee"`
	PinnedBid       *uint64         `json:"pinned_bid_version,omitempty"`
	Source          Leg             `json:"source"`
	Destination     Leg             `json:"destination"`
	RetryCount      int             `json:"retry_count"`
	TransientErrors int             `json:"transient_errors"`
	LastError       *string         `json:"last_error,omitempty"`
	Reason          *string         `json:"reason,omitempty"`
	FailedFrom      *State          `json:"failed_from,omitempty"`
	Version         int64           `json:"version"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// NewRecord creates the initial Received record for an intent
func NewRecord(intent Intent, sourceSigner, destinationSigner string, now time.Time) *Record {
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	return &Record{
		Intent:      intent,
		State:       StateReceived,
		Source:      Leg{Chain: intent.SourceChain, Signer: sourceSigner},
		Destination: Leg{Chain: intent.DestinationChain, Signer: destinationSigner},
		UpdatedAt:   now,
	}
}

// Leg returns the leg of the given kind
func (r *Record) Leg(kind LegKind) *Leg {
	if kind == LegDestination {
		return &r.Destination
	}
	return &r.Source
}

// ActiveLeg returns the leg the record is currently working on
func (r *Record) ActiveLeg() LegKind {
	switch r.State {
	case StateSourceConfirmed, StateDestinationSubmitted, StateDestinationConfirmed:
		return LegDestination
	default:
		return LegSource
	}
}

// Clone returns a deep copy that can be mutated for a compare-and-set update
func (r *Record) Clone() *Record {
	c := *r
	c.Source = cloneLeg(r.Source)
	c.Destination = cloneLeg(r.Destination)
	return &c
}

func cloneLeg(l Leg) Leg {
	c := l
	if l.Nonce != nil {
		n := *l.Nonce
		c.Nonce = &n
	}
	if l.TxHash != nil {
		h := *l.TxHash
		c.TxHash = &h
	}
	if l.IncludedBlock != nil {
		b := *l.IncludedBlock
		c.IncludedBlock = &b
	}
	if l.BroadcastAt != nil {
		t := *l.BroadcastAt
		c.BroadcastAt = &t
	}
	c.RawTx = append([]byte(nil), l.RawTx...)
	c.PriorTxHashes = append([]string(nil), l.PriorTxHashes...)
	return c
}
