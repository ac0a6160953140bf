package service

import (
	"time"

	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

// SubmitResponse is returned by intake
type SubmitResponse struct {
	TransferID string         `json:"transfer_id"`
	State      transfer.State `json:"state"`
	Created    bool           `json:"created"`
}

// LegStatus is the public view of one chain leg
type LegStatus struct {
	Chain         string   `json:"chain"`
	TxHash        *string  `json:"tx_hash,omitempty"`
	PriorTxHashes []string `json:"prior_tx_hashes,omitempty"`
	Confirmations uint64   `json:"confirmations"`
}

// StatusResponse is the public view of a transfer record
type StatusResponse struct {
	TransferID  string          `json:"transfer_id"`
	State       transfer.State  `json:"state"`
	Retrying    bool            `json:"retrying"`
	Terminal    bool            `json:"terminal"`
	Reason      *string         `json:"reason,omitempty"`
	FailedFrom  *transfer.State `json:"failed_from,omitempty"`
	Source      LegStatus       `json:"source"`
	Destination LegStatus       `json:"destination"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EventResponse is one audit entry
type EventResponse struct {
	From   transfer.State `json:"from"`
	To     transfer.State `json:"to"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

func toStatus(rec *transfer.Record) *StatusResponse {
	return &StatusResponse{
		TransferID:  rec.TransferID,
		State:       rec.State,
		Retrying:    rec.Retrying,
		Terminal:    rec.State.Terminal(),
		Reason:      rec.Reason,
		FailedFrom:  rec.FailedFrom,
		Source:      toLegStatus(rec.Source),
		Destination: toLegStatus(rec.Destination),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: rec.CompletedAt,
	}
}

func toLegStatus(l transfer.Leg) LegStatus {
	return LegStatus{
		Chain:         l.Chain,
		TxHash:        l.TxHash,
		PriorTxHashes: l.PriorTxHashes,
		Confirmations: l.Confirmations,
	}
}
