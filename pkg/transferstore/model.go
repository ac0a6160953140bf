package transferstore

import (
	"github.com/chainsafe/transfer-relay/pkg/db/dao"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

func toTransferDao(r *transfer.Record) *dao.TransferDao {
	d := &dao.TransferDao{
		TransferID:          r.TransferID,
		State:               string(r.State),
		Retrying:            r.Retrying,
		SourceChain:         r.SourceChain,
		DestinationChain:    r.DestinationChain,
		Sender:              r.Sender,
		Recipient:           r.Recipient,
		Amount:              r.Amount,
		Fee:                 r.Fee,
		BidVersion:          int64(r.BidVersion),
		BidMinFee:           r.BidMinFee,
		SourceSigner:        r.Source.Signer,
		SourceNonce:         toInt64Ptr(r.Source.Nonce),
		SourceTxHash:        r.Source.TxHash,
		SourceRawTx:         r.Source.RawTx,
		SourceProgress:      toProgress(r.Source),
		DestinationSigner:   r.Destination.Signer,
		DestinationNonce:    toInt64Ptr(r.Destination.Nonce),
		DestinationTxHash:   r.Destination.TxHash,
		DestinationRawTx:    r.Destination.RawTx,
		DestinationProgress: toProgress(r.Destination),
		RetryCount:          r.RetryCount,
		TransientErrors:     r.TransientErrors,
		LastError:           r.LastError,
		Reason:              r.Reason,
		Version:             r.Version,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		CompletedAt:         r.CompletedAt,
	}
	d.PinnedBidVersion = toInt64Ptr(r.PinnedBid)
	if r.FailedFrom != nil {
		s := string(*r.FailedFrom)
		d.FailedFrom = &s
	}
	return d
}

func toRecord(d *dao.TransferDao) *transfer.Record {
	r := &transfer.Record{
		Intent: transfer.Intent{
			TransferID:       d.TransferID,
			SourceChain:      d.SourceChain,
			DestinationChain: d.DestinationChain,
			Sender:           d.Sender,
			Recipient:        d.Recipient,
			Amount:           d.Amount,
			Fee:              d.Fee,
			BidVersion:       uint64(d.BidVersion),
			CreatedAt:        d.CreatedAt,
		},
		State:           transfer.State(d.State),
		Retrying:        d.Retrying,
		BidMinFee:       d.BidMinFee,
		PinnedBid:       toUint64Ptr(d.PinnedBidVersion),
		Source:          toLeg(d.SourceChain, d.SourceSigner, d.SourceNonce, d.SourceTxHash, d.SourceRawTx, d.SourceProgress),
		Destination:     toLeg(d.DestinationChain, d.DestinationSigner, d.DestinationNonce, d.DestinationTxHash, d.DestinationRawTx, d.DestinationProgress),
		RetryCount:      d.RetryCount,
		TransientErrors: d.TransientErrors,
		LastError:       d.LastError,
		Reason:          d.Reason,
		Version:         d.Version,
		UpdatedAt:       d.UpdatedAt,
		CompletedAt:     d.CompletedAt,
	}
	if d.FailedFrom != nil {
		s := transfer.State(*d.FailedFrom)
		r.FailedFrom = &s
	}
	return r
}

func toProgress(l transfer.Leg) dao.LegProgress {
	return dao.LegProgress{
		PriorTxHashes: l.PriorTxHashes,
		FeeBumps:      l.FeeBumps,
		NonceResyncs:  l.NonceResyncs,
		BroadcastAt:   l.BroadcastAt,
		IncludedBlock: l.IncludedBlock,
		Confirmations: l.Confirmations,
		Polls:         l.Polls,
	}
}

func toLeg(chain, signer string, nonce *int64, hash *string, raw []byte, p dao.LegProgress) transfer.Leg {
	return transfer.Leg{
		Chain:         chain,
		Signer:        signer,
		Nonce:         toUint64Ptr(nonce),
		TxHash:        hash,
		RawTx:         raw,
		PriorTxHashes: p.PriorTxHashes,
		FeeBumps:      p.FeeBumps,
		NonceResyncs:  p.NonceResyncs,
		BroadcastAt:   p.BroadcastAt,
		IncludedBlock: p.IncludedBlock,
		Confirmations: p.Confirmations,
		Polls:         p.Polls,
	}
}

func toEventDao(e transfer.Event) *dao.TransferEventDao {
	return &dao.TransferEventDao{
		TransferID: e.TransferID,
		FromState:  string(e.From),
		ToState:    string(e.To),
		Reason:     e.Reason,
		CreatedAt:  e.At,
	}
}

func toEvent(d *dao.TransferEventDao) transfer.Event {
	return transfer.Event{
		TransferID: d.TransferID,
		From:       transfer.State(d.FromState),
		To:         transfer.State(d.ToState),
		Reason:     d.Reason,
		At:         d.CreatedAt,
	}
}

func toInt64Ptr(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func toUint64Ptr(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	n := uint64(*v)
	return &n
}
