package submitter

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/internal/metrics"
	"github.com/chainsafe/transfer-relay/pkg/chain"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

// Outcome is the result of one confirmation check
type Outcome string

const (
	Confirmed    Outcome = "confirmed"
	StillPending Outcome = "pending"
	ReorgedOut   Outcome = "reorged"
	TimedOut     Outcome = "timed_out"
)

// Confirmation reports where a leg's transaction stands. TxHash differs from
// the leg's current hash when a fee-bumped predecessor was the one included.
type Confirmation struct {
	Outcome       Outcome
	TxHash        string
	Included      bool
	Block         uint64
	Confirmations uint64
	NextPollIn    time.Duration
}

// AwaitConfirmation makes a single status check of the leg's transaction.
// It never blocks waiting for inclusion; callers requeue after NextPollIn.
func (s *Submitter) AwaitConfirmation(ctx context.Context, leg *transfer.Leg) (Confirmation, error) {
	if !leg.Pinned() {
		return Confirmation{}, fmt.Errorf("leg on %s has no pinned transaction", leg.Chain)
	}
	client, err := s.chains.Get(leg.Chain)
	if err != nil {
		return Confirmation{}, err
	}

	hash := *leg.TxHash
	st, err := client.GetTransactionStatus(ctx, hash)
	if err != nil {
		return Confirmation{}, err
	}
	if st.State == chain.TxNotFound {
		for _, prior := range leg.PriorTxHashes {
			pst, err := client.GetTransactionStatus(ctx, prior)
			if err != nil {
				return Confirmation{}, err
			}
			if pst.State == chain.TxIncluded {
				s.logger.Info("Fee-bumped predecessor included",
					zap.String("chain", leg.Chain), zap.String("tx_hash", prior))
				hash, st = prior, pst
				break
			}
		}
	}

	conf := Confirmation{TxHash: hash}
	switch {
	case st.State == chain.TxIncluded && st.Reverted:
		s.observe(leg.Chain, "reverted")
		return conf, &chain.RejectedError{
			Chain:  leg.Chain,
			Reason: transfer.ReasonTransactionReverted,
			Err:    fmt.Errorf("receipt status failed for %s", hash),
		}

	case st.State == chain.TxIncluded:
		conf.Included = true
		conf.Block = st.Block
		conf.Confirmations = st.Confirmations
		if st.Confirmations >= client.Confirmations() {
			conf.Outcome = Confirmed
		} else {
			conf.Outcome = StillPending
			conf.NextPollIn = s.pollDelay(leg.Polls)
		}

	case leg.IncludedBlock != nil:
		// Seen in a block earlier, now gone or back in the pool.
		metrics.Reorgs.WithLabelValues(leg.Chain).Inc()
		s.logger.Warn("Transaction left the canonical chain",
			zap.String("chain", leg.Chain),
			zap.String("tx_hash", hash),
			zap.Uint64("included_block", *leg.IncludedBlock))
		conf.Outcome = ReorgedOut

	case leg.BroadcastAt != nil && s.now().Sub(*leg.BroadcastAt) > s.cfg.ConfirmationTimeout:
		conf.Outcome = TimedOut

	default:
		conf.Outcome = StillPending
		conf.NextPollIn = s.pollDelay(leg.Polls)
	}

	s.observe(leg.Chain, string(conf.Outcome))
	return conf, nil
}

func (s *Submitter) observe(chainID, outcome string) {
	metrics.ConfirmationPolls.WithLabelValues(chainID, outcome).Inc()
}

// pollDelay returns the wait before poll number polls+1
func (s *Submitter) pollDelay(polls int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.PollInitialInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.cfg.PollMaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < polls; i++ {
		d = b.NextBackOff()
	}
	return d
}
