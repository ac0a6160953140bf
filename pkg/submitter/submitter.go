// Package submitter builds, signs and broadcasts the transactions of a
// transfer leg and tracks them to their confirmation depth.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/internal/metrics"
	"github.com/chainsafe/transfer-relay/pkg/chain"
	"github.com/chainsafe/transfer-relay/pkg/config"
	"github.com/chainsafe/transfer-relay/pkg/signer"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

// ErrReorged is recorded when an included transaction leaves the canonical chain
var ErrReorged = errors.New("transaction reorged out")

// SubmitResult is a signed transaction bound to a nonce
type SubmitResult struct {
	Nonce  uint64
	TxHash string
	RawTx  []byte
}

// Submitter turns transfer legs into chain transactions
type Submitter struct {
	chains *chain.Registry
	signer signer.Signer
	cfg    config.EngineConfig
	logger *zap.Logger
	now    func() time.Time
}

// New creates a submitter
func New(chains *chain.Registry, s signer.Signer, cfg config.EngineConfig, logger *zap.Logger) *Submitter {
	return &Submitter{
		chains: chains,
		signer: s,
		cfg:    cfg,
		logger: logger.Named("submitter"),
		now:    time.Now,
	}
}

// WithClock overrides the time source (for testing)
func (s *Submitter) WithClock(now func() time.Time) *Submitter {
	s.now = now
	return s
}

// Sign prepares and signs the transaction for one leg at nonce without
// broadcasting it, so the caller can persist it first.
func (s *Submitter) Sign(ctx context.Context, rec *transfer.Record, kind transfer.LegKind, nonce uint64) (SubmitResult, error) {
	return s.sign(ctx, rec, kind, nonce, 0)
}

// Submit signs and broadcasts the leg's transaction at nonce
func (s *Submitter) Submit(ctx context.Context, rec *transfer.Record, kind transfer.LegKind, nonce uint64) (SubmitResult, error) {
	res, err := s.Sign(ctx, rec, kind, nonce)
	if err != nil {
		return SubmitResult{}, err
	}
	leg := *rec.Leg(kind)
	leg.Pin(res.Nonce, res.TxHash, res.RawTx)
	if _, err := s.Broadcast(ctx, &leg); err != nil {
		return SubmitResult{}, err
	}
	return res, nil
}

// Bump re-signs the leg's transaction at its pinned nonce with raised fees.
// The caller records the result with Leg.Replace.
func (s *Submitter) Bump(ctx context.Context, rec *transfer.Record, kind transfer.LegKind) (SubmitResult, error) {
	leg := rec.Leg(kind)
	if !leg.Pinned() {
		return SubmitResult{}, fmt.Errorf("leg %s has no pinned transaction", kind)
	}
	return s.sign(ctx, rec, kind, *leg.Nonce, leg.FeeBumps+1)
}

func (s *Submitter) sign(ctx context.Context, rec *transfer.Record, kind transfer.LegKind, nonce uint64, bumps int) (SubmitResult, error) {
	leg := rec.Leg(kind)
	client, err := s.chains.Get(leg.Chain)
	if err != nil {
		return SubmitResult{}, err
	}
	from, err := s.signer.Address(leg.Signer)
	if err != nil {
		return SubmitResult{}, err
	}

	call := legCall(rec, kind, from)
	req, err := client.PrepareTx(ctx, call, nonce)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to prepare %s transaction: %w", call.Kind, err)
	}
	if bumper, ok := client.(chain.FeeBumper); ok && bumps > 0 {
		bumper.BumpFees(req, bumps)
	}
	if err := s.checkBalance(ctx, client, req); err != nil {
		return SubmitResult{}, err
	}

	signed, err := s.signer.Sign(ctx, leg.Chain, leg.Signer, req)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Nonce: nonce, TxHash: signed.Hash, RawTx: signed.Raw}, nil
}

func legCall(rec *transfer.Record, kind transfer.LegKind, from string) chain.Call {
	if kind == transfer.LegDestination {
		return chain.Call{
			Kind:       chain.CallRelease,
			TransferID: rec.TransferID,
			From:       from,
			Account:    rec.Recipient,
			Amount:     rec.Amount.BigInt(),
		}
	}
	return chain.Call{
		Kind:       chain.CallLock,
		TransferID: rec.TransferID,
		From:       from,
		Account:    rec.Sender,
		Amount:     rec.Amount.BigInt(),
		Fee:        rec.Fee.BigInt(),
	}
}

// checkBalance verifies the signer can pay for gas at the fee cap
func (s *Submitter) checkBalance(ctx context.Context, client chain.Client, req *chain.TxRequest) error {
	balance, err := client.Balance(ctx, req.From)
	if err != nil {
		return err
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(req.GasLimit), req.GasFeeCap)
	if req.Value != nil {
		cost.Add(cost, req.Value)
	}
	if balance.Cmp(cost) < 0 {
		return &chain.RejectedError{
			Chain:  client.ID(),
			Reason: transfer.ReasonInsufficientBalance,
			Err:    fmt.Errorf("balance %s below required %s", balance, cost),
		}
	}
	return nil
}

// Broadcast sends the leg's pinned transaction. A nonce conflict caused by
// our own transaction already being known to the chain counts as success.
func (s *Submitter) Broadcast(ctx context.Context, leg *transfer.Leg) (string, error) {
	return s.broadcast(ctx, leg, "initial")
}

// Rebroadcast re-sends the identical pinned bytes
func (s *Submitter) Rebroadcast(ctx context.Context, leg *transfer.Leg) (string, error) {
	return s.broadcast(ctx, leg, "rebroadcast")
}

// BroadcastBumped sends a transaction produced by Bump and pinned on leg
func (s *Submitter) BroadcastBumped(ctx context.Context, leg *transfer.Leg) (string, error) {
	return s.broadcast(ctx, leg, "bump")
}

func (s *Submitter) broadcast(ctx context.Context, leg *transfer.Leg, kind string) (string, error) {
	if !leg.Pinned() || len(leg.RawTx) == 0 {
		return "", fmt.Errorf("leg on %s has no pinned transaction", leg.Chain)
	}
	client, err := s.chains.Get(leg.Chain)
	if err != nil {
		return "", err
	}

	hash, err := client.Broadcast(ctx, leg.RawTx)
	if err == nil {
		metrics.TransactionsSent.WithLabelValues(leg.Chain, kind).Inc()
		return hash, nil
	}

	var conflict *chain.NonceConflictError
	if !errors.As(err, &conflict) {
		return "", err
	}
	for _, h := range append([]string{*leg.TxHash}, leg.PriorTxHashes...) {
		st, serr := client.GetTransactionStatus(ctx, h)
		if serr != nil {
			return "", serr
		}
		if st.State != chain.TxNotFound {
			s.logger.Info("Nonce already used by our own transaction",
				zap.String("chain", leg.Chain), zap.String("tx_hash", h), zap.Uint64("nonce", *leg.Nonce))
			return h, nil
		}
	}
	return "", err
}

// Status returns the chain's view of the leg's current transaction
func (s *Submitter) Status(ctx context.Context, leg *transfer.Leg) (chain.TxStatus, error) {
	if leg.TxHash == nil {
		return chain.TxStatus{}, fmt.Errorf("leg on %s has no transaction", leg.Chain)
	}
	client, err := s.chains.Get(leg.Chain)
	if err != nil {
		return chain.TxStatus{}, err
	}
	return client.GetTransactionStatus(ctx, *leg.TxHash)
}

// OnChainNonce implements nonce.Seeder
func (s *Submitter) OnChainNonce(ctx context.Context, signerID, chainID string) (uint64, error) {
	client, err := s.chains.Get(chainID)
	if err != nil {
		return 0, err
	}
	from, err := s.signer.Address(signerID)
	if err != nil {
		return 0, err
	}
	return client.PendingNonce(ctx, from)
}

// Replace implements nonce.Replacer. It consumes nonce with a zero value
// self transfer priced above a transaction signed with displacedBumps bumps.
func (s *Submitter) Replace(ctx context.Context, signerID, chainID string, nonce uint64, displacedBumps int) error {
	client, err := s.chains.Get(chainID)
	if err != nil {
		return err
	}
	from, err := s.signer.Address(signerID)
	if err != nil {
		return err
	}

	req, err := client.PrepareTx(ctx, chain.Call{Kind: chain.CallNoop, From: from}, nonce)
	if err != nil {
		return fmt.Errorf("failed to prepare replacement: %w", err)
	}
	if bumper, ok := client.(chain.FeeBumper); ok {
		displaced := *req
		bumper.BumpFees(&displaced, displacedBumps)
		bumper.BumpFees(req, displacedBumps+1)
		outbid(req, &displaced)
	}
	signed, err := s.signer.Sign(ctx, chainID, signerID, req)
	if err != nil {
		return err
	}

	_, err = client.Broadcast(ctx, signed.Raw)
	var conflict *chain.NonceConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		// Something already consumed the nonce, which is all a replacement is for.
		s.logger.Info("Abandoned nonce already consumed",
			zap.String("chain", chainID), zap.Uint64("nonce", nonce))
		return nil
	default:
		return fmt.Errorf("failed to broadcast replacement: %w", err)
	}

	metrics.TransactionsSent.WithLabelValues(chainID, "replacement").Inc()
	s.logger.Info("Replacement transaction broadcast",
		zap.String("chain", chainID), zap.Uint64("nonce", nonce), zap.String("tx_hash", signed.Hash))
	return nil
}

// outbid raises req's fee caps to at least 10% above displaced, the minimum
// price bump nodes accept for a replacement. It matters once bumping is
// clamped by a fee ceiling.
func outbid(req, displaced *chain.TxRequest) {
	req.GasFeeCap = atLeast(req.GasFeeCap, minReplacementFee(displaced.GasFeeCap))
	req.GasTipCap = atLeast(req.GasTipCap, minReplacementFee(displaced.GasTipCap))
	if req.GasTipCap.Cmp(req.GasFeeCap) > 0 {
		req.GasTipCap = new(big.Int).Set(req.GasFeeCap)
	}
}

func minReplacementFee(fee *big.Int) *big.Int {
	bump := new(big.Int).Div(fee, big.NewInt(10))
	return bump.Add(bump, fee).Add(bump, big.NewInt(1))
}

func atLeast(v, floor *big.Int) *big.Int {
	if v.Cmp(floor) < 0 {
		return floor
	}
	return v
}
