// Package service is the intake and status surface of the relay. It accepts
// transfer intents, hands them to the lifecycle engine and reports progress.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/transfer-relay/pkg/app/errors"
	"github.com/chainsafe/transfer-relay/pkg/queue"
	"github.com/chainsafe/transfer-relay/pkg/relayer"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
	"github.com/chainsafe/transfer-relay/pkg/transferstore"
)

var (
	ErrUnsupportedChain = errors.New("chain is not configured for relaying")
	ErrInvalidAmount    = errors.New("amount must be a positive integer in base units")
	ErrInvalidFee       = errors.New("fee must be a non-negative integer in base units")
	ErrNotCancellable   = errors.New("transfer can no longer be cancelled")
)

// Store is the slice of the transfer store the service needs
type Store interface {
	Create(ctx context.Context, rec *transfer.Record) (*transfer.Record, bool, error)
	Get(ctx context.Context, id string) (*transfer.Record, error)
	Update(ctx context.Context, rec *transfer.Record, events []transfer.Event, opts ...transferstore.UpdateOption) error
	History(ctx context.Context, id string) ([]transfer.Event, error)
}

// Enqueuer schedules the first lifecycle step of a new transfer
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// Service defines the intake and status operations
type Service interface {
	Submit(ctx context.Context, intent *transfer.Intent) (*SubmitResponse, error)
	Status(ctx context.Context, transferID string) (*StatusResponse, error)
	History(ctx context.Context, transferID string) ([]EventResponse, error)
	Cancel(ctx context.Context, transferID string) (*StatusResponse, error)
}

type transferService struct {
	store    Store
	queue    Enqueuer
	signers  map[string]string
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the intake service. signers maps each relayed chain id
// to the key handle that signs on it.
func NewService(store Store, q Enqueuer, signers map[string]string, logger *zap.Logger) Service {
	return &transferService{
		store:    store,
		queue:    q,
		signers:  signers,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      time.Now,
	}
}

// Submit records a new intent as Received and queues it for validation.
// Resubmitting the same intent returns the existing transfer.
func (s *transferService) Submit(ctx context.Context, intent *transfer.Intent) (*SubmitResponse, error) {
	if intent == nil {
		return nil, apperrors.BadRequestError(nil, "transfer intent is required")
	}
	if err := s.validate.Struct(intent); err != nil {
		return nil, apperrors.BadRequestError(err, fmt.Sprintf("invalid transfer intent: %v", err))
	}
	if !intent.Amount.IsPositive() || !intent.Amount.IsInteger() {
		return nil, apperrors.BadRequestError(ErrInvalidAmount, ErrInvalidAmount.Error())
	}
	if intent.Fee.IsNegative() || !intent.Fee.IsInteger() {
		return nil, apperrors.BadRequestError(ErrInvalidFee, ErrInvalidFee.Error())
	}

	sourceSigner, ok := s.signers[intent.SourceChain]
	if !ok {
		return nil, apperrors.BadRequestError(ErrUnsupportedChain, "unsupported source chain "+intent.SourceChain)
	}
	destinationSigner, ok := s.signers[intent.DestinationChain]
	if !ok {
		return nil, apperrors.BadRequestError(ErrUnsupportedChain, "unsupported destination chain "+intent.DestinationChain)
	}

	now := s.now()
	rec := transfer.NewRecord(*intent, sourceSigner, destinationSigner, now)
	existing, created, err := s.store.Create(ctx, rec)
	switch {
	case errors.Is(err, transferstore.ErrConflict):
		return nil, apperrors.ConflictError(err, "transfer id already used for a different intent")
	case err != nil:
		return nil, apperrors.GeneralError(fmt.Errorf("failed to create transfer: %w", err))
	}
	if !created {
		return &SubmitResponse{TransferID: existing.TransferID, State: existing.State, Created: false}, nil
	}

	if task, ok := relayer.TaskFor(rec, now); ok {
		// The recovery sweep requeues the record if this fails.
		if err := s.queue.Enqueue(ctx, task); err != nil {
			s.logger.Warn("Failed to enqueue new transfer",
				zap.String("transfer_id", rec.TransferID),
				zap.Error(err))
		}
	}
	return &SubmitResponse{TransferID: rec.TransferID, State: rec.State, Created: true}, nil
}

// Status reports where a transfer is in its lifecycle
func (s *transferService) Status(ctx context.Context, transferID string) (*StatusResponse, error) {
	rec, err := s.get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	return toStatus(rec), nil
}

// History returns the audit trail of a transfer
func (s *transferService) History(ctx context.Context, transferID string) ([]EventResponse, error) {
	if _, err := s.get(ctx, transferID); err != nil {
		return nil, err
	}
	events, err := s.store.History(ctx, transferID)
	if err != nil {
		return nil, apperrors.GeneralError(fmt.Errorf("failed to load history: %w", err))
	}
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, EventResponse{From: e.From, To: e.To, Reason: e.Reason, At: e.At})
	}
	return out, nil
}

// Cancel moves a transfer to Cancelled while no source transaction is
// pinned. The update is conditional on the stored source leg still being
// unpinned, so it cannot race a concurrent pin. Cancelling an already
// cancelled transfer returns its status.
func (s *transferService) Cancel(ctx context.Context, transferID string) (*StatusResponse, error) {
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := s.get(ctx, transferID)
		if err != nil {
			return nil, err
		}
		if rec.State == transfer.StateCancelled {
			return toStatus(rec), nil
		}
		if !rec.State.Cancellable() || rec.Source.Pinned() {
			return nil, apperrors.ConflictError(ErrNotCancellable,
				fmt.Sprintf("transfer in state %s can no longer be cancelled", rec.State))
		}

		next := rec.Clone()
		event, err := next.Advance(transfer.StateCancelled, transfer.ReasonCancelled, s.now())
		if err != nil {
			return nil, apperrors.ConflictError(err, ErrNotCancellable.Error())
		}
		err = s.store.Update(ctx, next, []transfer.Event{event}, transferstore.WithUnpinnedLeg(transfer.LegSource))
		switch {
		case errors.Is(err, transferstore.ErrStale):
			continue
		case err != nil:
			return nil, apperrors.GeneralError(fmt.Errorf("failed to cancel transfer: %w", err))
		}
		return toStatus(next), nil
	}
	return nil, apperrors.ConflictError(transferstore.ErrStale, "transfer is being processed, retry cancel")
}

func (s *transferService) get(ctx context.Context, transferID string) (*transfer.Record, error) {
	if transferID == "" {
		return nil, apperrors.BadRequestError(nil, "transfer id is required")
	}
	rec, err := s.store.Get(ctx, transferID)
	switch {
	case errors.Is(err, transferstore.ErrNotFound):
		return nil, apperrors.ResourceNotFoundError(err, "transfer not found")
	case err != nil:
		return nil, apperrors.GeneralError(fmt.Errorf("failed to load transfer: %w", err))
	}
	return rec, nil
}
