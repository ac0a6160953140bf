package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

const serviceName = "TransferService"

// logService wraps Service with logging of every method call
type logService struct {
	svc    Service
	logger *zap.Logger
}

// NewLog creates a logging decorator for the transfer Service.
// It logs method entry and exit, duration and errors.
func NewLog(svc Service, logger *zap.Logger) Service {
	return &logService{
		svc:    svc,
		logger: logger,
	}
}

// Submit wraps the service method with logging
func (ls *logService) Submit(ctx context.Context, intent *transfer.Intent) (resp *SubmitResponse, err error) {
	start := time.Now()
	fields := []zap.Field{zap.String("service", serviceName), zap.String("method", "Submit")}
	if intent != nil {
		fields = append(fields,
			zap.String("transfer_id", intent.TransferID),
			zap.String("source_chain", intent.SourceChain),
			zap.String("destination_chain", intent.DestinationChain),
			zap.Uint64("bid_version", intent.BidVersion))
	}
	ls.logger.Info("Submit started", fields...)

	defer func() {
		fields = append(fields, zap.Duration("duration", time.Since(start)))
		if err != nil {
			ls.logger.Error("Submit failed", append(fields, zap.Error(err))...)
			return
		}
		ls.logger.Info("Submit completed", append(fields, zap.Bool("created", resp.Created))...)
	}()

	return ls.svc.Submit(ctx, intent)
}

// Status wraps the service method with logging
func (ls *logService) Status(ctx context.Context, transferID string) (resp *StatusResponse, err error) {
	start := time.Now()
	defer func() {
		ls.done("Status", transferID, start, err)
	}()
	return ls.svc.Status(ctx, transferID)
}

// History wraps the service method with logging
func (ls *logService) History(ctx context.Context, transferID string) (resp []EventResponse, err error) {
	start := time.Now()
	defer func() {
		ls.done("History", transferID, start, err)
	}()
	return ls.svc.History(ctx, transferID)
}

// Cancel wraps the service method with logging
func (ls *logService) Cancel(ctx context.Context, transferID string) (resp *StatusResponse, err error) {
	start := time.Now()
	ls.logger.Info("Cancel started",
		zap.String("service", serviceName),
		zap.String("method", "Cancel"),
		zap.String("transfer_id", transferID))

	defer func() {
		ls.done("Cancel", transferID, start, err)
	}()
	return ls.svc.Cancel(ctx, transferID)
}

func (ls *logService) done(method, transferID string, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("service", serviceName),
		zap.String("method", method),
		zap.String("transfer_id", transferID),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		ls.logger.Error(method+" failed", append(fields, zap.Error(err))...)
		return
	}
	ls.logger.Debug(method+" completed", fields...)
}
