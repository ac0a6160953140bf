package relayer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/internal/metrics"
	"github.com/chainsafe/transfer-relay/pkg/config"
	"github.com/chainsafe/transfer-relay/pkg/queue"
	"github.com/chainsafe/transfer-relay/pkg/transferstore"
)

const reconcileBatch = 500

// ReplacementSweeper retries replacements of abandoned nonces
type ReplacementSweeper interface {
	SweepReplacements(ctx context.Context) (int, error)
}

// Engine runs the queue workers and the recovery sweep
type Engine struct {
	cfg        config.EngineConfig
	store      transferstore.Store
	queue      queue.Queue
	dispatcher *queue.Dispatcher
	sweeper    ReplacementSweeper
	logger     *zap.Logger
	now        func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an engine that feeds the orchestrator from all three queues
func NewEngine(
	cfg config.EngineConfig,
	qcfg config.QueueConfig,
	orch *Orchestrator,
	store transferstore.Store,
	q queue.Queue,
	leases queue.Leaser,
	sweeper ReplacementSweeper,
	logger *zap.Logger,
) *Engine {
	d := queue.NewDispatcher(q, leases, qcfg, logger)
	h := orch.Handler()
	d.Register(queue.Transfers, qcfg.TransferWorkers, h)
	d.Register(queue.Bids, qcfg.BidWorkers, h)
	d.Register(queue.Transactions, qcfg.TransactionWorkers, h)

	return &Engine{
		cfg:        cfg,
		store:      store,
		queue:      q,
		dispatcher: d,
		sweeper:    sweeper,
		logger:     logger.Named("engine"),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// WithClock overrides the time source of the sweep and the dispatcher (for testing)
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.dispatcher.WithClock(now)
	return e
}

// Start launches the workers and the recovery loop
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting relayer engine")

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-e.stopCh
		cancel()
	}()

	// Pick up whatever a previous process left behind before taking new work.
	if err := e.Reconcile(ctx); err != nil {
		e.logger.Error("Initial reconciliation failed", zap.Error(err))
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.dispatcher.Run(ctx); err != nil {
			e.logger.Error("Dispatcher stopped", zap.Error(err))
		}
	}()

	e.wg.Add(1)
	go e.reconcileLoop(ctx)

	e.logger.Info("Relayer engine started")
	return nil
}

// Stop stops the engine and waits for in-flight tasks
func (e *Engine) Stop() {
	e.logger.Info("Stopping relayer engine")
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("Relayer engine stopped")
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil {
				e.logger.Error("Reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Reconcile re-enqueues non-terminal transfers that have not moved within
// stale_after and retries pending nonce replacements.
func (e *Engine) Reconcile(ctx context.Context) error {
	now := e.now()
	stale, err := e.store.ListStale(ctx, now.Add(-e.cfg.StaleAfter), reconcileBatch)
	if err != nil {
		return fmt.Errorf("failed to list stale transfers: %w", err)
	}

	requeued := 0
	for _, rec := range stale {
		task, ok := TaskFor(rec, now)
		if !ok {
			continue
		}
		if err := e.queue.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("failed to requeue transfer %s: %w", rec.TransferID, err)
		}
		requeued++
	}

	replaced := 0
	if e.sweeper != nil {
		replaced, err = e.sweeper.SweepReplacements(ctx)
		if err != nil {
			e.logger.Warn("Nonce replacement sweep failed", zap.Error(err))
		}
	}

	depth := 0
	for _, name := range []queue.Name{queue.Transfers, queue.Bids, queue.Transactions} {
		n, err := e.queue.Depth(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to read %s queue depth: %w", name, err)
		}
		depth += n
	}
	metrics.PendingTransfers.Set(float64(depth))

	e.logger.Info("Reconciliation summary",
		zap.Int("stale", len(stale)),
		zap.Int("requeued", requeued),
		zap.Int("replaced", replaced),
		zap.Int("queued", depth))
	return nil
}
