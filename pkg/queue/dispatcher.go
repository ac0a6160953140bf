package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainsafe/transfer-relay/internal/metrics"
	"github.com/chainsafe/transfer-relay/pkg/config"
)

const errorRetryDelay = 5 * time.Second

type registration struct {
	name    Name
	workers int
	handler Handler
}

// Dispatcher runs a pool of workers per queue
type Dispatcher struct {
	queue    Queue
	leases   Leaser
	cfg      config.QueueConfig
	instance string
	logger   *zap.Logger
	pools    []registration
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. Each dispatcher has its own lease
// holder identity, so several relay processes can share one database.
func NewDispatcher(q Queue, leases Leaser, cfg config.QueueConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		leases:   leases,
		cfg:      cfg,
		instance: uuid.NewString(),
		logger:   logger.Named("dispatcher"),
		now:      time.Now,
	}
}

// WithClock overrides the time source used to schedule follow-up tasks
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Register attaches a handler to a queue with the given number of workers
func (d *Dispatcher) Register(name Name, workers int, h Handler) {
	d.pools = append(d.pools, registration{name: name, workers: workers, handler: h})
}

// Run starts all workers and blocks until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range d.pools {
		for i := 0; i < p.workers; i++ {
			worker := fmt.Sprintf("%s/%s-%d", d.instance, p.name, i)
			g.Go(func() error {
				d.work(ctx, p, worker)
				return nil
			})
		}
		d.logger.Info("Started queue workers", zap.String("queue", string(p.name)), zap.Int("workers", p.workers))
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, p registration, worker string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		handled, err := d.ProcessNext(ctx, p.name, worker, p.handler)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("Queue worker error", zap.String("queue", string(p.name)), zap.Error(err))
			metrics.ErrorsTotal.WithLabelValues("dispatcher", "process").Inc()
		}
		if handled {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and handles one due task from queue name. It reports
// whether a task was claimed.
func (d *Dispatcher) ProcessNext(ctx context.Context, name Name, worker string, h Handler) (bool, error) {
	task, err := d.queue.Dequeue(ctx, name, worker, d.cfg.VisibilityTimeout)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	// Bookkeeping must survive shutdown so a claimed task is not left
	// locked until its visibility timeout.
	bookCtx := context.WithoutCancel(ctx)

	ok, err := d.leases.Acquire(ctx, task.TransferID, worker, d.cfg.LeaseTTL)
	if err != nil {
		if derr := d.queue.Defer(bookCtx, task, d.now().Add(d.cfg.LeaseRetryDelay)); derr != nil {
			d.logger.Warn("Failed to defer task", zap.String("transfer_id", task.TransferID), zap.Error(derr))
		}
		return true, fmt.Errorf("failed to acquire lease for %s: %w", task.TransferID, err)
	}
	if !ok {
		d.logger.Debug("Transfer leased elsewhere, deferring",
			zap.String("transfer_id", task.TransferID), zap.String("queue", string(name)))
		return true, d.queue.Defer(bookCtx, task, d.now().Add(d.cfg.LeaseRetryDelay))
	}
	defer func() {
		if err := d.leases.Release(bookCtx, task.TransferID, worker); err != nil {
			d.logger.Warn("Failed to release lease", zap.String("transfer_id", task.TransferID), zap.Error(err))
		}
	}()

	start := time.Now()
	res, herr := h.Handle(ctx, *task)
	metrics.TaskDuration.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())

	if herr != nil {
		metrics.TasksProcessed.WithLabelValues(string(name), "error").Inc()
		d.logger.Warn("Task failed, will retry",
			zap.String("transfer_id", task.TransferID),
			zap.String("kind", task.Kind),
			zap.Int("attempts", task.Attempts),
			zap.Error(herr))
		return true, d.queue.Defer(bookCtx, task, d.now().Add(errorRetryDelay))
	}

	if res.Done {
		metrics.TasksProcessed.WithLabelValues(string(name), "done").Inc()
		return true, d.queue.Complete(bookCtx, task)
	}

	metrics.TasksProcessed.WithLabelValues(string(name), "next").Inc()
	return true, d.queue.Reschedule(bookCtx, task, res.Queue, res.Kind, d.now().Add(res.Delay))
}
