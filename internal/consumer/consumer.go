// Package consumer runs the single consumer loop of a client id: it promotes new tables
// through their initial load, then polls change batches, writes them to a sink, waits for
// the sink's flush and acknowledges.
package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redbco/hana-cdc/internal/health"
	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/logger"
)

// Health check names reported by the loop.
const (
	CheckSource = "source"
	CheckSink   = "sink"
	CheckTables = "tables"
)

// Engine is the part of the CDC engine the loop drives.
type Engine interface {
	PendingLoads(ctx context.Context) ([]cdc.TableRef, error)
	RunInitialLoad(ctx context.Context, table cdc.TableRef, sink cdc.EventSink) (int64, error)
	GetChanges(ctx context.Context, limit int) (*cdc.Batch, error)
	AckBatch(ctx context.Context, batch *cdc.Batch) error
	GetStatus(ctx context.Context) ([]cdc.TableLag, error)
}

// Options tune the loop.
type Options struct {
	BatchLimit     int
	PollInterval   time.Duration
	StatusInterval time.Duration
}

// Stats summarizes the loop's progress.
type Stats struct {
	RunID           string    `json:"run_id" yaml:"run_id"`
	StartedAt       time.Time `json:"started_at" yaml:"started_at"`
	Batches         int64     `json:"batches" yaml:"batches"`
	Events          int64     `json:"events" yaml:"events"`
	SnapshotRows    int64     `json:"snapshot_rows" yaml:"snapshot_rows"`
	LastBatchAt     time.Time `json:"last_batch_at,omitempty" yaml:"last_batch_at,omitempty"`
	LastBatchID     string    `json:"last_batch_id,omitempty" yaml:"last_batch_id,omitempty"`
	LastError       string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	BlockedTables   []string  `json:"blocked_tables,omitempty" yaml:"blocked_tables,omitempty"`
	ConsecutiveErrs int       `json:"consecutive_errors" yaml:"consecutive_errors"`
}

// Loop is the consumer loop.
type Loop struct {
	engine Engine
	sink   cdc.EventSink
	opts   Options
	health *health.Checker
	logger *logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats Stats
}

// New creates a loop. checker may be nil.
func New(engine Engine, sink cdc.EventSink, opts Options, checker *health.Checker, log *logger.Logger) *Loop {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = cdc.DefaultConfig().BatchLimit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = cdc.DefaultConfig().PollInterval
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 15 * time.Second
	}
	if checker == nil {
		checker = health.NewChecker()
	}
	if log == nil {
		log = logger.Nop()
	}

	runID := uuid.NewString()
	return &Loop{
		engine: engine,
		sink:   sink,
		opts:   opts,
		health: checker,
		logger: log.WithFields(map[string]string{"component": "consumer", "run_id": runID}),
		sleep:  sleepCtx,
		stats:  Stats{RunID: runID, StartedAt: time.Now().UTC()},
	}
}

// Stats returns a snapshot of the loop's progress.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.BlockedTables = append([]string(nil), l.stats.BlockedTables...)
	return s
}

// Run polls until ctx is cancelled or a fatal error occurs. Transient and table-level
// errors are logged and retried on the next poll.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("consumer loop started (batch limit %d, poll interval %s)", l.opts.BatchLimit, l.opts.PollInterval)
	var lastStatus time.Time

	for {
		if time.Since(lastStatus) >= l.opts.StatusInterval {
			if _, err := l.engine.GetStatus(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("could not refresh lag: %v", err)
			}
			lastStatus = time.Now()
		}

		busy, err := l.Step(ctx)
		if ctx.Err() != nil {
			l.logger.Info("consumer loop stopped")
			return nil
		}
		if err != nil {
			if cdc.IsFatal(err) {
				l.health.Set(CheckSource, err)
				l.logger.Error("consumer loop stopped on fatal error: %v", err)
				return err
			}
			l.recordError(err)
			busy = false
		}
		if busy {
			continue
		}
		if err := l.sleep(ctx, l.opts.PollInterval); err != nil {
			l.logger.Info("consumer loop stopped")
			return nil
		}
	}
}

// Step runs pending initial loads and processes one change batch. It reports whether the
// batch was full, meaning more events are likely waiting.
func (l *Loop) Step(ctx context.Context) (bool, error) {
	if err := l.runLoads(ctx); err != nil {
		return false, err
	}

	batch, err := l.engine.GetChanges(ctx, l.opts.BatchLimit)
	if err != nil {
		l.health.Set(CheckSource, err)
		return false, err
	}
	l.health.Set(CheckSource, nil)
	l.recordFailures(batch.Failures)

	if batch.Empty() {
		return false, nil
	}

	if err := l.sink.WriteBatch(ctx, batch.Events); err != nil {
		l.health.Set(CheckSink, err)
		return false, err
	}
	if err := l.sink.Flush(ctx); err != nil {
		l.health.Set(CheckSink, err)
		return false, err
	}
	l.health.Set(CheckSink, nil)

	if err := l.engine.AckBatch(ctx, batch); err != nil {
		return false, err
	}

	batchID := uuid.NewString()
	l.mu.Lock()
	l.stats.Batches++
	l.stats.Events += int64(batch.Len())
	l.stats.LastBatchAt = time.Now().UTC()
	l.stats.LastBatchID = batchID
	l.stats.ConsecutiveErrs = 0
	l.stats.LastError = ""
	l.mu.Unlock()

	last, _ := batch.Last()
	l.logger.Debug("batch %s: %d events up to event %d", batchID, batch.Len(), last.EventID)
	return batch.Len() >= l.opts.BatchLimit, nil
}

func (l *Loop) runLoads(ctx context.Context) error {
	tables, err := l.engine.PendingLoads(ctx)
	if err != nil {
		return err
	}

	for _, t := range tables {
		l.logger.Info("starting initial load of %s", t)
		n, err := l.engine.RunInitialLoad(ctx, t, l.sink)

		l.mu.Lock()
		l.stats.SnapshotRows += n
		l.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil || cdc.IsFatal(err) || cdc.IsRetryable(err) {
				return err
			}
			l.logger.Error("initial load of %s failed after %d rows, will resume: %v", t, n, err)
			l.recordError(err)
			continue
		}
		l.logger.Info("initial load of %s finished: %d rows", t, n)
	}
	return nil
}

func (l *Loop) recordFailures(failures []error) {
	var blocked []string
	for _, f := range failures {
		if t, ok := cdc.TableOf(f); ok {
			blocked = append(blocked, t.String())
		}
		l.logger.Warn("table fault: %v", f)
	}

	l.mu.Lock()
	l.stats.BlockedTables = blocked
	l.mu.Unlock()

	if len(failures) == 0 {
		l.health.Set(CheckTables, nil)
		return
	}
	l.health.SetStatus(CheckTables, health.StatusDegraded, errors.Join(failures...).Error())
}

func (l *Loop) recordError(err error) {
	l.mu.Lock()
	l.stats.ConsecutiveErrs++
	l.stats.LastError = err.Error()
	n := l.stats.ConsecutiveErrs
	l.mu.Unlock()
	l.logger.Warn("consumer step failed (%d in a row): %v", n, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
