// Package engine is the CDC engine façade: it drives the status state machine of each
// (client, table) pair and returns change batches from the shadow change table.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redbco/hana-cdc/internal/hana"
	"github.com/redbco/hana-cdc/internal/metrics"
	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/logger"
	"github.com/redbco/hana-cdc/pkg/retry"
)

// maxConflictRetries is how often a guarded status update is retried after losing to a
// concurrent writer before the conflict is surfaced.
const maxConflictRetries = 3

// Infrastructure installs and refreshes the shadow objects.
type Infrastructure interface {
	EnsureInfrastructure(ctx context.Context, force bool) (*hana.Report, error)
	RefreshTriggers(ctx context.Context, meta *cdc.TableMeta) error
	VerifyTriggers(ctx context.Context) (*hana.TriggerAudit, error)
}

// Introspector reads column metadata of monitored tables.
type Introspector interface {
	Describe(ctx context.Context, tables []cdc.TableRef) (map[cdc.TableRef]*cdc.TableMeta, error)
	DescribeTable(ctx context.Context, table cdc.TableRef) (*cdc.TableMeta, error)
}

// ChangeReader runs change-batch and initial-load queries.
type ChangeReader interface {
	hana.PageLoader
	ReadChanges(ctx context.Context, ranges []hana.TableRange, limit int, metas map[cdc.TableRef]*cdc.TableMeta) (*hana.ChangeSet, error)
	MaxEventID(ctx context.Context) (int64, error)
}

// CursorStore persists per-client status rows.
type CursorStore interface {
	Get(ctx context.Context, clientID string, table cdc.TableRef) (*cdc.ClientTableStatus, error)
	List(ctx context.Context, clientID string) ([]cdc.ClientTableStatus, error)
	NewlyAdded(ctx context.Context, clientID string) ([]cdc.TableRef, error)
	SetInitialLoading(ctx context.Context, clientID string, table cdc.TableRef) error
	SaveLoadProgress(ctx context.Context, clientID string, table cdc.TableRef, snapshotEventID int64, cursor string) error
	SetActive(ctx context.Context, clientID string, table cdc.TableRef, snapshotEventID int64, signature string) error
	Pause(ctx context.Context, clientID string, table cdc.TableRef, reason string) error
	Ack(ctx context.Context, clientID string, ev cdc.ChangeEvent) error
	Lag(ctx context.Context, clientID string) ([]cdc.TableLag, error)
}

// PoisonLog stores undecodable events until an operator acknowledges them.
type PoisonLog interface {
	Record(ctx context.Context, clientID string, ev cdc.PoisonEvent) (*cdc.PoisonEvent, error)
	Pending(ctx context.Context, clientID string) ([]cdc.PoisonEvent, error)
	List(ctx context.Context, clientID string) ([]cdc.PoisonEvent, error)
	Acknowledge(ctx context.Context, clientID string, eventID int64) error
}

// Deps are the collaborators of an engine. Pool is optional and is closed by Close.
type Deps struct {
	Pool           *hana.Pool
	Infrastructure Infrastructure
	Introspector   Introspector
	Reader         ChangeReader
	Cursors        CursorStore
	Poison         PoisonLog
}

// Engine is the handle a consumer uses to read and acknowledge changes for one client id.
// Its methods are meant to be called from a single consumer loop; status reads may run
// concurrently.
type Engine struct {
	cfg       cdc.Config
	tables    []cdc.TableRef
	monitored map[cdc.TableRef]bool
	deps      Deps
	policy    *retry.Policy
	logger    *logger.Logger

	mu     sync.Mutex
	metas  map[cdc.TableRef]*cdc.TableMeta
	closed bool
}

// New creates an engine on existing collaborators.
func New(cfg cdc.Config, deps Deps, log *logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tables, err := cfg.MonitoredTables()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}

	e := &Engine{
		cfg:       cfg,
		tables:    tables,
		monitored: make(map[cdc.TableRef]bool, len(tables)),
		deps:      deps,
		policy:    retry.NewPolicy(cfg.Retry),
		logger:    log.WithComponent("engine").WithFields(map[string]string{"client_id": cfg.ClientID}),
		metas:     make(map[cdc.TableRef]*cdc.TableMeta, len(tables)),
	}
	for _, t := range tables {
		e.monitored[t] = true
	}
	e.policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.Retries.WithLabelValues(string(cdc.KindOf(err))).Inc()
		e.logger.Warn("attempt %d failed, retrying in %s: %v", attempt, delay, err)
	}
	return e, nil
}

// Open connects to the source and returns an engine wired to the HANA implementations. The
// shadow tables must already exist; Open fails with an InfrastructureError otherwise.
func Open(ctx context.Context, cfg cdc.Config, log *logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}

	var pool *hana.Pool
	err := retry.NewPolicy(cfg.Retry).Do(ctx, func(ctx context.Context) error {
		var err error
		pool, err = hana.NewPool(ctx, hana.PoolConfigFrom(cfg), log)
		return err
	})
	if err != nil {
		return nil, err
	}

	layout := hana.LayoutFor(cfg)
	e, err := New(cfg, Deps{
		Pool:           pool,
		Infrastructure: hana.NewManager(pool, cfg, log),
		Introspector:   hana.NewIntrospector(pool),
		Reader:         hana.NewReader(pool, layout),
		Cursors:        hana.NewCursorStore(pool, layout),
		Poison:         hana.NewPoisonLog(pool, layout),
	}, log)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	if err := e.start(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// start checks that the status table is readable and loads column metadata. Tables that
// cannot be described are logged and retried on first use.
func (e *Engine) start(ctx context.Context) error {
	err := e.retry(ctx, func(ctx context.Context) error {
		_, err := e.deps.Cursors.List(ctx, e.cfg.ClientID)
		return err
	})
	if err != nil {
		if cdc.KindOf(err) == cdc.InfrastructureError {
			return cdc.NewInfrastructureError("open_engine",
				fmt.Errorf("status table is not usable, run init first: %w", err))
		}
		return err
	}

	if e.deps.Infrastructure != nil {
		if audit, err := e.deps.Infrastructure.VerifyTriggers(ctx); err != nil {
			e.logger.Warn("could not audit triggers: %v", err)
		} else if !audit.Complete() {
			e.logger.Warn("trigger audit: missing %v, defined on other tables %v", audit.Missing, audit.Foreign)
		}
	}

	var metas map[cdc.TableRef]*cdc.TableMeta
	err = e.retry(ctx, func(ctx context.Context) error {
		var err error
		metas, err = e.deps.Introspector.Describe(ctx, e.tables)
		if metas != nil && cdc.KindOf(err) == cdc.IntrospectionError {
			e.logger.Warn("some tables could not be described: %v", err)
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	for t, m := range metas {
		e.metas[t] = m
	}
	e.mu.Unlock()

	e.logger.Info("engine started for %d tables (%d described)", len(e.tables), len(metas))
	return nil
}

// Config returns the engine configuration.
func (e *Engine) Config() cdc.Config {
	return e.cfg
}

// Tables returns the monitored tables.
func (e *Engine) Tables() []cdc.TableRef {
	out := make([]cdc.TableRef, len(e.tables))
	copy(out, e.tables)
	return out
}

// EnsureInfrastructure runs the infrastructure manager.
func (e *Engine) EnsureInfrastructure(ctx context.Context, force bool) (*hana.Report, error) {
	if e.deps.Infrastructure == nil {
		return nil, cdc.NewInfrastructureError("ensure_infrastructure", errors.New("no infrastructure manager configured"))
	}
	return e.deps.Infrastructure.EnsureInfrastructure(ctx, force)
}

// Close releases the connection pool. Calling Close more than once is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.deps.Pool != nil {
		return e.deps.Pool.Close()
	}
	return nil
}

// retry runs fn with the backoff policy and a per-attempt timeout.
func (e *Engine) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		err := fn(callCtx)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) &&
			cdc.KindOf(err) != cdc.TimeoutError {
			return cdc.NewTimeoutError("call", err)
		}
		return err
	})
}

// withConflictRetry repeats fn while it loses guarded updates to concurrent writers.
func (e *Engine) withConflictRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		err = fn(ctx)
		if !cdc.IsConflict(err) {
			return err
		}
		metrics.CursorConflicts.Inc()
		e.logger.Debug("status update conflict (attempt %d/%d): %v", attempt+1, maxConflictRetries+1, err)
	}
	return err
}

// update runs a status write with conflict retries inside the transient retry policy.
func (e *Engine) update(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.retry(ctx, func(ctx context.Context) error {
		return e.withConflictRetry(ctx, fn)
	})
}

func (e *Engine) checkMonitored(table cdc.TableRef) error {
	if !e.monitored[table] {
		return cdc.NewNotMonitoredError(e.cfg.ClientID, table)
	}
	return nil
}

// meta returns cached column metadata, describing the table on a miss.
func (e *Engine) meta(ctx context.Context, table cdc.TableRef) (*cdc.TableMeta, error) {
	e.mu.Lock()
	m, ok := e.metas[table]
	e.mu.Unlock()
	if ok {
		return m, nil
	}

	m, err := e.deps.Introspector.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	e.setMeta(m)
	return m, nil
}

func (e *Engine) setMeta(m *cdc.TableMeta) {
	e.mu.Lock()
	e.metas[m.Table] = m
	e.mu.Unlock()
}

func sortTables(tables []cdc.TableRef) {
	sort.Slice(tables, func(i, j int) bool {
		if tables[i].Schema != tables[j].Schema {
			return tables[i].Schema < tables[j].Schema
		}
		return tables[i].Name < tables[j].Name
	})
}
