package engine

import (
	"context"
	"time"

	"github.com/redbco/hana-cdc/internal/metrics"
	"github.com/redbco/hana-cdc/pkg/cdc"
)

// Ack records ev as processed for its table. Acks are monotone: an event at or below the
// current cursor is a no-op, as is a synthetic initial-load event.
func (e *Engine) Ack(ctx context.Context, ev cdc.ChangeEvent) error {
	if ev.IsSnapshot() {
		return nil
	}
	table := ev.Table()
	if err := e.checkMonitored(table); err != nil {
		return err
	}

	err := e.update(ctx, func(ctx context.Context) error {
		return e.deps.Cursors.Ack(ctx, e.cfg.ClientID, ev)
	})
	if err != nil {
		return err
	}
	metrics.Acks.WithLabelValues(table.String()).Inc()
	return nil
}

// AckBatch acknowledges the highest event of every table in the batch.
func (e *Engine) AckBatch(ctx context.Context, batch *cdc.Batch) error {
	last := batch.LastPerTable()
	tables := make([]cdc.TableRef, 0, len(last))
	for t := range last {
		tables = append(tables, t)
	}
	sortTables(tables)

	for _, t := range tables {
		if err := e.Ack(ctx, last[t]); err != nil {
			return err
		}
	}
	return nil
}

// GetStatus returns the per-table lag report and refreshes the lag gauges.
func (e *Engine) GetStatus(ctx context.Context) ([]cdc.TableLag, error) {
	var lags []cdc.TableLag
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		lags, err = e.deps.Cursors.Lag(ctx, e.cfg.ClientID)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, l := range lags {
		name := l.Table.String()
		metrics.LagSeconds.WithLabelValues(name).Set(l.LagSeconds)
		metrics.PendingEvents.WithLabelValues(name).Set(float64(l.PendingEvents))
	}
	return lags, nil
}

// TableStatus returns the status row of a monitored table.
func (e *Engine) TableStatus(ctx context.Context, table cdc.TableRef) (*cdc.ClientTableStatus, error) {
	if err := e.checkMonitored(table); err != nil {
		return nil, err
	}
	var st *cdc.ClientTableStatus
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		st, err = e.deps.Cursors.Get(ctx, e.cfg.ClientID, table)
		return err
	})
	return st, err
}

// GetNewlyAddedTables returns the monitored tables still in status NEW.
func (e *Engine) GetNewlyAddedTables(ctx context.Context) ([]cdc.TableRef, error) {
	var tables []cdc.TableRef
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		tables, err = e.deps.Cursors.NewlyAdded(ctx, e.cfg.ClientID)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := tables[:0]
	for _, t := range tables {
		if e.monitored[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

// PendingLoads returns the monitored tables in NEW or INITIAL_LOADING, interrupted loads
// first.
func (e *Engine) PendingLoads(ctx context.Context) ([]cdc.TableRef, error) {
	var statuses []cdc.ClientTableStatus
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		statuses, err = e.deps.Cursors.List(ctx, e.cfg.ClientID)
		return err
	})
	if err != nil {
		return nil, err
	}

	var loading, fresh []cdc.TableRef
	for _, st := range statuses {
		if !e.monitored[st.Table] {
			continue
		}
		switch st.Status {
		case cdc.StatusInitialLoading:
			loading = append(loading, st.Table)
		case cdc.StatusNew:
			fresh = append(fresh, st.Table)
		}
	}
	return append(loading, fresh...), nil
}

// SetTableStatusActive moves a table from INITIAL_LOADING or PAUSED to ACTIVE, freezing its
// current column signature. A loading table keeps the snapshot boundary it recorded.
func (e *Engine) SetTableStatusActive(ctx context.Context, table cdc.TableRef) error {
	st, err := e.TableStatus(ctx, table)
	if err != nil {
		return err
	}
	if !st.Status.CanTransitionTo(cdc.StatusActive) {
		return cdc.NewTransitionError(table, st.Status, cdc.StatusActive)
	}

	meta, err := e.describe(ctx, table)
	if err != nil {
		return err
	}
	var snapshot int64
	if st.SnapshotEventID != nil {
		snapshot = *st.SnapshotEventID
	}
	return e.activate(ctx, meta, snapshot)
}

func (e *Engine) activate(ctx context.Context, meta *cdc.TableMeta, snapshot int64) error {
	err := e.update(ctx, func(ctx context.Context) error {
		return e.deps.Cursors.SetActive(ctx, e.cfg.ClientID, meta.Table, snapshot, meta.Signature())
	})
	if err != nil {
		return err
	}
	e.setMeta(meta)
	e.logger.Info("table %s is active from event %d", meta.Table, snapshot)
	return nil
}

// Pause stops delivery for a table. Pausing a paused table is a no-op.
func (e *Engine) Pause(ctx context.Context, table cdc.TableRef, reason string) error {
	if err := e.checkMonitored(table); err != nil {
		return err
	}
	if reason == "" {
		reason = "paused by operator at " + time.Now().UTC().Format(time.RFC3339)
	}
	if err := e.pause(ctx, table, reason); err != nil {
		return err
	}
	e.logger.Info("paused %s: %s", table, reason)
	return nil
}

func (e *Engine) pause(ctx context.Context, table cdc.TableRef, reason string) error {
	return e.update(ctx, func(ctx context.Context) error {
		return e.deps.Cursors.Pause(ctx, e.cfg.ClientID, table, reason)
	})
}

// Resume reactivates a paused table. The table is described again, its triggers are
// recreated when the column list changed, and the new signature is frozen. The cursor is
// kept, so delivery continues after the last acknowledged event.
func (e *Engine) Resume(ctx context.Context, table cdc.TableRef) error {
	st, err := e.TableStatus(ctx, table)
	if err != nil {
		return err
	}
	if st.Status != cdc.StatusPaused {
		return cdc.NewTransitionError(table, st.Status, cdc.StatusActive)
	}

	meta, err := e.describe(ctx, table)
	if err != nil {
		return err
	}
	if e.deps.Infrastructure != nil && st.ColumnSignature != meta.Signature() {
		if err := e.deps.Infrastructure.RefreshTriggers(ctx, meta); err != nil {
			return err
		}
		e.logger.Info("recreated triggers of %s for columns %s", table, meta.Signature())
	}
	return e.activate(ctx, meta, 0)
}

func (e *Engine) describe(ctx context.Context, table cdc.TableRef) (*cdc.TableMeta, error) {
	var meta *cdc.TableMeta
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		meta, err = e.deps.Introspector.DescribeTable(ctx, table)
		return err
	})
	return meta, err
}

// PoisonEvents lists the poison log of this client, pending and acknowledged.
func (e *Engine) PoisonEvents(ctx context.Context) ([]cdc.PoisonEvent, error) {
	var events []cdc.PoisonEvent
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		events, err = e.deps.Poison.List(ctx, e.cfg.ClientID)
		return err
	})
	return events, err
}

// AcknowledgePoison releases a poison event. The next GetChanges skips it and resumes
// delivery for its table.
func (e *Engine) AcknowledgePoison(ctx context.Context, eventID int64) error {
	err := e.retry(ctx, func(ctx context.Context) error {
		return e.deps.Poison.Acknowledge(ctx, e.cfg.ClientID, eventID)
	})
	if err != nil {
		return err
	}
	e.logger.Info("poison event %d acknowledged", eventID)
	return nil
}
