package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redbco/hana-cdc/internal/hana"
	"github.com/redbco/hana-cdc/internal/metrics"
	"github.com/redbco/hana-cdc/pkg/cdc"
)

// GetChanges returns up to limit change events with event_id above each ACTIVE table's
// cursor, ordered by event id. A non-positive limit uses the configured batch limit.
//
// Events that cannot be decoded are moved to the poison log and block their table until
// acknowledged; tables whose columns changed are paused. Both are reported in
// Batch.Failures while the other tables keep flowing. GetChanges never advances a cursor
// except past poison events an operator has acknowledged.
func (e *Engine) GetChanges(ctx context.Context, limit int) (*cdc.Batch, error) {
	if limit <= 0 {
		limit = e.cfg.BatchLimit
	}

	start := time.Now()
	var batch *cdc.Batch
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		batch, err = e.readBatch(ctx, limit)
		return err
	})
	metrics.ReadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Batches.WithLabelValues("error").Inc()
		return nil, err
	}

	outcome := "ok"
	if len(batch.Failures) > 0 {
		outcome = "partial"
	}
	metrics.Batches.WithLabelValues(outcome).Inc()
	metrics.BatchSize.Observe(float64(len(batch.Events)))
	for _, ev := range batch.Events {
		metrics.EventsDelivered.WithLabelValues(ev.FullTableName, string(ev.TriggerType)).Inc()
	}
	return batch, nil
}

func (e *Engine) readBatch(ctx context.Context, limit int) (*cdc.Batch, error) {
	batch := &cdc.Batch{}

	statuses, err := e.deps.Cursors.List(ctx, e.cfg.ClientID)
	if err != nil {
		return nil, err
	}
	active := make(map[cdc.TableRef]*cdc.ClientTableStatus)
	for i := range statuses {
		st := &statuses[i]
		if st.Status == cdc.StatusActive && e.monitored[st.Table] {
			active[st.Table] = st
		}
	}
	if len(active) == 0 {
		return batch, nil
	}

	bounds, err := e.poisonBounds(ctx)
	if err != nil {
		return nil, err
	}

	tables := make([]cdc.TableRef, 0, len(active))
	for t := range active {
		tables = append(tables, t)
	}
	sortTables(tables)

	metas := make(map[cdc.TableRef]*cdc.TableMeta, len(tables))
	ranges := make([]hana.TableRange, 0, len(tables))
	for _, t := range tables {
		rg := hana.TableRange{Table: t, After: active[t].Floor(), Before: bounds[t]}
		if rg.Before > 0 && rg.Before <= rg.After+1 {
			continue
		}
		m, err := e.meta(ctx, t)
		if err != nil {
			if cdc.IsRetryable(err) {
				return nil, err
			}
			batch.Failures = append(batch.Failures, err)
			continue
		}
		metas[t] = m
		ranges = append(ranges, rg)
	}

	set, err := e.deps.Reader.ReadChanges(ctx, ranges, limit, metas)
	if err != nil {
		return nil, err
	}

	blocked, err := e.checkDrift(ctx, set, active, batch)
	if err != nil {
		return nil, err
	}
	cut, err := e.recordPoison(ctx, set, blocked, batch)
	if err != nil {
		return nil, err
	}

	batch.Events = make([]cdc.ChangeEvent, 0, len(set.Events))
	for _, ev := range set.Events {
		t := ev.Table()
		if blocked[t] {
			continue
		}
		if c, ok := cut[t]; ok && ev.EventID > c {
			continue
		}
		batch.Events = append(batch.Events, ev)
	}
	return batch, nil
}

// poisonBounds returns, per table, the lowest pending poison event id.
func (e *Engine) poisonBounds(ctx context.Context) (map[cdc.TableRef]int64, error) {
	bounds := make(map[cdc.TableRef]int64)
	if e.deps.Poison == nil {
		return bounds, nil
	}
	pending, err := e.deps.Poison.Pending(ctx, e.cfg.ClientID)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		if b, ok := bounds[p.Table]; !ok || p.EventID < b {
			bounds[p.Table] = p.EventID
		}
	}
	return bounds, nil
}

// checkDrift compares the live column signature of every table present in the change set
// with the signature frozen at activation. Drifted or vanished tables are paused and
// returned as blocked.
func (e *Engine) checkDrift(ctx context.Context, set *hana.ChangeSet, active map[cdc.TableRef]*cdc.ClientTableStatus, batch *cdc.Batch) (map[cdc.TableRef]bool, error) {
	present := make(map[cdc.TableRef]bool)
	for _, ev := range set.Events {
		present[ev.Table()] = true
	}
	for _, p := range set.Poison {
		present[p.Table] = true
	}

	tables := make([]cdc.TableRef, 0, len(present))
	for t := range present {
		tables = append(tables, t)
	}
	sortTables(tables)

	blocked := make(map[cdc.TableRef]bool)
	for _, t := range tables {
		st, ok := active[t]
		if !ok {
			continue
		}

		current, err := e.deps.Introspector.DescribeTable(ctx, t)
		if err != nil {
			if cdc.KindOf(err) != cdc.IntrospectionError {
				return nil, err
			}
			if perr := e.pause(ctx, t, "introspection failed: "+err.Error()); perr != nil {
				return nil, perr
			}
			e.logger.Error("paused %s: %v", t, err)
			blocked[t] = true
			batch.Failures = append(batch.Failures, err)
			continue
		}

		if st.ColumnSignature != "" && current.Signature() != st.ColumnSignature {
			detail := driftDetail(st.ColumnSignature, current)
			if perr := e.pause(ctx, t, "schema drift: "+detail); perr != nil {
				return nil, perr
			}
			metrics.SchemaDrift.WithLabelValues(t.String()).Inc()
			e.logger.Error("paused %s after schema drift: %s", t, detail)
			blocked[t] = true
			batch.Failures = append(batch.Failures, cdc.NewSchemaDriftError(t, detail))
			continue
		}
		e.setMeta(current)
	}
	return blocked, nil
}

// recordPoison stores undecodable events and returns, per table, the highest event id that
// may still be delivered.
func (e *Engine) recordPoison(ctx context.Context, set *hana.ChangeSet, blocked map[cdc.TableRef]bool, batch *cdc.Batch) (map[cdc.TableRef]int64, error) {
	cut := make(map[cdc.TableRef]int64)
	if len(set.Poison) == 0 {
		return cut, nil
	}
	if e.deps.Poison == nil {
		return nil, cdc.NewInfrastructureError("record_poison", errors.New("no poison log configured"))
	}

	first := make(map[cdc.TableRef]int64)
	for _, ev := range set.Events {
		if _, ok := first[ev.Table()]; !ok {
			first[ev.Table()] = ev.EventID
		}
	}

	poison := append([]cdc.PoisonEvent(nil), set.Poison...)
	sort.Slice(poison, func(i, j int) bool { return poison[i].EventID < poison[j].EventID })

	for _, p := range poison {
		t := p.Table
		if blocked[t] {
			continue
		}
		if _, ok := cut[t]; ok {
			continue
		}

		stored, err := e.deps.Poison.Record(ctx, e.cfg.ClientID, p)
		if err != nil {
			return nil, err
		}

		if stored.Pending() {
			cut[t] = p.EventID - 1
			metrics.PoisonEvents.WithLabelValues(t.String()).Inc()
			e.logger.Error("event %d of %s could not be decoded, table blocked until acknowledged: %s", p.EventID, t, stored.Error)
			batch.Failures = append(batch.Failures,
				cdc.NewDeserializationError(t, p.EventID, errors.New(stored.Error)))
			continue
		}

		// Acknowledged: skip it, moving the cursor past it when nothing earlier is pending
		// delivery for the table.
		if f, ok := first[t]; ok && f < p.EventID {
			continue
		}
		ev := cdc.ChangeEvent{
			EventID:        p.EventID,
			EventTimestamp: stored.RecordedAt,
			TriggerType:    p.TriggerType,
			SchemaName:     t.Schema,
			TableName:      t.Name,
			FullTableName:  t.String(),
		}
		if err := e.withConflictRetry(ctx, func(ctx context.Context) error {
			return e.deps.Cursors.Ack(ctx, e.cfg.ClientID, ev)
		}); err != nil {
			e.logger.Warn("could not move cursor of %s past acknowledged event %d: %v", t, p.EventID, err)
		}
	}
	return cut, nil
}

func driftDetail(frozen string, current *cdc.TableMeta) string {
	return fmt.Sprintf("columns were [%s], now [%s]", frozen, current.Signature())
}
