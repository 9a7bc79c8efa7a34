package engine

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

const propertyRuns = 50

func seeded(run int) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(run), 0x5eed))
}

func pickTable(r *rand.Rand) cdc.TableRef {
	if r.IntN(2) == 0 {
		return tableT
	}
	return tableU
}

func TestRandomAckSequencesNeverMoveCursorBack(t *testing.T) {
	ctx := context.Background()
	for run := 0; run < propertyRuns; run++ {
		r := seeded(run)
		h := newHarness(t)
		h.activate(tableT, 0)
		h.activate(tableU, 0)

		highest := map[cdc.TableRef]int64{}
		for i := 0; i < 40; i++ {
			table := pickTable(r)
			ev := cdc.ChangeEvent{
				EventID:     r.Int64N(100) + 1,
				SchemaName:  table.Schema,
				TableName:   table.Name,
				TriggerType: cdc.TriggerInsert,
			}
			before := h.cursors.row(table).Floor()
			require.NoError(t, h.engine.Ack(ctx, ev))
			after := h.cursors.row(table).Floor()

			if ev.EventID > highest[table] {
				highest[table] = ev.EventID
			}
			assert.GreaterOrEqual(t, after, before, "run %d: ack of %d moved %s back", run, ev.EventID, table)
			assert.Equal(t, highest[table], after, "run %d: cursor of %s is the highest ack", run, table)
		}
	}
}

func TestRandomInterleavingsDeliverEveryChangeOnce(t *testing.T) {
	ctx := context.Background()
	for run := 0; run < propertyRuns; run++ {
		r := seeded(run)
		h := newHarness(t)
		h.activate(tableT, 0)
		h.activate(tableU, 0)

		var (
			nextID    int64
			inserted  []int64
			delivered = map[int64]int{}
			acked     = map[cdc.TableRef]int64{}
		)
		consume := func(commit bool) {
			batch, err := h.engine.GetChanges(ctx, r.IntN(5)+1)
			require.NoError(t, err)
			require.Empty(t, batch.Failures)

			var prev int64
			for _, ev := range batch.Events {
				assert.Greater(t, ev.EventID, prev, "run %d: ids increase within a batch", run)
				prev = ev.EventID
				assert.Greater(t, ev.EventID, acked[ev.Table()], "run %d: event %d redelivered after ack", run, ev.EventID)
			}
			if !commit {
				return
			}
			require.NoError(t, h.engine.AckBatch(ctx, batch))
			for _, ev := range batch.Events {
				delivered[ev.EventID]++
				if ev.EventID > acked[ev.Table()] {
					acked[ev.Table()] = ev.EventID
				}
			}
		}

		for step := 0; step < 60; step++ {
			switch r.IntN(3) {
			case 0, 1:
				nextID += r.Int64N(3) + 1
				h.change(nextID, pickTable(r), cdc.TriggerInsert, "", insertRow(nextID, "x"))
				inserted = append(inserted, nextID)
			default:
				consume(r.IntN(4) != 0)
			}
		}
		for i := 0; i <= len(inserted); i++ {
			consume(true)
		}

		for _, id := range inserted {
			assert.Equal(t, 1, delivered[id], "run %d: event %d", run, id)
		}
		assert.Len(t, delivered, len(inserted), "run %d", run)
	}
}

func TestRandomInitialLoadsCutOverAtSnapshot(t *testing.T) {
	ctx := context.Background()
	for run := 0; run < propertyRuns; run++ {
		r := seeded(run)
		h := newHarness(t)
		h.cursors.seed(tableT, cdc.StatusNew)

		rowCount := r.IntN(8)
		h.reader.rows[tableT] = rows(rowCount)

		var id int64
		for i := r.IntN(5); i > 0; i-- {
			id++
			h.change(id, pickTable(r), cdc.TriggerInsert, "", insertRow(id, "before"))
		}
		snapshot := id

		sink := newMemorySink()
		n, err := h.engine.RunInitialLoad(ctx, tableT, sink)
		require.NoError(t, err)
		assert.Equal(t, int64(rowCount), n, "run %d", run)
		assert.Len(t, sink.events, rowCount, "run %d", run)
		assert.Equal(t, snapshot, h.cursors.row(tableT).Floor(), "run %d", run)

		var after []int64
		for i := r.IntN(5); i > 0; i-- {
			id++
			table := pickTable(r)
			h.change(id, table, cdc.TriggerInsert, "", insertRow(id, "after"))
			if table == tableT {
				after = append(after, id)
			}
		}

		batch, err := h.engine.GetChanges(ctx, 100)
		require.NoError(t, err)
		got := eventIDs(batch.Events)
		if len(after) == 0 {
			assert.Empty(t, got, "run %d", run)
		} else {
			assert.Equal(t, after, got, "run %d: only changes after the snapshot are delivered", run)
		}
	}
}
