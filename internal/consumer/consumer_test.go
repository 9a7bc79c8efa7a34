package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/hana-cdc/internal/health"
	"github.com/redbco/hana-cdc/pkg/cdc"
)

var tableT = cdc.TableRef{Schema: "S", Name: "T"}

type fakeEngine struct {
	batches   []*cdc.Batch
	changeErr error
	pending   []cdc.TableRef
	loadErr   error
	loaded    []cdc.TableRef
	acked     []*cdc.Batch
	statuses  int
}

func (f *fakeEngine) PendingLoads(context.Context) ([]cdc.TableRef, error) {
	p := f.pending
	f.pending = nil
	return p, nil
}

func (f *fakeEngine) RunInitialLoad(ctx context.Context, table cdc.TableRef, sink cdc.EventSink) (int64, error) {
	f.loaded = append(f.loaded, table)
	if f.loadErr != nil {
		return 1, f.loadErr
	}
	return 2, nil
}

func (f *fakeEngine) GetChanges(context.Context, int) (*cdc.Batch, error) {
	if f.changeErr != nil {
		return nil, f.changeErr
	}
	if len(f.batches) == 0 {
		return &cdc.Batch{}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeEngine) AckBatch(_ context.Context, b *cdc.Batch) error {
	f.acked = append(f.acked, b)
	return nil
}

func (f *fakeEngine) GetStatus(context.Context) ([]cdc.TableLag, error) {
	f.statuses++
	return nil, nil
}

type recordingSink struct {
	events   []cdc.ChangeEvent
	writeErr error
	flushErr error
	flushes  int
}

func (s *recordingSink) WriteBatch(_ context.Context, events []cdc.ChangeEvent) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *recordingSink) Flush(context.Context) error {
	s.flushes++
	return s.flushErr
}

func (s *recordingSink) Close() error { return nil }

func batchOf(ids ...int64) *cdc.Batch {
	b := &cdc.Batch{}
	for _, id := range ids {
		b.Events = append(b.Events, cdc.ChangeEvent{
			EventID:        id,
			EventTimestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			TriggerType:    cdc.TriggerInsert,
			SchemaName:     "S",
			TableName:      "T",
			FullTableName:  "S.T",
		})
	}
	return b
}

func TestStepWritesFlushesThenAcks(t *testing.T) {
	eng := &fakeEngine{batches: []*cdc.Batch{batchOf(1, 2)}}
	sink := &recordingSink{}
	checker := health.NewChecker()
	l := New(eng, sink, Options{BatchLimit: 2}, checker, nil)

	full, err := l.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, full)
	assert.Len(t, sink.events, 2)
	assert.Equal(t, 1, sink.flushes)
	require.Len(t, eng.acked, 1)

	full, err = l.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, full)
	assert.Len(t, eng.acked, 1)

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Batches)
	assert.Equal(t, int64(2), stats.Events)
	assert.NotEmpty(t, stats.RunID)
	assert.NotEmpty(t, stats.LastBatchID)
	assert.Equal(t, health.StatusHealthy, checker.GetOverallStatus())
}

func TestStepDoesNotAckWhenSinkFails(t *testing.T) {
	tests := []struct {
		name string
		sink *recordingSink
	}{
		{"write fails", &recordingSink{writeErr: errors.New("down")}},
		{"flush fails", &recordingSink{flushErr: errors.New("disk full")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng := &fakeEngine{batches: []*cdc.Batch{batchOf(1)}}
			checker := health.NewChecker()
			l := New(eng, tc.sink, Options{}, checker, nil)

			_, err := l.Step(context.Background())
			require.Error(t, err)
			assert.Empty(t, eng.acked)
			assert.Equal(t, health.StatusDegraded, checker.GetOverallStatus())
			checks := checker.GetAllChecks()
			require.Len(t, checks, 3)
			assert.Equal(t, CheckSink, checks[0].Name)
			assert.Equal(t, health.StatusUnhealthy, checks[0].Status)
		})
	}
}

func TestStepReportsTableFailures(t *testing.T) {
	b := batchOf(3)
	b.Failures = []error{cdc.NewSchemaDriftError(cdc.TableRef{Schema: "S", Name: "U"}, "columns were [A:INTEGER], now [A:INTEGER,B:NVARCHAR]")}
	eng := &fakeEngine{batches: []*cdc.Batch{b}}
	checker := health.NewChecker()
	l := New(eng, &recordingSink{}, Options{}, checker, nil)

	_, err := l.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"S.U"}, l.Stats().BlockedTables)
	assert.Equal(t, health.StatusDegraded, checker.GetOverallStatus())
	assert.Len(t, eng.acked, 1)
}

func TestStepRunsPendingLoadsFirst(t *testing.T) {
	eng := &fakeEngine{pending: []cdc.TableRef{tableT}, loadErr: cdc.NewIntrospectionError("describe", tableT, errors.New("gone"))}
	l := New(eng, &recordingSink{}, Options{}, nil, nil)

	_, err := l.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []cdc.TableRef{tableT}, eng.loaded)
	assert.Equal(t, int64(1), l.Stats().SnapshotRows)
	assert.Equal(t, 1, l.Stats().ConsecutiveErrs)
}

func TestRunStopsOnFatalError(t *testing.T) {
	eng := &fakeEngine{changeErr: cdc.NewAuthError("connect", errors.New("invalid user name or password"))}
	l := New(eng, &recordingSink{}, Options{}, nil, nil)

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.True(t, cdc.IsFatal(err))
	assert.Equal(t, 1, eng.statuses)
}

func TestRunKeepsPollingAfterTransientErrors(t *testing.T) {
	eng := &fakeEngine{changeErr: cdc.NewConnectionError("read changes", errors.New("connection reset"))}
	l := New(eng, &recordingSink{}, Options{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sleeps := 0
	l.sleep = func(ctx context.Context, _ time.Duration) error {
		sleeps++
		if sleeps == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	require.NoError(t, l.Run(ctx))
	assert.Equal(t, 3, sleeps)
	assert.Equal(t, 3, l.Stats().ConsecutiveErrs)
	assert.Contains(t, l.Stats().LastError, "connection reset")
}

func TestRunDrainsFullBatchesWithoutSleeping(t *testing.T) {
	eng := &fakeEngine{batches: []*cdc.Batch{batchOf(1, 2), batchOf(3, 4), batchOf(5)}}
	sink := &recordingSink{}
	l := New(eng, sink, Options{BatchLimit: 2}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	l.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	require.NoError(t, l.Run(ctx))
	assert.Len(t, sink.events, 5)
	assert.Len(t, eng.acked, 3)
}
