package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redbco/hana-cdc/internal/hana"
	"github.com/redbco/hana-cdc/pkg/cdc"
)

var (
	tableT = cdc.TableRef{Schema: "S", Name: "T"}
	tableU = cdc.TableRef{Schema: "S", Name: "U"}
	epoch  = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

func testConfig() cdc.Config {
	cfg := cdc.DefaultConfig()
	cfg.Host = "hana.local"
	cfg.User = "CDC_USER"
	cfg.ClientID = "c1"
	cfg.Tables = []string{"S.T", "S.U"}
	cfg.InitialLoadPageSize = 2
	cfg.Retry = cdc.RetryConfig{
		Initial:     time.Millisecond,
		Max:         2 * time.Millisecond,
		MaxAttempts: 3,
		Budget:      time.Second,
	}
	return cfg
}

func metaFor(table cdc.TableRef, extra ...string) *cdc.TableMeta {
	m := &cdc.TableMeta{
		Table: table,
		Columns: []cdc.Column{
			{Name: "id", SourceType: "INTEGER", PrimaryKey: true, Position: 1, Kind: cdc.KindInteger},
			{Name: "name", SourceType: "NVARCHAR", Length: 100, Nullable: true, Position: 2, Kind: cdc.KindString},
		},
	}
	for i, name := range extra {
		m.Columns = append(m.Columns, cdc.Column{
			Name: name, SourceType: "NVARCHAR", Nullable: true, Position: 3 + i, Kind: cdc.KindString,
		})
	}
	return m
}

// harness wires an engine to in-memory collaborators.
type harness struct {
	engine  *Engine
	cursors *fakeCursors
	reader  *fakeReader
	intro   *fakeIntrospector
	poison  *fakePoison
	infra   *fakeInfra
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cursors: newFakeCursors(),
		reader:  &fakeReader{rows: map[cdc.TableRef][]*cdc.Values{}},
		intro:   &fakeIntrospector{metas: map[cdc.TableRef]*cdc.TableMeta{tableT: metaFor(tableT), tableU: metaFor(tableU)}},
		poison:  &fakePoison{events: map[int64]*cdc.PoisonEvent{}},
		infra:   &fakeInfra{},
	}
	e, err := New(testConfig(), Deps{
		Infrastructure: h.infra,
		Introspector:   h.intro,
		Reader:         h.reader,
		Cursors:        h.cursors,
		Poison:         h.poison,
	}, nil)
	require.NoError(t, err)
	h.engine = e
	return h
}

// activate seeds an ACTIVE status row with the current signature of the table.
func (h *harness) activate(table cdc.TableRef, lastProcessed int64) {
	st := h.cursors.seed(table, cdc.StatusActive)
	if lastProcessed > 0 {
		st.LastProcessedEventID = &lastProcessed
	}
	st.ColumnSignature = h.intro.metas[table].Signature()
}

// change appends a row to the fake change table.
func (h *harness) change(id int64, table cdc.TableRef, tt cdc.TriggerType, oldJSON, newJSON string) {
	h.reader.changes = append(h.reader.changes, fakeChange{
		id: id, table: table, tt: tt, old: oldJSON, new: newJSON,
	})
}

func insertRow(id int64, name string) string {
	return fmt.Sprintf(`{"id":%d,"name":%q}`, id, name)
}

func eventIDs(events []cdc.ChangeEvent) []int64 {
	ids := make([]int64, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}
	return ids
}

type fakeCursors struct {
	mu        sync.Mutex
	rows      map[cdc.TableRef]*cdc.ClientTableStatus
	conflicts int
	updates   int
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{rows: map[cdc.TableRef]*cdc.ClientTableStatus{}}
}

func (f *fakeCursors) seed(table cdc.TableRef, status cdc.TableStatus) *cdc.ClientTableStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := &cdc.ClientTableStatus{ClientID: "c1", Table: table, Status: status, CreatedAt: epoch, UpdatedAt: epoch}
	f.rows[table] = st
	return st
}

func (f *fakeCursors) row(table cdc.TableRef) *cdc.ClientTableStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := *f.rows[table]
	return &row
}

// mutate applies fn to the stored row, failing the first f.conflicts calls.
func (f *fakeCursors) mutate(op string, table cdc.TableRef, fn func(st *cdc.ClientTableStatus) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.rows[table]
	if !ok {
		return cdc.NewNotMonitoredError("c1", table)
	}
	if f.conflicts > 0 {
		f.conflicts--
		return cdc.NewCursorConflictError(op, "c1", table)
	}
	if err := fn(st); err != nil {
		return err
	}
	f.updates++
	st.UpdatedAt = st.UpdatedAt.Add(time.Millisecond)
	return nil
}

func (f *fakeCursors) Get(_ context.Context, _ string, table cdc.TableRef) (*cdc.ClientTableStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.rows[table]
	if !ok {
		return nil, cdc.NewNotMonitoredError("c1", table)
	}
	cp := *st
	return &cp, nil
}

func (f *fakeCursors) List(_ context.Context, _ string) ([]cdc.ClientTableStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cdc.ClientTableStatus, 0, len(f.rows))
	for _, st := range f.rows {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table.Name < out[j].Table.Name })
	return out, nil
}

func (f *fakeCursors) NewlyAdded(ctx context.Context, clientID string) ([]cdc.TableRef, error) {
	all, _ := f.List(ctx, clientID)
	var out []cdc.TableRef
	for _, st := range all {
		if st.Status == cdc.StatusNew {
			out = append(out, st.Table)
		}
	}
	return out, nil
}

func (f *fakeCursors) SetInitialLoading(_ context.Context, _ string, table cdc.TableRef) error {
	return f.mutate("set_initial_loading", table, func(st *cdc.ClientTableStatus) error {
		if !st.Status.CanTransitionTo(cdc.StatusInitialLoading) {
			return cdc.NewTransitionError(table, st.Status, cdc.StatusInitialLoading)
		}
		st.Status = cdc.StatusInitialLoading
		return nil
	})
}

func (f *fakeCursors) SaveLoadProgress(_ context.Context, _ string, table cdc.TableRef, snapshot int64, cursor string) error {
	return f.mutate("save_load_progress", table, func(st *cdc.ClientTableStatus) error {
		if st.Status != cdc.StatusInitialLoading {
			return cdc.NewTransitionError(table, st.Status, cdc.StatusInitialLoading)
		}
		st.SnapshotEventID = &snapshot
		st.LoadCursor = cursor
		return nil
	})
}

func (f *fakeCursors) SetActive(_ context.Context, _ string, table cdc.TableRef, snapshot int64, signature string) error {
	return f.mutate("set_active", table, func(st *cdc.ClientTableStatus) error {
		if !st.Status.CanTransitionTo(cdc.StatusActive) {
			return cdc.NewTransitionError(table, st.Status, cdc.StatusActive)
		}
		st.Status = cdc.StatusActive
		if st.SnapshotEventID == nil || *st.SnapshotEventID < snapshot {
			st.SnapshotEventID = &snapshot
		}
		if st.LastProcessedEventID == nil || *st.LastProcessedEventID < snapshot {
			st.LastProcessedEventID = &snapshot
		}
		st.LoadCursor = ""
		st.ColumnSignature = signature
		st.Reason = ""
		return nil
	})
}

func (f *fakeCursors) Pause(_ context.Context, _ string, table cdc.TableRef, reason string) error {
	if st, err := f.Get(context.Background(), "c1", table); err == nil && st.Status == cdc.StatusPaused {
		return nil
	}
	return f.mutate("pause", table, func(st *cdc.ClientTableStatus) error {
		if !st.Status.CanTransitionTo(cdc.StatusPaused) {
			return cdc.NewTransitionError(table, st.Status, cdc.StatusPaused)
		}
		st.Status = cdc.StatusPaused
		st.Reason = reason
		return nil
	})
}

func (f *fakeCursors) Ack(_ context.Context, _ string, ev cdc.ChangeEvent) error {
	return f.mutate("ack", ev.Table(), func(st *cdc.ClientTableStatus) error {
		if st.Status != cdc.StatusActive && st.Status != cdc.StatusPaused {
			return cdc.NewTransitionError(ev.Table(), st.Status, cdc.StatusActive)
		}
		if ev.EventID <= st.Floor() {
			return nil
		}
		id, ts := ev.EventID, ev.EventTimestamp
		st.LastProcessedEventID = &id
		st.LastProcessedTimestamp = &ts
		return nil
	})
}

func (f *fakeCursors) Lag(ctx context.Context, clientID string) ([]cdc.TableLag, error) {
	all, _ := f.List(ctx, clientID)
	out := make([]cdc.TableLag, 0, len(all))
	for _, st := range all {
		out = append(out, cdc.TableLag{
			Table:                st.Table,
			Status:               st.Status,
			PendingEvents:        3,
			LagSeconds:           1.5,
			LastClientUpdate:     st.UpdatedAt,
			LastProcessedEventID: st.LastProcessedEventID,
		})
	}
	return out, nil
}

type fakeChange struct {
	id    int64
	table cdc.TableRef
	tt    cdc.TriggerType
	old   string
	new   string
}

type fakeReader struct {
	mu      sync.Mutex
	changes []fakeChange
	rows    map[cdc.TableRef][]*cdc.Values
	failN   int
	failErr error
	queries [][]hana.TableRange
	pageErr error
}

func (f *fakeReader) ReadChanges(_ context.Context, ranges []hana.TableRange, limit int, metas map[cdc.TableRef]*cdc.TableMeta) (*hana.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, ranges)
	if f.failN > 0 {
		f.failN--
		return nil, f.failErr
	}

	set := &hana.ChangeSet{}
	if len(ranges) == 0 || limit <= 0 {
		return set, nil
	}
	changes := append([]fakeChange(nil), f.changes...)
	sort.Slice(changes, func(i, j int) bool { return changes[i].id < changes[j].id })

	n := 0
	for _, c := range changes {
		if n >= limit {
			break
		}
		if !inRanges(c, ranges) {
			continue
		}
		n++
		ev, err := decodeChange(c, metas[c.table])
		if err != nil {
			set.Poison = append(set.Poison, cdc.PoisonEvent{
				EventID: c.id, Table: c.table, TriggerType: c.tt, Error: err.Error(),
				RawOldValues: c.old, RawNewValues: c.new, RecordedAt: epoch,
			})
			continue
		}
		set.Events = append(set.Events, ev)
	}
	return set, nil
}

func inRanges(c fakeChange, ranges []hana.TableRange) bool {
	for _, rg := range ranges {
		if rg.Table == c.table && c.id > rg.After && (rg.Before <= 0 || c.id < rg.Before) {
			return true
		}
	}
	return false
}

func decodeChange(c fakeChange, meta *cdc.TableMeta) (cdc.ChangeEvent, error) {
	ev := cdc.ChangeEvent{
		EventID:        c.id,
		EventTimestamp: epoch.Add(time.Duration(c.id) * time.Second),
		TriggerType:    c.tt,
		SchemaName:     c.table.Schema,
		TableName:      c.table.Name,
		FullTableName:  c.table.String(),
	}
	if meta == nil {
		return ev, fmt.Errorf("no metadata")
	}
	var err error
	if c.old != "" {
		if ev.OldValues, err = hana.DecodePayload(meta, c.old); err != nil {
			return ev, err
		}
	}
	if c.new != "" {
		if ev.NewValues, err = hana.DecodePayload(meta, c.new); err != nil {
			return ev, err
		}
	}
	return ev, ev.Validate()
}

func (f *fakeReader) MaxEventID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for _, c := range f.changes {
		if c.id > max {
			max = c.id
		}
	}
	return max, nil
}

func (f *fakeReader) LoadPage(_ context.Context, meta *cdc.TableMeta, cursor hana.LoadCursor, pageSize int) (*hana.LoadPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageErr != nil && cursor.Offset > 0 {
		return nil, f.pageErr
	}

	rows := f.rows[meta.Table]
	page := &hana.LoadPage{Cursor: cursor}
	for i := int(cursor.Offset); i < len(rows) && len(page.Events) < pageSize; i++ {
		id, _ := rows[i].Get("id")
		key := cdc.NewValues(1)
		key.Set("id", id)
		page.Events = append(page.Events, cdc.ChangeEvent{
			EventTimestamp: epoch,
			TriggerType:    cdc.TriggerInsert,
			SchemaName:     meta.Table.Schema,
			TableName:      meta.Table.Name,
			FullTableName:  meta.Table.String(),
			NewValues:      rows[i],
			Key:            key,
		})
		page.Cursor.Key = key
	}
	n := int64(len(page.Events))
	page.Cursor.Offset += n
	page.Cursor.Rows += n
	page.Done = len(page.Events) < pageSize
	return page, nil
}

type fakeIntrospector struct {
	mu      sync.Mutex
	metas   map[cdc.TableRef]*cdc.TableMeta
	missing map[cdc.TableRef]bool
	calls   int
}

func (f *fakeIntrospector) set(m *cdc.TableMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metas[m.Table] = m
}

func (f *fakeIntrospector) Describe(ctx context.Context, tables []cdc.TableRef) (map[cdc.TableRef]*cdc.TableMeta, error) {
	out := make(map[cdc.TableRef]*cdc.TableMeta)
	for _, t := range tables {
		if m, err := f.DescribeTable(ctx, t); err == nil {
			out[t] = m
		}
	}
	return out, nil
}

func (f *fakeIntrospector) DescribeTable(_ context.Context, table cdc.TableRef) (*cdc.TableMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	m, ok := f.metas[table]
	if !ok || f.missing[table] {
		return nil, cdc.NewIntrospectionError("describe_table", table, fmt.Errorf("table not found"))
	}
	return m, nil
}

type fakePoison struct {
	mu     sync.Mutex
	events map[int64]*cdc.PoisonEvent
}

func (f *fakePoison) Record(_ context.Context, clientID string, ev cdc.PoisonEvent) (*cdc.PoisonEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.events[ev.EventID]; ok {
		cp := *stored
		return &cp, nil
	}
	ev.ClientID = clientID
	f.events[ev.EventID] = &ev
	cp := ev
	return &cp, nil
}

func (f *fakePoison) sorted(pendingOnly bool) []cdc.PoisonEvent {
	var out []cdc.PoisonEvent
	for _, p := range f.events {
		if pendingOnly && !p.Pending() {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

func (f *fakePoison) Pending(context.Context, string) ([]cdc.PoisonEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted(true), nil
}

func (f *fakePoison) List(context.Context, string) ([]cdc.PoisonEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted(false), nil
}

func (f *fakePoison) Acknowledge(_ context.Context, _ string, eventID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.events[eventID]
	if !ok {
		return fmt.Errorf("event %d: %w", eventID, hana.ErrPoisonNotFound)
	}
	if p.AcknowledgedAt == nil {
		now := epoch.Add(time.Hour)
		p.AcknowledgedAt = &now
	}
	return nil
}

type fakeInfra struct {
	refreshed []cdc.TableRef
}

func (f *fakeInfra) EnsureInfrastructure(context.Context, bool) (*hana.Report, error) {
	return &hana.Report{}, nil
}

func (f *fakeInfra) RefreshTriggers(_ context.Context, meta *cdc.TableMeta) error {
	f.refreshed = append(f.refreshed, meta.Table)
	return nil
}

func (f *fakeInfra) VerifyTriggers(context.Context) (*hana.TriggerAudit, error) {
	return &hana.TriggerAudit{}, nil
}

// memorySink keeps events by dedup key, like a sink with idempotent writes.
type memorySink struct {
	events  []cdc.ChangeEvent
	seen    map[string]bool
	flushes int
	failAt  int
	writes  int
}

func newMemorySink() *memorySink {
	return &memorySink{seen: map[string]bool{}}
}

func (s *memorySink) WriteBatch(_ context.Context, events []cdc.ChangeEvent) error {
	s.writes++
	if s.failAt > 0 && s.writes == s.failAt {
		return fmt.Errorf("sink unavailable")
	}
	for _, ev := range events {
		if s.seen[ev.DedupKey()] {
			continue
		}
		s.seen[ev.DedupKey()] = true
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *memorySink) Flush(context.Context) error {
	s.flushes++
	return nil
}

func (s *memorySink) Close() error { return nil }
