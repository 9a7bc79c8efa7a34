package hana

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

var tableST = cdc.TableRef{Schema: "S", Name: "T"}

func TestBuildChangeQuery(t *testing.T) {
	reader := NewReader(nil, LayoutFor(testConfig()))

	query, args := reader.BuildChangeQuery([]TableRange{
		{Table: tableST, After: 5},
		{Table: cdc.TableRef{Schema: "S", Name: "U"}, After: 0, Before: 12},
	}, 10)

	assert.Equal(t, `SELECT "event_id", "event_timestamp", "transaction_id", "schema_name", "table_name", "trigger_type", "old_values", "new_values"
FROM "CDC"."cdc"
WHERE ("schema_name" = ? AND "table_name" = ? AND "event_id" > ?)
   OR ("schema_name" = ? AND "table_name" = ? AND "event_id" > ? AND "event_id" < ?)
ORDER BY "event_id" ASC
LIMIT 10`, query)
	assert.Equal(t, []interface{}{"S", "T", int64(5), "S", "U", int64(0), int64(12)}, args)
}

func TestReadChangesDecodesAndSeparatesPoison(t *testing.T) {
	pool, mock := newMockPool(t, 2)
	reader := NewReader(pool, LayoutFor(testConfig()))
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(changeColumns).
		AddRow(int64(6), ts, "tx1", "S", "T", "INSERT", nil, `{"id":3,"name":"c"}`).
		AddRow(int64(7), ts, "tx2", "S", "T", "UPDATE", `{"id":3,"name":"c"}`, `{"id":3,"name":"cc"}`).
		AddRow(int64(8), ts, "tx3", "S", "T", "DELETE", `{"id":`, nil).
		AddRow(int64(9), ts, "tx4", "S", "T", "DELETE", `{"id":3,"name":"cc"}`, nil)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "CDC"."cdc"`)).
		WithArgs("S", "T", int64(5)).
		WillReturnRows(rows)

	set, err := reader.ReadChanges(context.Background(),
		[]TableRange{{Table: tableST, After: 5}}, 10,
		map[cdc.TableRef]*cdc.TableMeta{tableST: testMeta()})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, set.Events, 3)
	assert.Equal(t, []int64{6, 7, 9}, []int64{set.Events[0].EventID, set.Events[1].EventID, set.Events[2].EventID})

	insert := set.Events[0]
	assert.Equal(t, cdc.TriggerInsert, insert.TriggerType)
	assert.Equal(t, "S.T", insert.FullTableName)
	assert.Equal(t, "tx1", insert.TransactionID)
	assert.Nil(t, insert.OldValues)
	name, _ := insert.NewValues.Get("name")
	assert.Equal(t, "c", name)

	update := set.Events[1]
	assert.True(t, update.OldValues.SameColumns(update.NewValues))
	newName, _ := update.NewValues.Get("name")
	assert.Equal(t, "cc", newName)

	require.Len(t, set.Poison, 1)
	poison := set.Poison[0]
	assert.Equal(t, int64(8), poison.EventID)
	assert.Equal(t, tableST, poison.Table)
	assert.Equal(t, cdc.TriggerDelete, poison.TriggerType)
	assert.Equal(t, `{"id":`, poison.RawOldValues)
	assert.NotEmpty(t, poison.Error)
}

func TestReadChangesWithoutRangesSkipsQuery(t *testing.T) {
	pool, mock := newMockPool(t, 2)
	reader := NewReader(pool, LayoutFor(testConfig()))

	set, err := reader.ReadChanges(context.Background(), nil, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, set.Events)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadChangesClassifiesDriverErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"lost session", io.ErrUnexpectedEOF, true},
		{"deadlock victim", codeError{codeDeadlock}, true},
		{"syntax error", codeError{257}, false},
		{"missing privilege", codeError{codeInsufficientPrivilege}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pool, mock := newMockPool(t, 2)
			reader := NewReader(pool, LayoutFor(testConfig()))

			mock.ExpectQuery(regexp.QuoteMeta(`FROM "CDC"."cdc"`)).WillReturnError(tc.err)

			_, err := reader.ReadChanges(context.Background(),
				[]TableRange{{Table: tableST}}, 10, map[cdc.TableRef]*cdc.TableMeta{tableST: testMeta()})
			require.Error(t, err)
			assert.Equal(t, tc.retryable, cdc.IsRetryable(err))
		})
	}
}

func TestMaxEventID(t *testing.T) {
	pool, mock := newMockPool(t, 2)
	reader := NewReader(pool, LayoutFor(testConfig()))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX("event_id"), 0) FROM "CDC"."cdc"`)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(41)))

	max, err := reader.MaxEventID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(41), max)
}

func TestBuildLoadQuery(t *testing.T) {
	reader := NewReader(nil, LayoutFor(testConfig()))
	meta := testMeta()

	first, args, err := reader.BuildLoadQuery(meta, LoadCursor{}, 100)
	require.NoError(t, err)
	assert.Contains(t, first, `FROM "S"."T"`)
	assert.NotContains(t, first, "WHERE")
	assert.Contains(t, first, "ORDER BY \"id\"\nLIMIT 100")
	assert.Empty(t, args)

	key := cdc.NewValues(1)
	key.Set("id", json.Number("2"))
	next, args, err := reader.BuildLoadQuery(meta, LoadCursor{Key: key}, 100)
	require.NoError(t, err)
	assert.Contains(t, next, `WHERE ("id" > ?)`)
	assert.Equal(t, []interface{}{int64(2)}, args)
}

func TestBuildLoadQueryWithoutPrimaryKeyUsesOffset(t *testing.T) {
	reader := NewReader(nil, LayoutFor(testConfig()))
	meta := testMeta()
	meta.Columns[0].PrimaryKey = false

	query, args, err := reader.BuildLoadQuery(meta, LoadCursor{Offset: 200}, 100)
	require.NoError(t, err)
	assert.Contains(t, query, "ORDER BY \"id\", \"name\"\nLIMIT 100 OFFSET 200")
	assert.Empty(t, args)
}

func TestKeysetPredicateForCompositeKey(t *testing.T) {
	pk := []cdc.Column{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	key := cdc.NewValues(3)
	key.Set("a", int64(1))
	key.Set("b", "x")
	key.Set("c", int64(9))

	pred, args := keysetPredicate(pk, key)
	assert.Equal(t, `("a" > ?) OR ("a" = ? AND "b" > ?) OR ("a" = ? AND "b" = ? AND "c" > ?)`, pred)
	assert.Equal(t, []interface{}{int64(1), int64(1), "x", int64(1), "x", int64(9)}, args)
}

func TestLoadPageEmitsSyntheticInserts(t *testing.T) {
	pool, mock := newMockPool(t, 2)
	reader := NewReader(pool, LayoutFor(testConfig()))
	loadedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reader.now = func() time.Time { return loadedAt }

	mock.ExpectQuery(regexp.QuoteMeta(`AS "row_json"`)).
		WillReturnRows(sqlmock.NewRows([]string{"row_json"}).
			AddRow(`{"id":1,"name":"a"}`).
			AddRow(`{"id":2,"name":"b"}`))

	page, err := reader.LoadPage(context.Background(), testMeta(), LoadCursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.False(t, page.Done)
	assert.Equal(t, int64(2), page.Cursor.Rows)

	for _, ev := range page.Events {
		assert.True(t, ev.IsSnapshot())
		assert.Equal(t, cdc.TriggerInsert, ev.TriggerType)
		assert.Nil(t, ev.OldValues)
		assert.Equal(t, loadedAt, ev.EventTimestamp)
		require.NoError(t, ev.Validate())
	}
	assert.Equal(t, `snapshot:S.T:{"id":1}`, page.Events[0].DedupKey())

	lastKey, _ := page.Cursor.Key.Get("id")
	assert.Equal(t, json.Number("2"), lastKey)

	stored, err := ParseLoadCursor(page.Cursor.Encode())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Rows)
	storedKey, _ := stored.Key.Get("id")
	assert.Equal(t, json.Number("2"), storedKey)
}

func TestLoadPageRejectsUndecodableRows(t *testing.T) {
	pool, mock := newMockPool(t, 2)
	reader := NewReader(pool, LayoutFor(testConfig()))

	mock.ExpectQuery(regexp.QuoteMeta(`AS "row_json"`)).
		WillReturnRows(sqlmock.NewRows([]string{"row_json"}).AddRow(`{"id":"x","name":"a"}`))

	_, err := reader.LoadPage(context.Background(), testMeta(), LoadCursor{}, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cdc.ErrDeserialization))
}

type pageScript struct {
	pages   []*LoadPage
	err     error
	cursors []LoadCursor
}

func (s *pageScript) LoadPage(_ context.Context, _ *cdc.TableMeta, cursor LoadCursor, _ int) (*LoadPage, error) {
	s.cursors = append(s.cursors, cursor)
	if len(s.pages) == 0 {
		return nil, s.err
	}
	page := s.pages[0]
	s.pages = s.pages[1:]
	return page, nil
}

func TestInitialLoadStopsAfterShortPage(t *testing.T) {
	script := &pageScript{pages: []*LoadPage{
		{Events: make([]cdc.ChangeEvent, 2), Cursor: LoadCursor{Offset: 2, Rows: 2}},
		{Events: make([]cdc.ChangeEvent, 1), Cursor: LoadCursor{Offset: 3, Rows: 3}, Done: true},
		{Events: make([]cdc.ChangeEvent, 5)},
	}}

	var rows int
	for page, err := range InitialLoad(context.Background(), script, testMeta(), LoadCursor{}, 2) {
		require.NoError(t, err)
		rows += len(page.Events)
	}

	assert.Equal(t, 3, rows)
	require.Len(t, script.cursors, 2)
	assert.Equal(t, int64(2), script.cursors[1].Offset)
}

func TestInitialLoadYieldsError(t *testing.T) {
	script := &pageScript{err: cdc.NewConnectionError("initial_load", errors.New("lost"))}

	var errs []error
	for page, err := range InitialLoad(context.Background(), script, testMeta(), LoadCursor{Offset: 10}, 2) {
		assert.Nil(t, page)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.True(t, cdc.IsRetryable(errs[0]))
	assert.Equal(t, int64(10), script.cursors[0].Offset)
}
