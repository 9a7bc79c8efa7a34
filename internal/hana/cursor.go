package hana

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

// bumpUpdatedAt advances updated_at strictly on every write so that a guarded update
// observing an older value always conflicts.
const bumpUpdatedAt = `"updated_at" = GREATEST(CURRENT_UTCTIMESTAMP, ADD_NANO100("updated_at", 1))`

// SeedStatusSQL inserts a NEW status row unless one exists. Arguments: client, schema, table,
// repeated twice.
func (l Layout) SeedStatusSQL() string {
	return fmt.Sprintf(`INSERT INTO %s ("client_id", "schema_name", "table_name", "status", "created_at", "updated_at")
SELECT ?, ?, ?, '%s', CURRENT_UTCTIMESTAMP, CURRENT_UTCTIMESTAMP FROM DUMMY
WHERE NOT EXISTS (SELECT 1 FROM %s WHERE "client_id" = ? AND "schema_name" = ? AND "table_name" = ?)`,
		l.statusTable(), cdc.StatusNew, l.statusTable())
}

// CursorStore persists per-client table status and cursors in the status table. Every write is
// an UPDATE guarded on the observed updated_at and status.
type CursorStore struct {
	pool   *Pool
	layout Layout
	now    func() time.Time
}

// NewCursorStore creates a cursor store for the layout's status table.
func NewCursorStore(pool *Pool, layout Layout) *CursorStore {
	return &CursorStore{pool: pool, layout: layout, now: time.Now}
}

// EnsureStatusRows inserts NEW rows for the tables that have none and returns how many were
// created.
func (s *CursorStore) EnsureStatusRows(ctx context.Context, clientID string, tables []cdc.TableRef) (int, error) {
	created := 0
	err := s.pool.With(ctx, func(sess *Session) error {
		for _, t := range tables {
			res, err := sess.ExecContext(ctx, s.layout.SeedStatusSQL(),
				clientID, t.Schema, t.Name, clientID, t.Schema, t.Name)
			if err != nil {
				if isDuplicateObject(err) {
					continue
				}
				return classify(cdc.InfrastructureError, "seed_status", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				created++
			}
		}
		return nil
	})
	return created, err
}

func (s *CursorStore) selectSQL(where string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY \"schema_name\", \"table_name\"",
		strings.Join(quotedColumns(statusColumns), ", "), s.layout.statusTable(), where)
}

// Get returns the status of one table. A missing row is a NotMonitoredError.
func (s *CursorStore) Get(ctx context.Context, clientID string, table cdc.TableRef) (*cdc.ClientTableStatus, error) {
	var st *cdc.ClientTableStatus
	err := s.pool.With(ctx, func(sess *Session) error {
		row := sess.QueryRowContext(ctx,
			s.selectSQL(`"client_id" = ? AND "schema_name" = ? AND "table_name" = ?`),
			clientID, table.Schema, table.Name)
		var err error
		st, err = scanStatus(row)
		if errors.Is(err, sql.ErrNoRows) {
			return cdc.NewNotMonitoredError(clientID, table)
		}
		return classify(cdc.ConnectionError, "get_status", err)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// List returns the status of every table of the client, ordered by schema and table.
func (s *CursorStore) List(ctx context.Context, clientID string) ([]cdc.ClientTableStatus, error) {
	var out []cdc.ClientTableStatus
	err := s.pool.With(ctx, func(sess *Session) error {
		rows, err := sess.QueryContext(ctx, s.selectSQL(`"client_id" = ?`), clientID)
		if err != nil {
			return classify(cdc.ConnectionError, "list_status", err)
		}
		defer rows.Close()

		for rows.Next() {
			st, err := scanStatus(rows)
			if err != nil {
				return classify(cdc.ConnectionError, "list_status", err)
			}
			out = append(out, *st)
		}
		return classify(cdc.ConnectionError, "list_status", rows.Err())
	})
	return out, err
}

// NewlyAdded returns the tables of the client with status NEW.
func (s *CursorStore) NewlyAdded(ctx context.Context, clientID string) ([]cdc.TableRef, error) {
	statuses, err := s.List(ctx, clientID)
	if err != nil {
		return nil, err
	}
	var tables []cdc.TableRef
	for _, st := range statuses {
		if st.Status == cdc.StatusNew {
			tables = append(tables, st.Table)
		}
	}
	return tables, nil
}

// SetInitialLoading moves a table from NEW to INITIAL_LOADING.
func (s *CursorStore) SetInitialLoading(ctx context.Context, clientID string, table cdc.TableRef) error {
	return s.transition(ctx, "set_initial_loading", clientID, table, cdc.StatusInitialLoading,
		`"status" = ?, "status_reason" = NULL`, cdc.StatusInitialLoading)
}

// SaveLoadProgress records the snapshot event id and the resumable load cursor of a table
// that is INITIAL_LOADING.
func (s *CursorStore) SaveLoadProgress(ctx context.Context, clientID string, table cdc.TableRef, snapshotEventID int64, cursor string) error {
	current, err := s.Get(ctx, clientID, table)
	if err != nil {
		return err
	}
	if current.Status != cdc.StatusInitialLoading {
		return cdc.NewError(cdc.TransitionError, "save_load_progress",
			fmt.Errorf("table is %s, expected %s", current.Status, cdc.StatusInitialLoading)).WithTable(table)
	}

	var loadCursor interface{}
	if cursor != "" {
		loadCursor = cursor
	}
	return s.update(ctx, "save_load_progress", current,
		`"snapshot_event_id" = ?, "load_cursor" = ?`, snapshotEventID, loadCursor)
}

// SetActive moves a table from INITIAL_LOADING or PAUSED to ACTIVE. The cursor is raised to at
// least snapshotEventID so that no event at or below the snapshot is delivered afterwards, and
// signature is frozen as the table's column signature.
func (s *CursorStore) SetActive(ctx context.Context, clientID string, table cdc.TableRef, snapshotEventID int64, signature string) error {
	return s.transition(ctx, "set_active", clientID, table, cdc.StatusActive,
		`"status" = ?,
	"snapshot_event_id" = GREATEST(COALESCE("snapshot_event_id", 0), ?),
	"last_processed_event_id" = GREATEST(COALESCE("last_processed_event_id", 0), ?),
	"load_cursor" = NULL,
	"column_signature" = ?,
	"status_reason" = NULL`,
		cdc.StatusActive, snapshotEventID, snapshotEventID, signature)
}

// Pause moves an ACTIVE table to PAUSED, keeping reason. Pausing a PAUSED table is a no-op.
func (s *CursorStore) Pause(ctx context.Context, clientID string, table cdc.TableRef, reason string) error {
	current, err := s.Get(ctx, clientID, table)
	if err != nil {
		return err
	}
	if current.Status == cdc.StatusPaused {
		return nil
	}
	if !current.Status.CanTransitionTo(cdc.StatusPaused) {
		return cdc.NewTransitionError(table, current.Status, cdc.StatusPaused)
	}
	return s.update(ctx, "pause", current, `"status" = ?, "status_reason" = ?`,
		cdc.StatusPaused, truncate(reason, 1000))
}

// Ack raises the table's cursor to the event id and records its timestamp. Synthetic snapshot
// events and events at or below the current floor leave the cursor unchanged.
func (s *CursorStore) Ack(ctx context.Context, clientID string, ev cdc.ChangeEvent) error {
	if ev.IsSnapshot() {
		return nil
	}
	table := ev.Table()
	current, err := s.Get(ctx, clientID, table)
	if err != nil {
		return err
	}
	if current.Status != cdc.StatusActive && current.Status != cdc.StatusPaused {
		return cdc.NewError(cdc.TransitionError, "ack",
			fmt.Errorf("cannot acknowledge events of a %s table", current.Status)).WithTable(table).WithEvent(ev.EventID)
	}
	if ev.EventID <= current.Floor() {
		return nil
	}

	return s.update(ctx, "ack", current,
		`"last_processed_timestamp" = CASE WHEN COALESCE("last_processed_event_id", 0) < ? THEN ? ELSE "last_processed_timestamp" END,
	"last_processed_event_id" = GREATEST(COALESCE("last_processed_event_id", 0), ?)`,
		ev.EventID, ev.EventTimestamp.UTC(), ev.EventID)
}

func (s *CursorStore) transition(ctx context.Context, op, clientID string, table cdc.TableRef, to cdc.TableStatus, set string, args ...interface{}) error {
	current, err := s.Get(ctx, clientID, table)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(to) {
		return cdc.NewTransitionError(table, current.Status, to)
	}
	return s.update(ctx, op, current, set, args...)
}

// update applies set to the row observed as current. Zero affected rows means another writer
// got there first.
func (s *CursorStore) update(ctx context.Context, op string, current *cdc.ClientTableStatus, set string, args ...interface{}) error {
	query := fmt.Sprintf(`UPDATE %s SET %s, %s
WHERE "client_id" = ? AND "schema_name" = ? AND "table_name" = ? AND "updated_at" <= ? AND "status" = ?`,
		s.layout.statusTable(), set, bumpUpdatedAt)
	args = append(args, current.ClientID, current.Table.Schema, current.Table.Name,
		current.UpdatedAt, string(current.Status))

	return s.pool.With(ctx, func(sess *Session) error {
		res, err := sess.ExecContext(ctx, query, args...)
		if err != nil {
			return classify(cdc.ConnectionError, op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(cdc.ConnectionError, op, err)
		}
		if n == 0 {
			return cdc.NewCursorConflictError(op, current.ClientID, current.Table)
		}
		return nil
	})
}

// LagSQL reports per-table change counts and lag for one client.
func (l Layout) LagSQL() string {
	return fmt.Sprintf(`SELECT s."schema_name", s."table_name", s."status", s."last_processed_event_id",
	s."snapshot_event_id", s."updated_at",
	COUNT(c."event_id"), MAX(c."event_timestamp"),
	SUM(CASE WHEN c."event_id" > GREATEST(COALESCE(s."last_processed_event_id", 0), COALESCE(s."snapshot_event_id", 0)) THEN 1 ELSE 0 END)
FROM %s s
LEFT JOIN %s c ON c."schema_name" = s."schema_name" AND c."table_name" = s."table_name"
WHERE s."client_id" = ?
GROUP BY s."schema_name", s."table_name", s."status", s."last_processed_event_id", s."snapshot_event_id", s."updated_at"
ORDER BY s."schema_name", s."table_name"`, l.statusTable(), l.changeTable())
}

// Lag returns the status report of every table of the client.
func (s *CursorStore) Lag(ctx context.Context, clientID string) ([]cdc.TableLag, error) {
	var out []cdc.TableLag
	now := s.now().UTC()
	err := s.pool.With(ctx, func(sess *Session) error {
		rows, err := sess.QueryContext(ctx, s.layout.LagSQL(), clientID)
		if err != nil {
			return classify(cdc.ConnectionError, "get_lag", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				lag           cdc.TableLag
				status        string
				last, snap    sql.NullInt64
				maxTS         sql.NullTime
				total, behind sql.NullInt64
			)
			if err := rows.Scan(&lag.Table.Schema, &lag.Table.Name, &status, &last, &snap,
				&lag.LastClientUpdate, &total, &maxTS, &behind); err != nil {
				return classify(cdc.ConnectionError, "get_lag", err)
			}
			lag.Status = cdc.TableStatus(status)
			lag.LastProcessedEventID = nullInt64Ptr(last)
			lag.SnapshotEventID = nullInt64Ptr(snap)
			lag.TotalRows = total.Int64
			lag.PendingEvents = behind.Int64
			if maxTS.Valid {
				ts := maxTS.Time.UTC()
				lag.MaxTimestamp = &ts
				if d := now.Sub(ts).Seconds(); d > 0 {
					lag.LagSeconds = d
				}
			}
			out = append(out, lag)
		}
		return classify(cdc.ConnectionError, "get_lag", rows.Err())
	})
	return out, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStatus(sc scanner) (*cdc.ClientTableStatus, error) {
	var (
		st                          cdc.ClientTableStatus
		status                      string
		last, snap                  sql.NullInt64
		lastTS                      sql.NullTime
		loadCursor, signature, note sql.NullString
	)
	if err := sc.Scan(&st.ClientID, &st.Table.Schema, &st.Table.Name, &status, &last, &lastTS, &snap,
		&loadCursor, &signature, &note, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}

	st.Status = cdc.TableStatus(status)
	st.LastProcessedEventID = nullInt64Ptr(last)
	st.SnapshotEventID = nullInt64Ptr(snap)
	if lastTS.Valid {
		ts := lastTS.Time.UTC()
		st.LastProcessedTimestamp = &ts
	}
	st.LoadCursor = loadCursor.String
	st.ColumnSignature = signature.String
	st.Reason = note.String
	return &st, nil
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
