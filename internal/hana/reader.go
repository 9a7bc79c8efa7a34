package hana

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

// TableRange selects the events of one table with After < event_id, and event_id < Before
// when Before is positive.
type TableRange struct {
	Table  cdc.TableRef
	After  int64
	Before int64
}

// ChangeSet is the decoded result of one change-batch query. Events that failed to decode
// are returned in Poison instead of Events; both are ordered by event id.
type ChangeSet struct {
	Events []cdc.ChangeEvent
	Poison []cdc.PoisonEvent
}

// Reader runs change-batch and initial-load queries.
type Reader struct {
	pool   *Pool
	layout Layout
	now    func() time.Time
}

// NewReader creates a reader for the layout's change table.
func NewReader(pool *Pool, layout Layout) *Reader {
	return &Reader{pool: pool, layout: layout, now: time.Now}
}

// BuildChangeQuery returns the change-batch query for the ranges.
func (r *Reader) BuildChangeQuery(ranges []TableRange, limit int) (string, []interface{}) {
	preds := make([]string, 0, len(ranges))
	args := make([]interface{}, 0, len(ranges)*4)
	for _, rg := range ranges {
		pred := `("schema_name" = ? AND "table_name" = ? AND "event_id" > ?`
		args = append(args, rg.Table.Schema, rg.Table.Name, rg.After)
		if rg.Before > 0 {
			pred += ` AND "event_id" < ?`
			args = append(args, rg.Before)
		}
		preds = append(preds, pred+")")
	}

	query := fmt.Sprintf("SELECT %s\nFROM %s\nWHERE %s\nORDER BY \"event_id\" ASC\nLIMIT %d",
		strings.Join(quotedColumns(changeColumns), ", "),
		r.layout.changeTable(),
		strings.Join(preds, "\n   OR "),
		limit)
	return query, args
}

// ReadChanges returns at most limit events across the ranges, ascending by event id.
// It never waits for new events.
func (r *Reader) ReadChanges(ctx context.Context, ranges []TableRange, limit int, metas map[cdc.TableRef]*cdc.TableMeta) (*ChangeSet, error) {
	set := &ChangeSet{}
	if len(ranges) == 0 || limit <= 0 {
		return set, nil
	}

	query, args := r.BuildChangeQuery(ranges, limit)
	err := r.pool.With(ctx, func(sess *Session) error {
		rows, err := sess.QueryContext(ctx, query, args...)
		if err != nil {
			return classify(cdc.ConnectionError, "read_changes", err)
		}
		defer rows.Close()

		for rows.Next() {
			var row changeRow
			if err := rows.Scan(&row.eventID, &row.timestamp, &row.transactionID, &row.schema,
				&row.table, &row.triggerType, &row.oldValues, &row.newValues); err != nil {
				return classify(cdc.ConnectionError, "read_changes", err)
			}

			ev, err := row.decode(metas[cdc.TableRef{Schema: row.schema, Name: row.table}])
			if err != nil {
				set.Poison = append(set.Poison, row.poison(err, r.now()))
				continue
			}
			set.Events = append(set.Events, ev)
		}
		return classify(cdc.ConnectionError, "read_changes", rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// MaxEventID returns the highest event id in the change table, or 0 when it is empty.
func (r *Reader) MaxEventID(ctx context.Context) (int64, error) {
	var max int64
	err := r.pool.With(ctx, func(sess *Session) error {
		query := fmt.Sprintf(`SELECT COALESCE(MAX("event_id"), 0) FROM %s`, r.layout.changeTable())
		if err := sess.QueryRowContext(ctx, query).Scan(&max); err != nil {
			return classify(cdc.ConnectionError, "max_event_id", err)
		}
		return nil
	})
	return max, err
}

type changeRow struct {
	eventID       int64
	timestamp     time.Time
	transactionID sql.NullString
	schema        string
	table         string
	triggerType   string
	oldValues     sql.NullString
	newValues     sql.NullString
}

func (row *changeRow) decode(meta *cdc.TableMeta) (cdc.ChangeEvent, error) {
	ev := cdc.ChangeEvent{
		EventID:        row.eventID,
		EventTimestamp: row.timestamp.UTC(),
		TransactionID:  row.transactionID.String,
		SchemaName:     row.schema,
		TableName:      row.table,
		FullTableName:  row.schema + "." + row.table,
	}
	if meta == nil {
		return ev, fmt.Errorf("no column metadata for %s", ev.FullTableName)
	}

	tt, err := cdc.ParseTriggerType(row.triggerType)
	if err != nil {
		return ev, err
	}
	ev.TriggerType = tt

	if row.oldValues.Valid {
		if ev.OldValues, err = DecodePayload(meta, row.oldValues.String); err != nil {
			return ev, fmt.Errorf("old_values: %w", err)
		}
	}
	if row.newValues.Valid {
		if ev.NewValues, err = DecodePayload(meta, row.newValues.String); err != nil {
			return ev, fmt.Errorf("new_values: %w", err)
		}
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	if ev.NewValues != nil {
		ev.Key = keyOf(meta, ev.NewValues)
	} else {
		ev.Key = keyOf(meta, ev.OldValues)
	}
	return ev, nil
}

func (row *changeRow) poison(cause error, now time.Time) cdc.PoisonEvent {
	return cdc.PoisonEvent{
		EventID:      row.eventID,
		Table:        cdc.TableRef{Schema: row.schema, Name: row.table},
		TriggerType:  cdc.TriggerType(strings.TrimSpace(row.triggerType)),
		Error:        cause.Error(),
		RawOldValues: row.oldValues.String,
		RawNewValues: row.newValues.String,
		RecordedAt:   now.UTC(),
	}
}

// LoadCursor is the resumable position of an initial load. Key holds the last emitted
// primary key as undecoded payload values; Offset is used for tables without a primary key.
type LoadCursor struct {
	Key    *cdc.Values `json:"key,omitempty"`
	Offset int64       `json:"offset,omitempty"`
	Rows   int64       `json:"rows,omitempty"`
}

// ParseLoadCursor decodes a stored cursor; an empty string is the start of the table.
func ParseLoadCursor(s string) (LoadCursor, error) {
	var c LoadCursor
	if strings.TrimSpace(s) == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return c, fmt.Errorf("parse load cursor: %w", err)
	}
	return c, nil
}

// Encode renders the cursor for storage in the status table.
func (c LoadCursor) Encode() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}

// LoadPage is one page of synthetic INSERT events from an initial load.
type LoadPage struct {
	Events []cdc.ChangeEvent
	Cursor LoadCursor
	Done   bool
}

// BuildLoadQuery returns the initial-load query for the page after cursor.
func (r *Reader) BuildLoadQuery(meta *cdc.TableMeta, cursor LoadCursor, pageSize int) (string, []interface{}, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s AS \"row_json\"\nFROM %s", jsonObjectExpr(meta.Columns, plainRef), QualifiedTable(meta.Table))

	pk := meta.PrimaryKey()
	if len(pk) == 0 {
		fmt.Fprintf(&b, "\nORDER BY %s\nLIMIT %d OFFSET %d",
			strings.Join(quotedColumns(meta.ColumnNames()), ", "), pageSize, cursor.Offset)
		return b.String(), nil, nil
	}

	var args []interface{}
	if cursor.Key.Len() > 0 {
		key, err := coerceValues(meta, cursor.Key)
		if err != nil {
			return "", nil, fmt.Errorf("load cursor: %w", err)
		}
		if key.Len() != len(pk) {
			return "", nil, fmt.Errorf("load cursor has %d key columns, table has %d", key.Len(), len(pk))
		}
		var pred string
		pred, args = keysetPredicate(pk, key)
		b.WriteString("\nWHERE " + pred)
	}

	names := make([]string, len(pk))
	for i, col := range pk {
		names[i] = col.Name
	}
	fmt.Fprintf(&b, "\nORDER BY %s\nLIMIT %d", strings.Join(quotedColumns(names), ", "), pageSize)
	return b.String(), args, nil
}

// keysetPredicate renders (k1 > ?) OR (k1 = ? AND k2 > ?) OR ... for the key tuple.
func keysetPredicate(pk []cdc.Column, key *cdc.Values) (string, []interface{}) {
	groups := make([]string, len(pk))
	var args []interface{}
	for i := range pk {
		conds := make([]string, 0, i+1)
		for j := 0; j < i; j++ {
			conds = append(conds, QuoteIdentifier(pk[j].Name)+" = ?")
			v, _ := key.Get(pk[j].Name)
			args = append(args, v)
		}
		conds = append(conds, QuoteIdentifier(pk[i].Name)+" > ?")
		v, _ := key.Get(pk[i].Name)
		args = append(args, v)
		groups[i] = "(" + strings.Join(conds, " AND ") + ")"
	}
	return strings.Join(groups, " OR "), args
}

// LoadPage reads the page following cursor and converts its rows into synthetic INSERT events.
func (r *Reader) LoadPage(ctx context.Context, meta *cdc.TableMeta, cursor LoadCursor, pageSize int) (*LoadPage, error) {
	query, args, err := r.BuildLoadQuery(meta, cursor, pageSize)
	if err != nil {
		return nil, cdc.NewDeserializationError(meta.Table, 0, err)
	}

	page := &LoadPage{Cursor: cursor}
	loadedAt := r.now().UTC()
	err = r.pool.With(ctx, func(sess *Session) error {
		rows, err := sess.QueryContext(ctx, query, args...)
		if err != nil {
			return classify(cdc.ConnectionError, "initial_load", err)
		}
		defer rows.Close()

		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				return classify(cdc.ConnectionError, "initial_load", err)
			}
			raw, err := decodeRaw(payload)
			if err != nil {
				return cdc.NewDeserializationError(meta.Table, 0, err)
			}
			values, err := coerceValues(meta, raw)
			if err != nil {
				return cdc.NewDeserializationError(meta.Table, 0, err)
			}

			page.Events = append(page.Events, cdc.ChangeEvent{
				EventTimestamp: loadedAt,
				TriggerType:    cdc.TriggerInsert,
				SchemaName:     meta.Table.Schema,
				TableName:      meta.Table.Name,
				FullTableName:  meta.Table.String(),
				NewValues:      values,
				Key:            keyOf(meta, values),
			})
			page.Cursor.Key = keyOf(meta, raw)
		}
		return classify(cdc.ConnectionError, "initial_load", rows.Err())
	})
	if err != nil {
		return nil, err
	}

	n := int64(len(page.Events))
	page.Cursor.Offset += n
	page.Cursor.Rows += n
	page.Done = len(page.Events) < pageSize
	return page, nil
}

// PageLoader reads initial-load pages.
type PageLoader interface {
	LoadPage(ctx context.Context, meta *cdc.TableMeta, cursor LoadCursor, pageSize int) (*LoadPage, error)
}

// InitialLoad returns a lazy sequence of pages starting after cursor. The sequence ends after
// the first short page or the first error.
func InitialLoad(ctx context.Context, loader PageLoader, meta *cdc.TableMeta, cursor LoadCursor, pageSize int) iter.Seq2[*LoadPage, error] {
	return func(yield func(*LoadPage, error) bool) {
		for {
			page, err := loader.LoadPage(ctx, meta, cursor, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(page, nil) || page.Done {
				return
			}
			cursor = page.Cursor
		}
	}
}
