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

// ErrPoisonNotFound is returned when a poison event id is unknown for the client.
var ErrPoisonNotFound = errors.New("poison event not found")

// PoisonLog stores change events that could not be decoded until an operator acknowledges them.
type PoisonLog struct {
	pool   *Pool
	layout Layout
}

// NewPoisonLog creates a poison log on the layout's poison table.
func NewPoisonLog(pool *Pool, layout Layout) *PoisonLog {
	return &PoisonLog{pool: pool, layout: layout}
}

func (p *PoisonLog) selectSQL(where string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY \"event_id\"",
		strings.Join(quotedColumns(poisonColumns), ", "), p.layout.poisonTable(), where)
}

// Record stores the poison event unless the client already has one with the same event id, and
// returns the stored row. An earlier acknowledgement is kept.
func (p *PoisonLog) Record(ctx context.Context, clientID string, ev cdc.PoisonEvent) (*cdc.PoisonEvent, error) {
	query := fmt.Sprintf(`INSERT INTO %s ("client_id", "event_id", "schema_name", "table_name", "trigger_type",
	"error_message", "raw_old_values", "raw_new_values", "recorded_at")
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ? FROM DUMMY
WHERE NOT EXISTS (SELECT 1 FROM %s WHERE "client_id" = ? AND "event_id" = ?)`,
		p.layout.poisonTable(), p.layout.poisonTable())

	recordedAt := ev.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	err := p.pool.With(ctx, func(sess *Session) error {
		_, err := sess.ExecContext(ctx, query,
			clientID, ev.EventID, ev.Table.Schema, ev.Table.Name, truncate(string(ev.TriggerType), 6),
			truncate(ev.Error, 5000), nullableString(ev.RawOldValues), nullableString(ev.RawNewValues), recordedAt.UTC(),
			clientID, ev.EventID)
		if err != nil && !isDuplicateObject(err) {
			return classify(cdc.ConnectionError, "record_poison", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, clientID, ev.EventID)
}

// Get returns one poison event of the client.
func (p *PoisonLog) Get(ctx context.Context, clientID string, eventID int64) (*cdc.PoisonEvent, error) {
	var ev *cdc.PoisonEvent
	err := p.pool.With(ctx, func(sess *Session) error {
		row := sess.QueryRowContext(ctx, p.selectSQL(`"client_id" = ? AND "event_id" = ?`), clientID, eventID)
		var err error
		ev, err = scanPoison(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("event %d: %w", eventID, ErrPoisonNotFound)
		}
		return classify(cdc.ConnectionError, "get_poison", err)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Pending returns the unacknowledged poison events of the client, ordered by event id.
func (p *PoisonLog) Pending(ctx context.Context, clientID string) ([]cdc.PoisonEvent, error) {
	return p.query(ctx, "pending_poison", `"client_id" = ? AND "acknowledged_at" IS NULL`, clientID)
}

// List returns every poison event of the client, ordered by event id.
func (p *PoisonLog) List(ctx context.Context, clientID string) ([]cdc.PoisonEvent, error) {
	return p.query(ctx, "list_poison", `"client_id" = ?`, clientID)
}

// Acknowledge marks a poison event as reviewed so its table's cursor may pass it. Acknowledging
// twice is a no-op.
func (p *PoisonLog) Acknowledge(ctx context.Context, clientID string, eventID int64) error {
	query := fmt.Sprintf(`UPDATE %s SET "acknowledged_at" = CURRENT_UTCTIMESTAMP
WHERE "client_id" = ? AND "event_id" = ? AND "acknowledged_at" IS NULL`, p.layout.poisonTable())

	var affected int64
	err := p.pool.With(ctx, func(sess *Session) error {
		res, err := sess.ExecContext(ctx, query, clientID, eventID)
		if err != nil {
			return classify(cdc.ConnectionError, "ack_poison", err)
		}
		affected, err = res.RowsAffected()
		return classify(cdc.ConnectionError, "ack_poison", err)
	})
	if err != nil || affected > 0 {
		return err
	}

	_, err = p.Get(ctx, clientID, eventID)
	return err
}

func (p *PoisonLog) query(ctx context.Context, op, where string, args ...interface{}) ([]cdc.PoisonEvent, error) {
	var out []cdc.PoisonEvent
	err := p.pool.With(ctx, func(sess *Session) error {
		rows, err := sess.QueryContext(ctx, p.selectSQL(where), args...)
		if err != nil {
			return classify(cdc.ConnectionError, op, err)
		}
		defer rows.Close()

		for rows.Next() {
			ev, err := scanPoison(rows)
			if err != nil {
				return classify(cdc.ConnectionError, op, err)
			}
			out = append(out, *ev)
		}
		return classify(cdc.ConnectionError, op, rows.Err())
	})
	return out, err
}

func scanPoison(sc scanner) (*cdc.PoisonEvent, error) {
	var (
		ev                     cdc.PoisonEvent
		triggerType            string
		message, rawOld, rawNw sql.NullString
		ackedAt                sql.NullTime
	)
	if err := sc.Scan(&ev.ClientID, &ev.EventID, &ev.Table.Schema, &ev.Table.Name, &triggerType,
		&message, &rawOld, &rawNw, &ev.RecordedAt, &ackedAt); err != nil {
		return nil, err
	}
	ev.TriggerType = cdc.TriggerType(strings.TrimSpace(triggerType))
	ev.Error = message.String
	ev.RawOldValues = rawOld.String
	ev.RawNewValues = rawNw.String
	ev.RecordedAt = ev.RecordedAt.UTC()
	if ackedAt.Valid {
		t := ackedAt.Time.UTC()
		ev.AcknowledgedAt = &t
	}
	return &ev, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
