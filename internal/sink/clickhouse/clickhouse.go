// Package clickhouse writes change events into a ClickHouse ReplacingMergeTree table whose
// sorting key collapses replays.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/redbco/hana-cdc/internal/sink"
	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/logger"
)

var columns = []string{
	"full_table_name", "dedup_key", "event_id", "event_timestamp", "transaction_id",
	"trigger_type", "schema_name", "table_name", "snapshot", "old_values", "new_values", "ingested_at",
}

// Sink buffers events and inserts them as one batch per Flush.
type Sink struct {
	conn    chdriver.Conn
	cfg     sink.ClickHouseConfig
	logger  *logger.Logger
	now     func() time.Time
	mu      sync.Mutex
	pending []pendingRow
}

// pendingRow is an encoded event waiting for the next Flush. The ingestion time is added
// when the batch is sent.
type pendingRow struct {
	key    string
	values []interface{}
}

// Open connects, tests the connection and creates the events table if needed.
func Open(ctx context.Context, cfg sink.ClickHouseConfig, log *logger.Logger) (*Sink, error) {
	options := &clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     time.Second * 10,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("error connecting to ClickHouse: %v", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error testing ClickHouse connection: %v", err)
	}

	s := New(conn, cfg, log)
	if err := conn.Exec(ctx, CreateTableSQL(cfg.Database, cfg.Table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create table %s: %w", cfg.Table, err)
	}
	return s, nil
}

// New uses an existing connection.
func New(conn chdriver.Conn, cfg sink.ClickHouseConfig, log *logger.Logger) *Sink {
	if log == nil {
		log = logger.Nop()
	}
	return &Sink{conn: conn, cfg: cfg, logger: log.WithComponent("sink.clickhouse"), now: time.Now}
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

func qualified(database, table string) string {
	if database == "" {
		return quoteIdent(table)
	}
	return quoteIdent(database) + "." + quoteIdent(table)
}

// CreateTableSQL returns the DDL of the events table. Rows sharing a sorting key are
// collapsed by background merges, keeping the latest ingested copy.
func CreateTableSQL(database, table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	full_table_name LowCardinality(String),
	dedup_key String,
	event_id Int64,
	event_timestamp DateTime64(7, 'UTC'),
	transaction_id String,
	trigger_type LowCardinality(String),
	schema_name String,
	table_name String,
	snapshot UInt8,
	old_values Nullable(String),
	new_values Nullable(String),
	ingested_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(ingested_at)
ORDER BY (full_table_name, dedup_key)`, qualified(database, table))
}

// InsertSQL returns the batch insert statement.
func InsertSQL(database, table string) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", qualified(database, table), strings.Join(columns, ", "))
}

// Row returns the column values of an event in insert order.
func Row(ev cdc.ChangeEvent, ingestedAt time.Time) ([]interface{}, error) {
	values, err := encode(ev)
	if err != nil {
		return nil, err
	}
	return append(values, ingestedAt.UTC()), nil
}

// encode returns every column value except ingested_at.
func encode(ev cdc.ChangeEvent) ([]interface{}, error) {
	oldImage, err := image(ev.OldValues)
	if err != nil {
		return nil, err
	}
	newImage, err := image(ev.NewValues)
	if err != nil {
		return nil, err
	}
	var snapshot uint8
	if ev.IsSnapshot() {
		snapshot = 1
	}
	return []interface{}{
		ev.FullTableName,
		ev.DedupKey(),
		ev.EventID,
		ev.EventTimestamp.UTC(),
		ev.TransactionID,
		string(ev.TriggerType),
		ev.SchemaName,
		ev.TableName,
		snapshot,
		oldImage,
		newImage,
	}, nil
}

func image(v *cdc.Values) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// WriteBatch encodes events into the buffer. An event that cannot be encoded rejects the
// whole batch and nothing of it is buffered.
func (s *Sink) WriteBatch(_ context.Context, events []cdc.ChangeEvent) error {
	rows := make([]pendingRow, 0, len(events))
	for _, ev := range events {
		values, err := encode(ev)
		if err != nil {
			return cdc.NewDeserializationError(ev.Table(), ev.EventID, err)
		}
		rows = append(rows, pendingRow{key: ev.DedupKey(), values: values})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, rows...)
	return nil
}

// Flush inserts the buffered events in one batch. The buffer is kept on failure so the
// next Flush retries it.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, InsertSQL(s.cfg.Database, s.cfg.Table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	ingestedAt := s.now().UTC()
	for _, row := range s.pending {
		if err := batch.Append(append(row.values[:len(row.values):len(row.values)], ingestedAt)...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append event %s: %w", row.key, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	s.logger.Debug("inserted %d events into %s", len(s.pending), s.cfg.Table)
	s.pending = s.pending[:0]
	return nil
}

// Pending returns the number of buffered events.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Ping checks the connection.
func (s *Sink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *Sink) Close() error {
	return s.conn.Close()
}
