// Package sink holds what the concrete event sinks share: their configuration, the wire
// envelope of an event and a metrics wrapper.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redbco/hana-cdc/internal/metrics"
	"github.com/redbco/hana-cdc/pkg/cdc"
)

// Sink types.
const (
	TypeJSONL      = "jsonl"
	TypeClickHouse = "clickhouse"
	TypeNATS       = "nats"
	TypeRedis      = "redis"
)

// Config selects and configures the sink of the run loop.
type Config struct {
	Type       string           `yaml:"type" mapstructure:"type"`
	JSONL      JSONLConfig      `yaml:"jsonl" mapstructure:"jsonl"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse" mapstructure:"clickhouse"`
	NATS       NATSConfig       `yaml:"nats" mapstructure:"nats"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
}

// JSONLConfig configures the JSON-lines sink. Path "-" or "" writes to stdout.
type JSONLConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ClickHouseConfig configures the ClickHouse sink.
type ClickHouseConfig struct {
	Addr     []string `yaml:"addr" mapstructure:"addr"`
	Database string   `yaml:"database" mapstructure:"database"`
	Username string   `yaml:"username" mapstructure:"username"`
	Password string   `yaml:"password,omitempty" mapstructure:"password"`
	Table    string   `yaml:"table" mapstructure:"table"`
}

// NATSConfig configures the NATS JetStream sink.
type NATSConfig struct {
	URL           string        `yaml:"url" mapstructure:"url"`
	Stream        string        `yaml:"stream" mapstructure:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix" mapstructure:"subject_prefix"`
	CredsFile     string        `yaml:"creds_file,omitempty" mapstructure:"creds_file"`
	MaxAge        time.Duration `yaml:"max_age" mapstructure:"max_age"`
	DedupWindow   time.Duration `yaml:"dedup_window" mapstructure:"dedup_window"`
}

// RedisConfig configures the Redis Streams sink.
type RedisConfig struct {
	URL       string        `yaml:"url" mapstructure:"url"`
	Stream    string        `yaml:"stream" mapstructure:"stream"`
	KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	DedupTTL  time.Duration `yaml:"dedup_ttl" mapstructure:"dedup_ttl"`
	SyncRows  bool          `yaml:"sync_rows" mapstructure:"sync_rows"`
}

// DefaultConfig returns the JSON-lines sink on stdout with defaults for the other sinks.
func DefaultConfig() Config {
	return Config{
		Type:       TypeJSONL,
		JSONL:      JSONLConfig{Path: "-"},
		ClickHouse: ClickHouseConfig{Addr: []string{"localhost:9000"}, Database: "default", Table: "hana_cdc_events"},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Stream:        "HANACDC",
			SubjectPrefix: "hanacdc",
			MaxAge:        24 * time.Hour,
			DedupWindow:   2 * time.Minute,
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379/0",
			Stream:    "hanacdc:events",
			KeyPrefix: "hanacdc:",
			DedupTTL:  24 * time.Hour,
		},
	}
}

// Validate checks the selected sink's settings.
func (c Config) Validate() error {
	switch c.Type {
	case TypeJSONL:
		return nil
	case TypeClickHouse:
		if len(c.ClickHouse.Addr) == 0 {
			return cdc.NewConfigurationError("sink.clickhouse.addr", "is required")
		}
		if c.ClickHouse.Table == "" {
			return cdc.NewConfigurationError("sink.clickhouse.table", "is required")
		}
	case TypeNATS:
		if c.NATS.URL == "" {
			return cdc.NewConfigurationError("sink.nats.url", "is required")
		}
		if c.NATS.Stream == "" || c.NATS.SubjectPrefix == "" {
			return cdc.NewConfigurationError("sink.nats", "stream and subject_prefix are required")
		}
	case TypeRedis:
		if c.Redis.URL == "" {
			return cdc.NewConfigurationError("sink.redis.url", "is required")
		}
		if c.Redis.Stream == "" {
			return cdc.NewConfigurationError("sink.redis.stream", "is required")
		}
		if c.Redis.DedupTTL <= 0 {
			return cdc.NewConfigurationError("sink.redis.dedup_ttl", "must be positive")
		}
	default:
		return cdc.NewConfigurationError("sink.type", "unknown sink type "+c.Type)
	}
	return nil
}

// Envelope is the serialized form of a change event shared by the sinks.
type Envelope struct {
	DedupKey       string          `json:"dedup_key"`
	EventID        int64           `json:"event_id"`
	EventTimestamp time.Time       `json:"event_timestamp"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	TriggerType    cdc.TriggerType `json:"trigger_type"`
	SchemaName     string          `json:"schema_name"`
	TableName      string          `json:"table_name"`
	FullTableName  string          `json:"full_table_name"`
	Snapshot       bool            `json:"snapshot,omitempty"`
	OldValues      *cdc.Values     `json:"old_values,omitempty"`
	NewValues      *cdc.Values     `json:"new_values,omitempty"`
}

// NewEnvelope wraps ev.
func NewEnvelope(ev cdc.ChangeEvent) Envelope {
	return Envelope{
		DedupKey:       ev.DedupKey(),
		EventID:        ev.EventID,
		EventTimestamp: ev.EventTimestamp.UTC(),
		TransactionID:  ev.TransactionID,
		TriggerType:    ev.TriggerType,
		SchemaName:     ev.SchemaName,
		TableName:      ev.TableName,
		FullTableName:  ev.FullTableName,
		Snapshot:       ev.IsSnapshot(),
		OldValues:      ev.OldValues,
		NewValues:      ev.NewValues,
	}
}

// Marshal renders ev as one JSON document.
func Marshal(ev cdc.ChangeEvent) ([]byte, error) {
	return json.Marshal(NewEnvelope(ev))
}

// RowImage returns the image that describes the row after the event: the new values, or
// the old values of a DELETE.
func RowImage(ev cdc.ChangeEvent) *cdc.Values {
	if ev.NewValues != nil {
		return ev.NewValues
	}
	return ev.OldValues
}

// Instrumented counts writes and failures of a sink under name.
type Instrumented struct {
	name string
	next cdc.EventSink
}

// Instrument wraps next with write and error counters.
func Instrument(name string, next cdc.EventSink) *Instrumented {
	return &Instrumented{name: name, next: next}
}

// Name returns the sink name.
func (s *Instrumented) Name() string { return s.name }

// Unwrap returns the wrapped sink.
func (s *Instrumented) Unwrap() cdc.EventSink { return s.next }

func (s *Instrumented) WriteBatch(ctx context.Context, events []cdc.ChangeEvent) error {
	if err := s.next.WriteBatch(ctx, events); err != nil {
		metrics.SinkErrors.WithLabelValues(s.name).Inc()
		return err
	}
	metrics.SinkWrites.WithLabelValues(s.name).Add(float64(len(events)))
	return nil
}

func (s *Instrumented) Flush(ctx context.Context) error {
	if err := s.next.Flush(ctx); err != nil {
		metrics.SinkErrors.WithLabelValues(s.name).Inc()
		return err
	}
	return nil
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}

// Pinger is implemented by sinks that can report their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks a sink's connectivity when it supports it.
func Ping(ctx context.Context, s cdc.EventSink) error {
	if in, ok := s.(*Instrumented); ok {
		s = in.next
	}
	if p, ok := s.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
