package cdc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TriggerType represents the kind of row mutation captured by a trigger.
type TriggerType string

const (
	// TriggerInsert represents an INSERT operation
	TriggerInsert TriggerType = "INSERT"
	// TriggerUpdate represents an UPDATE operation
	TriggerUpdate TriggerType = "UPDATE"
	// TriggerDelete represents a DELETE operation
	TriggerDelete TriggerType = "DELETE"
)

// AllTriggerTypes lists every supported trigger type in installation order.
var AllTriggerTypes = []TriggerType{TriggerInsert, TriggerUpdate, TriggerDelete}

// ParseTriggerType parses a trigger type, tolerating case differences and CHAR padding.
func ParseTriggerType(s string) (TriggerType, error) {
	switch TriggerType(strings.ToUpper(strings.TrimSpace(s))) {
	case TriggerInsert:
		return TriggerInsert, nil
	case TriggerUpdate:
		return TriggerUpdate, nil
	case TriggerDelete:
		return TriggerDelete, nil
	}
	return "", fmt.Errorf("unknown trigger type %q", s)
}

// Suffix returns the short operation name used in trigger names.
func (t TriggerType) Suffix() string {
	switch t {
	case TriggerInsert:
		return "ins"
	case TriggerUpdate:
		return "upd"
	case TriggerDelete:
		return "del"
	}
	return strings.ToLower(string(t))
}

// TableRef identifies a schema-qualified source table.
type TableRef struct {
	Schema string `json:"schema" yaml:"schema"`
	Name   string `json:"name" yaml:"name"`
}

// String returns the qualified name in SCHEMA.TABLE form.
func (t TableRef) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// ParseTableRef parses "SCHEMA.TABLE" or a bare "TABLE" qualified with defaultSchema.
func ParseTableRef(s, defaultSchema string) (TableRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TableRef{}, fmt.Errorf("empty table name")
	}
	schema, name, found := strings.Cut(s, ".")
	if !found {
		if defaultSchema == "" {
			return TableRef{}, fmt.Errorf("table %q is not schema-qualified and no source schema is configured", s)
		}
		return TableRef{Schema: defaultSchema, Name: s}, nil
	}
	if schema == "" || name == "" || strings.Contains(name, ".") {
		return TableRef{}, fmt.Errorf("invalid table name %q", s)
	}
	return TableRef{Schema: schema, Name: name}, nil
}

// ChangeEvent is one row of the shadow change table, decoded.
// Key holds the row's primary-key values; synthetic initial-load events carry EventID 0.
type ChangeEvent struct {
	EventID        int64       `json:"event_id"`
	EventTimestamp time.Time   `json:"event_timestamp"`
	TransactionID  string      `json:"transaction_id"`
	TriggerType    TriggerType `json:"trigger_type"`
	SchemaName     string      `json:"schema_name"`
	TableName      string      `json:"table_name"`
	FullTableName  string      `json:"full_table_name"`
	OldValues      *Values     `json:"old_values,omitempty"`
	NewValues      *Values     `json:"new_values,omitempty"`

	Key *Values `json:"-"`
}

// Table returns the source table the event belongs to.
func (e *ChangeEvent) Table() TableRef {
	return TableRef{Schema: e.SchemaName, Name: e.TableName}
}

// IsSnapshot reports whether the event was synthesized by an initial load.
func (e *ChangeEvent) IsSnapshot() bool {
	return e.EventID == 0
}

// DedupKey returns the identity sinks use to drop replayed events.
func (e *ChangeEvent) DedupKey() string {
	if !e.IsSnapshot() {
		return strconv.FormatInt(e.EventID, 10)
	}
	key := "{}"
	if e.Key != nil {
		if data, err := json.Marshal(e.Key); err == nil {
			key = string(data)
		}
	}
	return "snapshot:" + e.FullTableName + ":" + key
}

// Validate checks the event's image invariants for its trigger type.
func (e *ChangeEvent) Validate() error {
	if e.SchemaName == "" || e.TableName == "" {
		return fmt.Errorf("schema_name and table_name are required")
	}

	switch e.TriggerType {
	case TriggerInsert:
		if e.NewValues == nil {
			return fmt.Errorf("new_values is required for INSERT")
		}
		if e.OldValues != nil {
			return fmt.Errorf("old_values must be absent for INSERT")
		}
	case TriggerDelete:
		if e.OldValues == nil {
			return fmt.Errorf("old_values is required for DELETE")
		}
		if e.NewValues != nil {
			return fmt.Errorf("new_values must be absent for DELETE")
		}
	case TriggerUpdate:
		if e.OldValues == nil || e.NewValues == nil {
			return fmt.Errorf("old_values and new_values are required for UPDATE")
		}
		if !e.OldValues.SameColumns(e.NewValues) {
			return fmt.Errorf("old_values and new_values have different columns")
		}
	default:
		return fmt.Errorf("unknown trigger type: %s", e.TriggerType)
	}

	return nil
}

// Batch is an ordered run of change events returned by a single GetChanges call.
// Failures holds per-table faults raised while assembling the batch; the tables they name
// contribute no events past the fault.
type Batch struct {
	Events   []ChangeEvent
	Failures []error
}

// Len returns the number of events in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Events)
}

// Empty reports whether the batch carries no events.
func (b *Batch) Empty() bool {
	return b.Len() == 0
}

// Last returns the terminal event of the batch.
func (b *Batch) Last() (ChangeEvent, bool) {
	if b.Empty() {
		return ChangeEvent{}, false
	}
	return b.Events[len(b.Events)-1], true
}

// LastPerTable returns the highest event of each table present in the batch.
func (b *Batch) LastPerTable() map[TableRef]ChangeEvent {
	last := make(map[TableRef]ChangeEvent)
	if b == nil {
		return last
	}
	for _, ev := range b.Events {
		ref := ev.Table()
		if prev, ok := last[ref]; !ok || ev.EventID > prev.EventID {
			last[ref] = ev
		}
	}
	return last
}

// TableStatus is the lifecycle state of a (client, table) pair.
type TableStatus string

const (
	StatusNew            TableStatus = "NEW"
	StatusInitialLoading TableStatus = "INITIAL_LOADING"
	StatusActive         TableStatus = "ACTIVE"
	StatusPaused         TableStatus = "PAUSED"
)

// ParseTableStatus parses a stored status value.
func ParseTableStatus(s string) (TableStatus, error) {
	switch TableStatus(strings.TrimSpace(s)) {
	case StatusNew:
		return StatusNew, nil
	case StatusInitialLoading:
		return StatusInitialLoading, nil
	case StatusActive:
		return StatusActive, nil
	case StatusPaused:
		return StatusPaused, nil
	}
	return "", fmt.Errorf("unknown table status %q", s)
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s TableStatus) CanTransitionTo(next TableStatus) bool {
	switch s {
	case StatusNew:
		return next == StatusInitialLoading
	case StatusInitialLoading:
		return next == StatusActive
	case StatusActive:
		return next == StatusPaused
	case StatusPaused:
		return next == StatusActive
	}
	return false
}

// ClientTableStatus is one row of the shadow status table.
type ClientTableStatus struct {
	ClientID               string      `json:"client_id"`
	Table                  TableRef    `json:"table"`
	Status                 TableStatus `json:"status"`
	LastProcessedEventID   *int64      `json:"last_processed_event_id,omitempty"`
	LastProcessedTimestamp *time.Time  `json:"last_processed_timestamp,omitempty"`
	SnapshotEventID        *int64      `json:"snapshot_event_id,omitempty"`
	LoadCursor             string      `json:"load_cursor,omitempty"`
	ColumnSignature        string      `json:"column_signature,omitempty"`
	Reason                 string      `json:"reason,omitempty"`
	CreatedAt              time.Time   `json:"created_at"`
	UpdatedAt              time.Time   `json:"updated_at"`
}

// Floor returns the event id at or below which no event is delivered for the table.
func (s *ClientTableStatus) Floor() int64 {
	var floor int64
	if s.LastProcessedEventID != nil {
		floor = *s.LastProcessedEventID
	}
	if s.SnapshotEventID != nil && *s.SnapshotEventID > floor {
		floor = *s.SnapshotEventID
	}
	return floor
}

// TableLag is the per-table lag and status report.
type TableLag struct {
	Table                TableRef    `json:"table" yaml:"table"`
	Status               TableStatus `json:"status" yaml:"status"`
	TotalRows            int64       `json:"total_rows" yaml:"total_rows"`
	PendingEvents        int64       `json:"pending_events" yaml:"pending_events"`
	LagSeconds           float64     `json:"lag_seconds" yaml:"lag_seconds"`
	MaxTimestamp         *time.Time  `json:"max_timestamp,omitempty" yaml:"max_timestamp,omitempty"`
	LastClientUpdate     time.Time   `json:"last_client_update" yaml:"last_client_update"`
	LastProcessedEventID *int64      `json:"last_processed_event_id,omitempty" yaml:"last_processed_event_id,omitempty"`
	SnapshotEventID      *int64      `json:"snapshot_event_id,omitempty" yaml:"snapshot_event_id,omitempty"`
}

// PoisonEvent is a change event that could not be decoded, held for operator review.
type PoisonEvent struct {
	ClientID       string      `json:"client_id" yaml:"client_id"`
	EventID        int64       `json:"event_id" yaml:"event_id"`
	Table          TableRef    `json:"table" yaml:"table"`
	TriggerType    TriggerType `json:"trigger_type" yaml:"trigger_type"`
	Error          string      `json:"error" yaml:"error"`
	RawOldValues   string      `json:"raw_old_values,omitempty" yaml:"raw_old_values,omitempty"`
	RawNewValues   string      `json:"raw_new_values,omitempty" yaml:"raw_new_values,omitempty"`
	RecordedAt     time.Time   `json:"recorded_at" yaml:"recorded_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty" yaml:"acknowledged_at,omitempty"`
}

// Pending reports whether the poison event still blocks its table.
func (p *PoisonEvent) Pending() bool {
	return p.AcknowledgedAt == nil
}
