package cdc

import (
	"strings"
)

// LogicalKind is the engine-level type of a source column.
type LogicalKind string

const (
	KindInteger   LogicalKind = "integer"
	KindDecimal   LogicalKind = "decimal"
	KindFloat     LogicalKind = "float"
	KindString    LogicalKind = "string"
	KindTimestamp LogicalKind = "timestamp"
	KindBytes     LogicalKind = "bytes"
	KindBoolean   LogicalKind = "boolean"
)

// Column describes one introspected source column.
type Column struct {
	Name       string      `json:"name"`
	SourceType string      `json:"source_type"`
	Length     int         `json:"length,omitempty"`
	Scale      int         `json:"scale,omitempty"`
	Nullable   bool        `json:"nullable"`
	PrimaryKey bool        `json:"primary_key"`
	Position   int         `json:"position"`
	Kind       LogicalKind `json:"kind"`
}

// TableMeta is the ordered column list of a monitored table.
type TableMeta struct {
	Table   TableRef `json:"table"`
	Columns []Column `json:"columns"`
}

// PrimaryKey returns the primary-key columns in column order.
func (m *TableMeta) PrimaryKey() []Column {
	var pk []Column
	for _, c := range m.Columns {
		if c.PrimaryKey {
			pk = append(pk, c)
		}
	}
	return pk
}

// Column returns the column with the given name.
func (m *TableMeta) Column(name string) (Column, bool) {
	for _, c := range m.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in order.
func (m *TableMeta) ColumnNames() []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return names
}

// Signature renders the ordered column list as NAME:TYPE pairs. It is recorded when a table
// becomes active and compared against the live catalog to detect drift.
func (m *TableMeta) Signature() string {
	parts := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		parts[i] = c.Name + ":" + c.SourceType
	}
	return strings.Join(parts, ",")
}
