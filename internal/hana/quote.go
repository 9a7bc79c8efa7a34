package hana

import (
	"strings"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

// QuoteIdentifier quotes an identifier for HANA SQL.
func QuoteIdentifier(name string) string {
	return "\"" + strings.ReplaceAll(name, "\"", "\"\"") + "\""
}

// QualifiedName quotes a schema-qualified object name.
func QualifiedName(schema, name string) string {
	return QuoteIdentifier(schema) + "." + QuoteIdentifier(name)
}

// QualifiedTable quotes a table reference.
func QualifiedTable(t cdc.TableRef) string {
	return QualifiedName(t.Schema, t.Name)
}

// QuoteLiteral quotes a string literal for embedding in DDL such as trigger bodies.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quotedColumns(columns []string) []string {
	result := make([]string, len(columns))
	for i, col := range columns {
		result[i] = QuoteIdentifier(col)
	}
	return result
}
