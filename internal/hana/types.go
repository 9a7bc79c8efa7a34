package hana

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

var sourceKinds = map[string]cdc.LogicalKind{
	"TINYINT":      cdc.KindInteger,
	"SMALLINT":     cdc.KindInteger,
	"INTEGER":      cdc.KindInteger,
	"BIGINT":       cdc.KindInteger,
	"DECIMAL":      cdc.KindDecimal,
	"SMALLDECIMAL": cdc.KindDecimal,
	"REAL":         cdc.KindFloat,
	"DOUBLE":       cdc.KindFloat,
	"FLOAT":        cdc.KindFloat,
	"CHAR":         cdc.KindString,
	"NCHAR":        cdc.KindString,
	"VARCHAR":      cdc.KindString,
	"NVARCHAR":     cdc.KindString,
	"ALPHANUM":     cdc.KindString,
	"SHORTTEXT":    cdc.KindString,
	"CLOB":         cdc.KindString,
	"NCLOB":        cdc.KindString,
	"TEXT":         cdc.KindString,
	"DATE":         cdc.KindTimestamp,
	"TIME":         cdc.KindTimestamp,
	"TIMESTAMP":    cdc.KindTimestamp,
	"SECONDDATE":   cdc.KindTimestamp,
	"BINARY":       cdc.KindBytes,
	"VARBINARY":    cdc.KindBytes,
	"BLOB":         cdc.KindBytes,
	"BOOLEAN":      cdc.KindBoolean,
}

// LogicalKindOf maps a HANA data type name onto its logical kind.
func LogicalKindOf(sourceType string) (cdc.LogicalKind, bool) {
	kind, ok := sourceKinds[strings.ToUpper(strings.TrimSpace(sourceType))]
	return kind, ok
}

// Layouts accepted for temporal values. Fractional seconds are accepted after any layout
// ending in seconds.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"15:04:05",
	time.RFC3339Nano,
}

// coerceValue converts a decoded JSON value into the Go value of the column's logical kind:
// int64, decimal.Decimal, float64, string, time.Time, []byte or bool.
func coerceValue(col cdc.Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}

	switch col.Kind {
	case cdc.KindInteger:
		switch v := raw.(type) {
		case json.Number:
			return v.Int64()
		case int64:
			return v, nil
		}
	case cdc.KindDecimal:
		switch v := raw.(type) {
		case json.Number:
			return decimal.NewFromString(v.String())
		case string:
			return decimal.NewFromString(v)
		case decimal.Decimal:
			return v, nil
		}
	case cdc.KindFloat:
		switch v := raw.(type) {
		case json.Number:
			return v.Float64()
		case string:
			return strconv.ParseFloat(v, 64)
		case float64:
			return v, nil
		}
	case cdc.KindString:
		if v, ok := raw.(string); ok {
			return v, nil
		}
	case cdc.KindTimestamp:
		switch v := raw.(type) {
		case string:
			return parseTime(v)
		case time.Time:
			return v, nil
		}
	case cdc.KindBytes:
		switch v := raw.(type) {
		case string:
			return hex.DecodeString(v)
		case []byte:
			return v, nil
		}
	case cdc.KindBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToUpper(v) {
			case "TRUE":
				return true, nil
			case "FALSE":
				return false, nil
			}
		}
	default:
		return nil, fmt.Errorf("column %s has unsupported kind %q", col.Name, col.Kind)
	}

	return nil, fmt.Errorf("column %s: cannot convert %T to %s", col.Name, raw, col.Kind)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time value %q", s)
}
