package hana

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

// Payloads are built inside the database by string concatenation so that triggers and the
// initial-load query share one encoding. Column order follows the introspected metadata.

// jsonObjectExpr returns a SQL expression producing a JSON object for the given columns.
// ref maps a column name to the SQL expression reading it (":NEW_ROW.\"C\"" in triggers,
// "\"C\"" in plain selects).
func jsonObjectExpr(columns []cdc.Column, ref func(name string) string) string {
	parts := make([]string, 0, len(columns)*2+2)
	parts = append(parts, "TO_NCLOB('{')")
	for i, col := range columns {
		key, _ := json.Marshal(col.Name)
		sep := ""
		if i > 0 {
			sep = ","
		}
		parts = append(parts, QuoteLiteral(sep+string(key)+":"))
		parts = append(parts, valueExpr(col, ref(col.Name)))
	}
	parts = append(parts, "'}'")
	return strings.Join(parts, " || ")
}

func triggerRowRef(alias string) func(string) string {
	return func(name string) string {
		return ":" + alias + "." + QuoteIdentifier(name)
	}
}

func plainRef(name string) string {
	return QuoteIdentifier(name)
}

// timeFormat returns the TO_NVARCHAR format for a temporal source type.
func timeFormat(sourceType string) string {
	switch strings.ToUpper(sourceType) {
	case "DATE":
		return "YYYY-MM-DD"
	case "TIME":
		return "HH24:MI:SS"
	case "SECONDDATE":
		return "YYYY-MM-DD HH24:MI:SS"
	default:
		return "YYYY-MM-DD HH24:MI:SS.FF7"
	}
}

// jsonEscape replaces one character of a string value inside a JSON payload.
type jsonEscape struct {
	char rune
	with string
}

// jsonEscapes lists the replacements applied to character values, backslash first. Every
// control character below U+0020 is escaped.
var jsonEscapes = func() []jsonEscape {
	escapes := []jsonEscape{{'\\', `\\`}, {'"', `\"`}}
	for c := rune(0); c < 0x20; c++ {
		switch c {
		case '\n':
			escapes = append(escapes, jsonEscape{c, `\n`})
		case '\r':
			escapes = append(escapes, jsonEscape{c, `\r`})
		case '\t':
			escapes = append(escapes, jsonEscape{c, `\t`})
		default:
			escapes = append(escapes, jsonEscape{c, fmt.Sprintf(`\u%04x`, c)})
		}
	}
	return escapes
}()

func (e jsonEscape) sqlChar() string {
	if e.char < 0x20 {
		return fmt.Sprintf("CHAR(%d)", e.char)
	}
	return QuoteLiteral(string(e.char))
}

// escapeJSONString wraps expr in the REPLACE calls that make it a valid JSON string body.
func escapeJSONString(expr string) string {
	for _, e := range jsonEscapes {
		expr = "REPLACE(" + expr + ", " + e.sqlChar() + ", " + QuoteLiteral(e.with) + ")"
	}
	return expr
}

func valueExpr(col cdc.Column, ref string) string {
	switch col.Kind {
	case cdc.KindInteger:
		return fmt.Sprintf("COALESCE(TO_NVARCHAR(%s), 'null')", ref)
	case cdc.KindDecimal, cdc.KindFloat:
		// Quoted: the server may render forms such as ".5" that are not JSON numbers.
		return fmt.Sprintf("COALESCE('\"' || TO_NVARCHAR(%s) || '\"', 'null')", ref)
	case cdc.KindBoolean:
		return fmt.Sprintf("CASE WHEN %s IS NULL THEN 'null' WHEN %s = TRUE THEN 'true' ELSE 'false' END", ref, ref)
	case cdc.KindTimestamp:
		return fmt.Sprintf("COALESCE('\"' || TO_NVARCHAR(%s, %s) || '\"', 'null')", ref, QuoteLiteral(timeFormat(col.SourceType)))
	case cdc.KindBytes:
		return fmt.Sprintf("COALESCE('\"' || BINTOHEX(%s) || '\"', 'null')", ref)
	default:
		return fmt.Sprintf("COALESCE('\"' || %s || '\"', 'null')", escapeJSONString(ref))
	}
}

// decodeRaw parses a payload into an ordered mapping of undecoded JSON values.
func decodeRaw(payload string) (*cdc.Values, error) {
	raw := cdc.NewValues(0)
	if err := json.Unmarshal([]byte(payload), raw); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return raw, nil
}

// coerceValues converts raw payload values to the column kinds of meta. Every payload key
// must be a known column.
func coerceValues(meta *cdc.TableMeta, raw *cdc.Values) (*cdc.Values, error) {
	out := cdc.NewValues(raw.Len())
	var err error
	raw.Range(func(name string, value interface{}) bool {
		col, ok := meta.Column(name)
		if !ok {
			err = fmt.Errorf("payload column %s is not a column of %s", name, meta.Table)
			return false
		}
		var v interface{}
		v, err = coerceValue(col, value)
		if err != nil {
			return false
		}
		out.Set(name, v)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodePayload parses and coerces one trigger or initial-load payload.
func DecodePayload(meta *cdc.TableMeta, payload string) (*cdc.Values, error) {
	raw, err := decodeRaw(payload)
	if err != nil {
		return nil, err
	}
	return coerceValues(meta, raw)
}

// keyOf extracts the primary-key columns of a row in key order.
func keyOf(meta *cdc.TableMeta, row *cdc.Values) *cdc.Values {
	pk := meta.PrimaryKey()
	key := cdc.NewValues(len(pk))
	for _, col := range pk {
		v, _ := row.Get(col.Name)
		key.Set(col.Name, v)
	}
	return key
}
