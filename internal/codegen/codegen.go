// Package codegen emits typed Go row models for introspected tables. The runtime path never
// depends on the generated code; it is an offline aid for sink consumers.
package codegen

import (
	"bytes"
	"embed"
	"fmt"
	"go/format"
	"go/token"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"unicode"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

//go:embed templates/models.go.tmpl
var templates embed.FS

// Options control the emitted file.
type Options struct {
	Package string
}

type field struct {
	Name   string
	Type   string
	Tag    string
	Column string
}

type model struct {
	Name   string
	Table  string
	Fields []field
}

type file struct {
	Package string
	Imports []string
	Models  []model
}

// Generate renders one struct per table, ordered by table name, and formats the result.
func Generate(metas []*cdc.TableMeta, opts Options) ([]byte, error) {
	pkg := opts.Package
	if pkg == "" {
		pkg = "models"
	}
	if !token.IsIdentifier(pkg) || token.IsKeyword(pkg) {
		return nil, fmt.Errorf("invalid package name %q", pkg)
	}

	sorted := append([]*cdc.TableMeta(nil), metas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Table.String() < sorted[j].Table.String() })

	out := file{Package: pkg}
	imports := map[string]bool{}
	structNames := map[string]string{}

	for _, meta := range sorted {
		m := model{Name: ExportedName(meta.Table.Name), Table: meta.Table.String()}
		if prev, ok := structNames[m.Name]; ok {
			m.Name = ExportedName(meta.Table.Schema + "_" + meta.Table.Name)
			if _, clash := structNames[m.Name]; clash {
				return nil, fmt.Errorf("tables %s and %s map to the same type name", prev, m.Table)
			}
		}
		structNames[m.Name] = m.Table

		fieldNames := map[string]bool{}
		for _, col := range meta.Columns {
			goType, imp, err := GoType(col)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", m.Table, err)
			}
			if imp != "" {
				imports[imp] = true
			}
			name := ExportedName(col.Name)
			for fieldNames[name] {
				name += "_"
			}
			fieldNames[name] = true
			m.Fields = append(m.Fields, field{
				Name:   name,
				Type:   goType,
				Tag:    StructTag(col),
				Column: col.Name,
			})
		}
		out.Models = append(out.Models, m)
	}

	for imp := range imports {
		out.Imports = append(out.Imports, imp)
	}
	sort.Strings(out.Imports)

	tmpl, err := template.ParseFS(templates, "templates/models.go.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, out); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("format generated code: %w", err)
	}
	return src, nil
}

// StructTag returns the struct tag literal of a column field. Tag values are quoted so any
// column name survives; a tag that would contain a backtick is emitted as a quoted string.
func StructTag(col cdc.Column) string {
	jsonValue := SanitizeName(col.Name)
	if col.Nullable {
		jsonValue += ",omitempty"
	}
	hanaValue := col.Name
	if col.PrimaryKey {
		hanaValue += ",pk"
	}
	tag := "json:" + strconv.Quote(jsonValue) + " hana:" + strconv.Quote(hanaValue)
	if strings.ContainsRune(tag, '`') {
		return strconv.Quote(tag)
	}
	return "`" + tag + "`"
}

// GoType returns the Go type of a column and the import it needs. Nullable columns use
// pointer types, except byte slices and decimals which carry their own null form.
func GoType(col cdc.Column) (string, string, error) {
	var base, imp string
	switch col.Kind {
	case cdc.KindInteger:
		base = "int64"
	case cdc.KindDecimal:
		if col.Nullable {
			return "decimal.NullDecimal", "github.com/shopspring/decimal", nil
		}
		return "decimal.Decimal", "github.com/shopspring/decimal", nil
	case cdc.KindFloat:
		base = "float64"
	case cdc.KindString:
		base = "string"
	case cdc.KindTimestamp:
		base, imp = "time.Time", "time"
	case cdc.KindBytes:
		return "[]byte", "", nil
	case cdc.KindBoolean:
		base = "bool"
	default:
		return "", "", fmt.Errorf("column %s has unsupported kind %q", col.Name, col.Kind)
	}
	if col.Nullable {
		return "*" + base, imp, nil
	}
	return base, imp, nil
}

// SanitizeName lowercases name, replaces every non-alphanumeric rune with '_', collapses runs
// of '_' and appends '_' when the result is a Go keyword or predeclared identifier.
func SanitizeName(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	s := b.String()
	if s == "" {
		s = "_"
	}
	if token.IsKeyword(s) || predeclared[s] {
		s += "_"
	}
	return s
}

// ExportedName turns a column or table name into an exported Go identifier:
// "ORDER_ID" becomes "OrderID", "2nd value" becomes "C2ndValue".
func ExportedName(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(SanitizeName(name), "_") {
		if part == "" {
			continue
		}
		if initialisms[part] {
			b.WriteString(strings.ToUpper(part))
			continue
		}
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	s := b.String()
	if s == "" {
		return "X"
	}
	if unicode.IsDigit([]rune(s)[0]) {
		s = "C" + s
	}
	return s
}

var initialisms = map[string]bool{
	"id": true, "url": true, "uuid": true, "ip": true, "json": true, "xml": true,
	"http": true, "api": true, "sql": true, "utc": true,
}

var predeclared = map[string]bool{
	"any": true, "bool": true, "byte": true, "comparable": true, "complex64": true,
	"complex128": true, "error": true, "float32": true, "float64": true, "int": true,
	"int8": true, "int16": true, "int32": true, "int64": true, "rune": true, "string": true,
	"uint": true, "uint8": true, "uint16": true, "uint32": true, "uint64": true, "uintptr": true,
	"true": true, "false": true, "iota": true, "nil": true, "append": true, "cap": true,
	"clear": true, "close": true, "complex": true, "copy": true, "delete": true, "imag": true,
	"len": true, "make": true, "max": true, "min": true, "new": true, "panic": true,
	"print": true, "println": true, "real": true, "recover": true,
}
