package hana

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

const describeTableSQL = `
SELECT c."COLUMN_NAME", c."DATA_TYPE_NAME", c."LENGTH", c."SCALE", c."IS_NULLABLE", c."POSITION",
	CASE WHEN pk."COLUMN_NAME" IS NOT NULL THEN 'TRUE' ELSE 'FALSE' END AS "IS_PRIMARY_KEY"
FROM "SYS"."TABLE_COLUMNS" c
LEFT JOIN (
	SELECT DISTINCT "SCHEMA_NAME", "TABLE_NAME", "COLUMN_NAME"
	FROM "SYS"."CONSTRAINTS"
	WHERE "IS_PRIMARY_KEY" = 'TRUE'
) pk ON pk."SCHEMA_NAME" = c."SCHEMA_NAME" AND pk."TABLE_NAME" = c."TABLE_NAME" AND pk."COLUMN_NAME" = c."COLUMN_NAME"
WHERE c."SCHEMA_NAME" = ? AND c."TABLE_NAME" = ?
ORDER BY c."POSITION"`

const listTablesSQL = `
SELECT "TABLE_NAME" FROM "SYS"."TABLES"
WHERE "SCHEMA_NAME" = ? AND "IS_USER_DEFINED_TYPE" = 'FALSE'
ORDER BY "TABLE_NAME"`

// Introspector reads column metadata from the HANA catalog.
type Introspector struct {
	pool *Pool
}

// NewIntrospector creates an introspector on the pool.
func NewIntrospector(pool *Pool) *Introspector {
	return &Introspector{pool: pool}
}

// Describe returns metadata for each table. Tables that cannot be described are left out of
// the map and reported as joined IntrospectionErrors; the others are still returned.
func (i *Introspector) Describe(ctx context.Context, tables []cdc.TableRef) (map[cdc.TableRef]*cdc.TableMeta, error) {
	metas := make(map[cdc.TableRef]*cdc.TableMeta, len(tables))
	var errs []error

	err := i.pool.With(ctx, func(sess *Session) error {
		for _, table := range tables {
			meta, err := describeTable(ctx, sess, table)
			if err != nil {
				if cdc.KindOf(err) != cdc.IntrospectionError {
					return err
				}
				errs = append(errs, err)
				continue
			}
			metas[table] = meta
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return metas, errors.Join(errs...)
}

// DescribeTable returns metadata for one table.
func (i *Introspector) DescribeTable(ctx context.Context, table cdc.TableRef) (*cdc.TableMeta, error) {
	var meta *cdc.TableMeta
	err := i.pool.With(ctx, func(sess *Session) error {
		var err error
		meta, err = describeTable(ctx, sess, table)
		return err
	})
	return meta, err
}

// ListTables returns the user tables of a schema.
func (i *Introspector) ListTables(ctx context.Context, schema string) ([]cdc.TableRef, error) {
	var tables []cdc.TableRef
	err := i.pool.With(ctx, func(sess *Session) error {
		rows, err := sess.QueryContext(ctx, listTablesSQL, schema)
		if err != nil {
			return classify(cdc.IntrospectionError, "list_tables", err)
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return classify(cdc.IntrospectionError, "list_tables", err)
			}
			tables = append(tables, cdc.TableRef{Schema: schema, Name: name})
		}
		return classify(cdc.IntrospectionError, "list_tables", rows.Err())
	})
	return tables, err
}

func describeTable(ctx context.Context, sess *Session, table cdc.TableRef) (*cdc.TableMeta, error) {
	wrap := func(err error) error {
		return withTable(classify(cdc.IntrospectionError, "describe_table", err), table)
	}

	rows, err := sess.QueryContext(ctx, describeTableSQL, table.Schema, table.Name)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	meta := &cdc.TableMeta{Table: table}
	for rows.Next() {
		var (
			col                  cdc.Column
			length, scale        sql.NullInt64
			nullable, primaryKey string
		)
		if err := rows.Scan(&col.Name, &col.SourceType, &length, &scale, &nullable, &col.Position, &primaryKey); err != nil {
			return nil, wrap(err)
		}
		col.Length = int(length.Int64)
		col.Scale = int(scale.Int64)
		col.Nullable = nullable == "TRUE"
		col.PrimaryKey = primaryKey == "TRUE"

		kind, ok := LogicalKindOf(col.SourceType)
		if !ok {
			return nil, cdc.NewIntrospectionError("describe_table", table,
				fmt.Errorf("column %s has unsupported type %s", col.Name, col.SourceType))
		}
		col.Kind = kind
		meta.Columns = append(meta.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}

	if len(meta.Columns) == 0 {
		return nil, cdc.NewIntrospectionError("describe_table", table,
			errors.New("table does not exist or its columns are not visible to the connected user"))
	}

	sort.SliceStable(meta.Columns, func(a, b int) bool {
		return meta.Columns[a].Position < meta.Columns[b].Position
	})
	return meta, nil
}
