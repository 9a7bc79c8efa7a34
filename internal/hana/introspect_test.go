package hana

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

var describeColumns = []string{"COLUMN_NAME", "DATA_TYPE_NAME", "LENGTH", "SCALE", "IS_NULLABLE", "POSITION", "IS_PRIMARY_KEY"}

func TestDescribeReturnsOrderedColumns(t *testing.T) {
	pool, mock := newMockPool(t, 2)
	intro := NewIntrospector(pool)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "SYS"."TABLE_COLUMNS" c`)).
		WithArgs("S", "T").
		WillReturnRows(sqlmock.NewRows(describeColumns).
			AddRow("id", "INTEGER", int64(10), int64(0), "FALSE", int64(1), "TRUE").
			AddRow("name", "NVARCHAR", int64(100), nil, "TRUE", int64(2), "FALSE"))

	meta, err := intro.DescribeTable(context.Background(), tableST)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name"}, meta.ColumnNames())
	assert.Equal(t, cdc.KindInteger, meta.Columns[0].Kind)
	assert.True(t, meta.Columns[0].PrimaryKey)
	assert.False(t, meta.Columns[0].Nullable)
	assert.Equal(t, 100, meta.Columns[1].Length)
	assert.True(t, meta.Columns[1].Nullable)
	assert.Len(t, meta.PrimaryKey(), 1)
}

func TestDescribeKeepsGoodTablesWhenOthersFail(t *testing.T) {
	pool, mock := newMockPool(t, 2)
	intro := NewIntrospector(pool)
	missing := cdc.TableRef{Schema: "S", Name: "GONE"}
	spatial := cdc.TableRef{Schema: "S", Name: "GEO"}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "SYS"."TABLE_COLUMNS" c`)).
		WithArgs("S", "T").
		WillReturnRows(sqlmock.NewRows(describeColumns).
			AddRow("id", "INTEGER", int64(10), int64(0), "FALSE", int64(1), "TRUE"))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "SYS"."TABLE_COLUMNS" c`)).
		WithArgs("S", "GONE").
		WillReturnRows(sqlmock.NewRows(describeColumns))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "SYS"."TABLE_COLUMNS" c`)).
		WithArgs("S", "GEO").
		WillReturnRows(sqlmock.NewRows(describeColumns).
			AddRow("shape", "ST_GEOMETRY", nil, nil, "TRUE", int64(1), "FALSE"))

	metas, err := intro.Describe(context.Background(), []cdc.TableRef{tableST, missing, spatial})
	require.Error(t, err)
	assert.Equal(t, cdc.IntrospectionError, cdc.KindOf(err))
	assert.Contains(t, err.Error(), "S.GONE")
	assert.Contains(t, err.Error(), "ST_GEOMETRY")

	require.Len(t, metas, 1)
	assert.Contains(t, metas, tableST)
}

func TestDescribeReportsMissingPrivilegePerTable(t *testing.T) {
	pool, mock := newMockPool(t, 2)
	intro := NewIntrospector(pool)
	hidden := cdc.TableRef{Schema: "HR", Name: "SALARIES"}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "SYS"."TABLE_COLUMNS" c`)).
		WithArgs("HR", "SALARIES").
		WillReturnError(codeError{codeInsufficientPrivilege})
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "SYS"."TABLE_COLUMNS" c`)).
		WithArgs("S", "T").
		WillReturnRows(sqlmock.NewRows(describeColumns).
			AddRow("id", "INTEGER", int64(10), int64(0), "FALSE", int64(1), "TRUE"))

	metas, err := intro.Describe(context.Background(), []cdc.TableRef{hidden, tableST})
	require.Error(t, err)
	assert.Equal(t, cdc.IntrospectionError, cdc.KindOf(err))
	assert.False(t, cdc.IsFatal(err))
	table, ok := cdc.TableOf(err)
	require.True(t, ok)
	assert.Equal(t, hidden, table)

	require.Len(t, metas, 1)
	assert.Contains(t, metas, tableST)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDescribeAbortsOnConnectionFailure(t *testing.T) {
	pool, mock := newMockPool(t, 2)
	intro := NewIntrospector(pool)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "SYS"."TABLE_COLUMNS" c`)).
		WillReturnError(codeError{codeDeadlock})

	metas, err := intro.Describe(context.Background(), []cdc.TableRef{tableST})
	require.Error(t, err)
	assert.Nil(t, metas)
	assert.True(t, errors.Is(err, cdc.ErrConnection))
}

func TestListTables(t *testing.T) {
	pool, mock := newMockPool(t, 2)
	intro := NewIntrospector(pool)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "SYS"."TABLES"`)).
		WithArgs("S").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME"}).AddRow("A").AddRow("B"))

	tables, err := intro.ListTables(context.Background(), "S")
	require.NoError(t, err)
	assert.Equal(t, []cdc.TableRef{{Schema: "S", Name: "A"}, {Schema: "S", Name: "B"}}, tables)
}
