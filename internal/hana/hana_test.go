package hana

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

func newMockPool(t *testing.T, maxSize int) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pool := NewPoolFromDB(db, PoolConfig{MaxSize: maxSize}, nil)
	return pool, mock
}

func testConfig() cdc.Config {
	cfg := cdc.DefaultConfig()
	cfg.Host = "hana.local"
	cfg.User = "CDC_USER"
	cfg.ClientID = "c1"
	cfg.Tables = []string{"S.T"}
	return cfg
}

func testMeta() *cdc.TableMeta {
	return &cdc.TableMeta{
		Table: cdc.TableRef{Schema: "S", Name: "T"},
		Columns: []cdc.Column{
			{Name: "id", SourceType: "INTEGER", PrimaryKey: true, Position: 1, Kind: cdc.KindInteger},
			{Name: "name", SourceType: "NVARCHAR", Length: 100, Nullable: true, Position: 2, Kind: cdc.KindString},
		},
	}
}
