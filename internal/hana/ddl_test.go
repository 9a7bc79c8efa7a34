package hana

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

func TestLayoutNames(t *testing.T) {
	layout := LayoutFor(testConfig())

	assert.Equal(t, "CDC", layout.Schema)
	assert.Equal(t, "cdc", layout.ChangeTable)
	assert.Equal(t, "cdc_status", layout.StatusTable)
	assert.Equal(t, "cdc_poison", layout.PoisonTable)
	assert.Equal(t, "cdc_lock", layout.LockTable)

	table := cdc.TableRef{Schema: "S", Name: "T"}
	assert.Equal(t, "cdc_T_ins", layout.TriggerName(table, cdc.TriggerInsert))
	assert.Equal(t, "cdc_T_upd", layout.TriggerName(table, cdc.TriggerUpdate))
	assert.Equal(t, "cdc_T_del", layout.TriggerName(table, cdc.TriggerDelete))
}

func TestIsManagedTrigger(t *testing.T) {
	layout := LayoutFor(testConfig())

	assert.True(t, layout.IsManagedTrigger("cdc_T_ins"))
	assert.True(t, layout.IsManagedTrigger("cdc_ORDER_ITEMS_del"))
	assert.False(t, layout.IsManagedTrigger("cdc_ins"))
	assert.False(t, layout.IsManagedTrigger("audit_T_ins"))
	assert.False(t, layout.IsManagedTrigger("cdc_T_insert"))
}

func TestCreateChangeTableSQL(t *testing.T) {
	sql := LayoutFor(testConfig()).CreateChangeTableSQL()

	assert.True(t, strings.HasPrefix(sql, `CREATE COLUMN TABLE "CDC"."cdc" (`))
	assert.Contains(t, sql, `"event_id" BIGINT GENERATED ALWAYS AS IDENTITY NOT NULL PRIMARY KEY`)
	assert.Contains(t, sql, `"trigger_type" CHAR(6) NOT NULL`)
	assert.Contains(t, sql, `"old_values" NCLOB`)
}

func TestCreateStatusTableSQLHasCompositeKey(t *testing.T) {
	sql := LayoutFor(testConfig()).CreateStatusTableSQL()

	assert.Contains(t, sql, `"CDC"."cdc_status"`)
	assert.Contains(t, sql, `PRIMARY KEY ("client_id", "schema_name", "table_name")`)
	for _, col := range statusColumns {
		assert.Contains(t, sql, `"`+col+`"`)
	}
}

func TestCreateTriggerSQL(t *testing.T) {
	layout := LayoutFor(testConfig())
	meta := testMeta()

	tests := []struct {
		tt          cdc.TriggerType
		name        string
		referencing string
		hasOld      bool
		hasNew      bool
	}{
		{cdc.TriggerInsert, `"CDC"."cdc_T_ins"`, "REFERENCING NEW ROW AS NEW_ROW\n", false, true},
		{cdc.TriggerUpdate, `"CDC"."cdc_T_upd"`, "REFERENCING OLD ROW AS OLD_ROW NEW ROW AS NEW_ROW\n", true, true},
		{cdc.TriggerDelete, `"CDC"."cdc_T_del"`, "REFERENCING OLD ROW AS OLD_ROW\n", true, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.tt), func(t *testing.T) {
			sql := layout.CreateTriggerSQL(meta, tc.tt)

			assert.True(t, strings.HasPrefix(sql, "CREATE TRIGGER "+tc.name))
			assert.Contains(t, sql, "AFTER "+string(tc.tt)+` ON "S"."T"`)
			assert.Contains(t, sql, tc.referencing)
			assert.Contains(t, sql, "FOR EACH ROW")
			assert.Contains(t, sql, `INSERT INTO "CDC"."cdc" ("event_timestamp", "transaction_id", "schema_name", "table_name", "trigger_type", "old_values", "new_values")`)
			assert.Contains(t, sql, "'S', 'T', '"+string(tc.tt)+"'")
			assert.Equal(t, tc.hasOld, strings.Contains(sql, `:OLD_ROW."id"`))
			assert.Equal(t, tc.hasNew, strings.Contains(sql, `:NEW_ROW."name"`))
		})
	}
}

func TestQuoteIdentifierEscapesQuotes(t *testing.T) {
	assert.Equal(t, `"a""b"`, QuoteIdentifier(`a"b`))
	assert.Equal(t, `'it''s'`, QuoteLiteral("it's"))
	assert.Equal(t, `"S"."T"`, QualifiedTable(cdc.TableRef{Schema: "S", Name: "T"}))
}
