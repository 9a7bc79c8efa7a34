package hana

import (
	"fmt"
	"strings"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

// Change table columns, in insert order.
var changeColumns = []string{
	"event_id", "event_timestamp", "transaction_id", "schema_name",
	"table_name", "trigger_type", "old_values", "new_values",
}

// Status table columns, in select order.
var statusColumns = []string{
	"client_id", "schema_name", "table_name", "status",
	"last_processed_event_id", "last_processed_timestamp", "snapshot_event_id",
	"load_cursor", "column_signature", "status_reason", "created_at", "updated_at",
}

// Poison table columns, in select order.
var poisonColumns = []string{
	"client_id", "event_id", "schema_name", "table_name", "trigger_type",
	"error_message", "raw_old_values", "raw_new_values", "recorded_at", "acknowledged_at",
}

// Layout names the shadow objects inside the CDC schema.
type Layout struct {
	Schema      string
	ChangeTable string
	StatusTable string
	PoisonTable string
	LockTable   string
	triggerName func(cdc.TableRef, cdc.TriggerType) string
}

// LayoutFor derives the layout from the engine configuration.
func LayoutFor(cfg cdc.Config) Layout {
	return Layout{
		Schema:      cfg.CDCSchema,
		ChangeTable: cfg.ChangeTableName,
		StatusTable: cfg.StatusTableName(),
		PoisonTable: cfg.PoisonTableName(),
		LockTable:   cfg.LockTableName(),
		triggerName: cfg.TriggerName,
	}
}

func (l Layout) changeTable() string { return QualifiedName(l.Schema, l.ChangeTable) }
func (l Layout) statusTable() string { return QualifiedName(l.Schema, l.StatusTable) }
func (l Layout) poisonTable() string { return QualifiedName(l.Schema, l.PoisonTable) }
func (l Layout) lockTable() string   { return QualifiedName(l.Schema, l.LockTable) }

// TriggerName returns the managed trigger name for a table and operation.
func (l Layout) TriggerName(table cdc.TableRef, tt cdc.TriggerType) string {
	if l.triggerName != nil {
		return l.triggerName(table, tt)
	}
	return l.ChangeTable + "_" + table.Name + "_" + tt.Suffix()
}

// IsManagedTrigger reports whether a trigger name follows the managed naming scheme.
func (l Layout) IsManagedTrigger(name string) bool {
	if !strings.HasPrefix(name, l.ChangeTable+"_") {
		return false
	}
	for _, tt := range cdc.AllTriggerTypes {
		if strings.HasSuffix(name, "_"+tt.Suffix()) && len(name) > len(l.ChangeTable)+len(tt.Suffix())+2 {
			return true
		}
	}
	return false
}

// CreateSchemaSQL creates the CDC schema.
func (l Layout) CreateSchemaSQL() string {
	return "CREATE SCHEMA " + QuoteIdentifier(l.Schema)
}

// CreateChangeTableSQL creates the append-only change table.
func (l Layout) CreateChangeTableSQL() string {
	return fmt.Sprintf(`CREATE COLUMN TABLE %s (
	"event_id" BIGINT GENERATED ALWAYS AS IDENTITY NOT NULL PRIMARY KEY,
	"event_timestamp" TIMESTAMP NOT NULL,
	"transaction_id" VARCHAR(128),
	"schema_name" NVARCHAR(256) NOT NULL,
	"table_name" NVARCHAR(256) NOT NULL,
	"trigger_type" CHAR(6) NOT NULL,
	"old_values" NCLOB,
	"new_values" NCLOB
)`, l.changeTable())
}

// CreateChangeIndexSQL indexes the change table for per-table incremental scans.
func (l Layout) CreateChangeIndexSQL() string {
	return fmt.Sprintf(`CREATE INDEX %s ON %s ("schema_name", "table_name", "event_id")`,
		QualifiedName(l.Schema, l.ChangeTable+"_table_idx"), l.changeTable())
}

// CreateStatusTableSQL creates the per-client status table.
func (l Layout) CreateStatusTableSQL() string {
	return fmt.Sprintf(`CREATE COLUMN TABLE %s (
	"client_id" NVARCHAR(256) NOT NULL,
	"schema_name" NVARCHAR(256) NOT NULL,
	"table_name" NVARCHAR(256) NOT NULL,
	"status" VARCHAR(20) NOT NULL,
	"last_processed_event_id" BIGINT,
	"last_processed_timestamp" TIMESTAMP,
	"snapshot_event_id" BIGINT,
	"load_cursor" NCLOB,
	"column_signature" NCLOB,
	"status_reason" NVARCHAR(1000),
	"created_at" TIMESTAMP NOT NULL,
	"updated_at" TIMESTAMP NOT NULL,
	PRIMARY KEY ("client_id", "schema_name", "table_name")
)`, l.statusTable())
}

// CreatePoisonTableSQL creates the poison-event log.
func (l Layout) CreatePoisonTableSQL() string {
	return fmt.Sprintf(`CREATE COLUMN TABLE %s (
	"client_id" NVARCHAR(256) NOT NULL,
	"event_id" BIGINT NOT NULL,
	"schema_name" NVARCHAR(256) NOT NULL,
	"table_name" NVARCHAR(256) NOT NULL,
	"trigger_type" CHAR(6) NOT NULL,
	"error_message" NVARCHAR(5000),
	"raw_old_values" NCLOB,
	"raw_new_values" NCLOB,
	"recorded_at" TIMESTAMP NOT NULL,
	"acknowledged_at" TIMESTAMP,
	PRIMARY KEY ("client_id", "event_id")
)`, l.poisonTable())
}

// CreateLockTableSQL creates the table backing the DDL advisory lock.
func (l Layout) CreateLockTableSQL() string {
	return fmt.Sprintf(`CREATE COLUMN TABLE %s (
	"lock_key" NVARCHAR(256) NOT NULL PRIMARY KEY
)`, l.lockTable())
}

// DropTableSQL drops a table of the CDC schema.
func (l Layout) DropTableSQL(name string) string {
	return "DROP TABLE " + QualifiedName(l.Schema, name)
}

// DropTriggerSQL drops a trigger of the CDC schema.
func (l Layout) DropTriggerSQL(name string) string {
	return "DROP TRIGGER " + QualifiedName(l.Schema, name)
}

// CreateTriggerSQL builds the AFTER trigger writing one change row per affected row.
func (l Layout) CreateTriggerSQL(meta *cdc.TableMeta, tt cdc.TriggerType) string {
	var referencing, oldExpr, newExpr string
	switch tt {
	case cdc.TriggerInsert:
		referencing = "REFERENCING NEW ROW AS NEW_ROW"
		oldExpr = "NULL"
		newExpr = jsonObjectExpr(meta.Columns, triggerRowRef("NEW_ROW"))
	case cdc.TriggerUpdate:
		referencing = "REFERENCING OLD ROW AS OLD_ROW NEW ROW AS NEW_ROW"
		oldExpr = jsonObjectExpr(meta.Columns, triggerRowRef("OLD_ROW"))
		newExpr = jsonObjectExpr(meta.Columns, triggerRowRef("NEW_ROW"))
	case cdc.TriggerDelete:
		referencing = "REFERENCING OLD ROW AS OLD_ROW"
		oldExpr = jsonObjectExpr(meta.Columns, triggerRowRef("OLD_ROW"))
		newExpr = "NULL"
	}

	return fmt.Sprintf(`CREATE TRIGGER %s
AFTER %s ON %s
%s
FOR EACH ROW
BEGIN
	INSERT INTO %s (%s)
	VALUES (CURRENT_UTCTIMESTAMP, TO_VARCHAR(CURRENT_UPDATE_TRANSACTION()), %s, %s, %s, %s, %s);
END`,
		QualifiedName(l.Schema, l.TriggerName(meta.Table, tt)),
		tt, QualifiedTable(meta.Table),
		referencing,
		l.changeTable(), strings.Join(quotedColumns(changeColumns[1:]), ", "),
		QuoteLiteral(meta.Table.Schema), QuoteLiteral(meta.Table.Name), QuoteLiteral(string(tt)),
		oldExpr, newExpr)
}
