package hana

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/logger"
)

// triggerInfo is one trigger found in the CDC schema.
type triggerInfo struct {
	Name    string
	Subject cdc.TableRef
}

// catalog is the slice of the database the infrastructure manager reads and changes.
type catalog interface {
	schemaExists(ctx context.Context, schema string) (bool, error)
	// tableColumns returns nil when the table does not exist.
	tableColumns(ctx context.Context, schema, table string) ([]string, error)
	triggers(ctx context.Context, schema string) ([]triggerInfo, error)
	exec(ctx context.Context, query string, args ...interface{}) (int64, error)
}

// locker serializes infrastructure changes across processes.
type locker interface {
	withLock(ctx context.Context, key string, fn func(context.Context) error) error
}

type describer func(ctx context.Context, tables []cdc.TableRef) (map[cdc.TableRef]*cdc.TableMeta, error)

// Report lists what EnsureInfrastructure did.
type Report struct {
	CreatedSchema    bool              `json:"created_schema" yaml:"created_schema"`
	CreatedTables    []string          `json:"created_tables,omitempty" yaml:"created_tables,omitempty"`
	DroppedTables    []string          `json:"dropped_tables,omitempty" yaml:"dropped_tables,omitempty"`
	CreatedTriggers  []string          `json:"created_triggers,omitempty" yaml:"created_triggers,omitempty"`
	DroppedTriggers  []string          `json:"dropped_triggers,omitempty" yaml:"dropped_triggers,omitempty"`
	ExistingTriggers []string          `json:"existing_triggers,omitempty" yaml:"existing_triggers,omitempty"`
	SeededStatusRows int               `json:"seeded_status_rows" yaml:"seeded_status_rows"`
	Tables           []cdc.TableRef    `json:"tables" yaml:"tables"`
	FailedTables     map[string]string `json:"failed_tables,omitempty" yaml:"failed_tables,omitempty"`
}

// Manager creates and verifies the CDC schema, shadow tables and triggers.
type Manager struct {
	cfg      cdc.Config
	layout   Layout
	cat      catalog
	lock     locker
	describe describer
	logger   *logger.Logger
}

// NewManager creates an infrastructure manager on the pool.
func NewManager(pool *Pool, cfg cdc.Config, log *logger.Logger) *Manager {
	layout := LayoutFor(cfg)
	return newManager(cfg, layout, &sqlCatalog{pool: pool}, &sqlLocker{pool: pool, layout: layout},
		NewIntrospector(pool).Describe, log)
}

func newManager(cfg cdc.Config, layout Layout, cat catalog, lock locker, describe describer, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		cfg:      cfg,
		layout:   layout,
		cat:      cat,
		lock:     lock,
		describe: describe,
		logger:   log.WithComponent("infrastructure"),
	}
}

// Layout returns the shadow object names.
func (m *Manager) Layout() Layout {
	return m.layout
}

// EnsureInfrastructure creates whatever is missing of the CDC schema, the change, status and
// poison tables, the triggers of every monitored table and the NEW status rows. With force the
// managed triggers and shadow tables are dropped first; monitored tables are never dropped.
//
// Tables that cannot be introspected are skipped and reported as a joined IntrospectionError
// after everything else has been installed.
func (m *Manager) EnsureInfrastructure(ctx context.Context, force bool) (*Report, error) {
	tables, err := m.cfg.MonitoredTables()
	if err != nil {
		return nil, err
	}
	types, err := m.cfg.TriggerTypes()
	if err != nil {
		return nil, err
	}

	metas, introErr := m.describe(ctx, tables)
	if metas == nil && introErr != nil {
		return nil, introErr
	}

	report := &Report{FailedTables: map[string]string{}}
	for _, t := range tables {
		if _, ok := metas[t]; ok {
			report.Tables = append(report.Tables, t)
		}
	}
	if introErr != nil {
		for _, err := range unjoin(introErr) {
			if table, ok := cdc.TableOf(err); ok {
				report.FailedTables[table.String()] = err.Error()
				m.logger.Warn("skipping %s: %v", table, err)
			}
		}
	}

	if err := m.ensureSchema(ctx, report); err != nil {
		return report, err
	}

	err = m.lock.withLock(ctx, m.layout.Schema, func(ctx context.Context) error {
		if force {
			if err := m.dropManaged(ctx, report); err != nil {
				return err
			}
		}
		if err := m.ensureTables(ctx, report); err != nil {
			return err
		}
		if err := m.ensureTriggers(ctx, metas, types, report); err != nil {
			return err
		}
		return m.seedStatusRows(ctx, report)
	})
	if err != nil {
		return report, err
	}

	m.logger.Info("infrastructure ready in %s: %d tables, %d triggers created, %d status rows seeded",
		m.layout.Schema, len(report.Tables), len(report.CreatedTriggers), report.SeededStatusRows)
	return report, introErr
}

// RefreshTriggers drops and recreates the triggers of one table so that their payloads match
// its current columns.
func (m *Manager) RefreshTriggers(ctx context.Context, meta *cdc.TableMeta) error {
	types, err := m.cfg.TriggerTypes()
	if err != nil {
		return err
	}
	return m.lock.withLock(ctx, m.layout.Schema, func(ctx context.Context) error {
		existing, err := m.managedTriggers(ctx)
		if err != nil {
			return err
		}
		for _, tt := range cdc.AllTriggerTypes {
			name := m.layout.TriggerName(meta.Table, tt)
			if info, ok := existing[name]; ok {
				if info.Subject != meta.Table {
					return m.collision("trigger", name, fmt.Sprintf("it is defined on %s", info.Subject))
				}
				if _, err := m.cat.exec(ctx, m.layout.DropTriggerSQL(name)); err != nil {
					return classify(cdc.InfrastructureError, "drop_trigger", err)
				}
			}
		}
		for _, tt := range types {
			if _, err := m.cat.exec(ctx, m.layout.CreateTriggerSQL(meta, tt)); err != nil {
				return classify(cdc.InfrastructureError, "create_trigger", err)
			}
		}
		m.logger.Info("refreshed triggers of %s", meta.Table)
		return nil
	})
}

// TriggerAudit is the result of VerifyTriggers.
type TriggerAudit struct {
	Present []string `json:"present" yaml:"present"`
	Missing []string `json:"missing,omitempty" yaml:"missing,omitempty"`
	Foreign []string `json:"foreign,omitempty" yaml:"foreign,omitempty"`
}

// Complete reports whether every expected trigger is installed on its table.
func (a *TriggerAudit) Complete() bool {
	return len(a.Missing) == 0 && len(a.Foreign) == 0
}

// VerifyTriggers checks that each monitored table carries exactly the configured triggers.
func (m *Manager) VerifyTriggers(ctx context.Context) (*TriggerAudit, error) {
	tables, err := m.cfg.MonitoredTables()
	if err != nil {
		return nil, err
	}
	types, err := m.cfg.TriggerTypes()
	if err != nil {
		return nil, err
	}
	existing, err := m.managedTriggers(ctx)
	if err != nil {
		return nil, err
	}

	audit := &TriggerAudit{}
	for _, t := range tables {
		for _, tt := range types {
			name := m.layout.TriggerName(t, tt)
			info, ok := existing[name]
			switch {
			case !ok:
				audit.Missing = append(audit.Missing, name)
			case info.Subject != t:
				audit.Foreign = append(audit.Foreign, name)
			default:
				audit.Present = append(audit.Present, name)
			}
		}
	}
	return audit, nil
}

func (m *Manager) ensureSchema(ctx context.Context, report *Report) error {
	exists, err := m.cat.schemaExists(ctx, m.layout.Schema)
	if err != nil {
		return classify(cdc.InfrastructureError, "ensure_schema", err)
	}
	if exists {
		return nil
	}
	if _, err := m.cat.exec(ctx, m.layout.CreateSchemaSQL()); err != nil {
		if isDuplicateObject(err) {
			return nil
		}
		return classify(cdc.InfrastructureError, "create_schema", err)
	}
	report.CreatedSchema = true
	m.logger.Info("created schema %s", m.layout.Schema)
	return nil
}

type shadowTable struct {
	name    string
	columns []string
	create  []string
}

func (m *Manager) shadowTables() []shadowTable {
	return []shadowTable{
		{name: m.layout.ChangeTable, columns: changeColumns,
			create: []string{m.layout.CreateChangeTableSQL(), m.layout.CreateChangeIndexSQL()}},
		{name: m.layout.StatusTable, columns: statusColumns,
			create: []string{m.layout.CreateStatusTableSQL()}},
		{name: m.layout.PoisonTable, columns: poisonColumns,
			create: []string{m.layout.CreatePoisonTableSQL()}},
	}
}

func (m *Manager) ensureTables(ctx context.Context, report *Report) error {
	for _, st := range m.shadowTables() {
		columns, err := m.cat.tableColumns(ctx, m.layout.Schema, st.name)
		if err != nil {
			return classify(cdc.InfrastructureError, "inspect_table", err)
		}
		if columns != nil {
			if missing := missingColumns(columns, st.columns); len(missing) > 0 {
				return m.collision("table", st.name, "it lacks columns "+strings.Join(missing, ", "))
			}
			continue
		}

		for _, stmt := range st.create {
			if _, err := m.cat.exec(ctx, stmt); err != nil {
				return classify(cdc.InfrastructureError, "create_table", err)
			}
		}
		report.CreatedTables = append(report.CreatedTables, st.name)
		m.logger.Info("created table %s", QualifiedName(m.layout.Schema, st.name))
	}
	return nil
}

func (m *Manager) ensureTriggers(ctx context.Context, metas map[cdc.TableRef]*cdc.TableMeta, types []cdc.TriggerType, report *Report) error {
	existing, err := m.managedTriggers(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[cdc.TriggerType]bool, len(types))
	for _, tt := range types {
		wanted[tt] = true
	}

	for _, table := range sortedTables(metas) {
		meta := metas[table]
		for _, tt := range cdc.AllTriggerTypes {
			name := m.layout.TriggerName(table, tt)
			info, exists := existing[name]
			if exists && info.Subject != table {
				return m.collision("trigger", name, fmt.Sprintf("it is defined on %s", info.Subject))
			}

			switch {
			case wanted[tt] && exists:
				report.ExistingTriggers = append(report.ExistingTriggers, name)
			case wanted[tt]:
				if _, err := m.cat.exec(ctx, m.layout.CreateTriggerSQL(meta, tt)); err != nil {
					return withTable(classify(cdc.InfrastructureError, "create_trigger", err), table)
				}
				report.CreatedTriggers = append(report.CreatedTriggers, name)
				m.logger.Info("created trigger %s on %s", name, table)
			case exists:
				if _, err := m.cat.exec(ctx, m.layout.DropTriggerSQL(name)); err != nil {
					return classify(cdc.InfrastructureError, "drop_trigger", err)
				}
				report.DroppedTriggers = append(report.DroppedTriggers, name)
				m.logger.Info("dropped trigger %s of unmonitored change type %s", name, tt)
			}
		}
	}
	return nil
}

func (m *Manager) seedStatusRows(ctx context.Context, report *Report) error {
	for _, t := range report.Tables {
		n, err := m.cat.exec(ctx, m.layout.SeedStatusSQL(),
			m.cfg.ClientID, t.Schema, t.Name, m.cfg.ClientID, t.Schema, t.Name)
		if err != nil {
			if isDuplicateObject(err) {
				continue
			}
			return classify(cdc.InfrastructureError, "seed_status", err)
		}
		report.SeededStatusRows += int(n)
	}
	return nil
}

// dropManaged drops managed triggers, then the poison, status and change tables. The lock
// table and monitored tables are kept.
func (m *Manager) dropManaged(ctx context.Context, report *Report) error {
	existing, err := m.managedTriggers(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(existing))
	for name := range existing {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := m.cat.exec(ctx, m.layout.DropTriggerSQL(name)); err != nil {
			return classify(cdc.InfrastructureError, "drop_trigger", err)
		}
		report.DroppedTriggers = append(report.DroppedTriggers, name)
	}

	tables := m.shadowTables()
	for i := len(tables) - 1; i >= 0; i-- {
		name := tables[i].name
		columns, err := m.cat.tableColumns(ctx, m.layout.Schema, name)
		if err != nil {
			return classify(cdc.InfrastructureError, "inspect_table", err)
		}
		if columns == nil {
			continue
		}
		if missing := missingColumns(columns, tables[i].columns); len(missing) > 0 {
			return m.collision("table", name, "it lacks columns "+strings.Join(missing, ", "))
		}
		if _, err := m.cat.exec(ctx, m.layout.DropTableSQL(name)); err != nil {
			return classify(cdc.InfrastructureError, "drop_table", err)
		}
		report.DroppedTables = append(report.DroppedTables, name)
	}

	m.logger.Warn("recreating CDC objects in %s: dropped %d triggers and %d tables",
		m.layout.Schema, len(report.DroppedTriggers), len(report.DroppedTables))
	return nil
}

// managedTriggers returns the triggers of the CDC schema that follow the managed naming scheme.
func (m *Manager) managedTriggers(ctx context.Context) (map[string]triggerInfo, error) {
	all, err := m.cat.triggers(ctx, m.layout.Schema)
	if err != nil {
		return nil, classify(cdc.InfrastructureError, "list_triggers", err)
	}
	out := make(map[string]triggerInfo, len(all))
	for _, t := range all {
		if m.layout.IsManagedTrigger(t.Name) {
			out[t.Name] = t
		}
	}
	return out, nil
}

func (m *Manager) collision(kind, name, detail string) error {
	return cdc.NewInfrastructureError("ensure_infrastructure",
		fmt.Errorf("%s %s already exists and is not managed by hana-cdc: %s",
			kind, QualifiedName(m.layout.Schema, name), detail))
}

func missingColumns(have, want []string) []string {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[strings.ToLower(c)] = true
	}
	var missing []string
	for _, c := range want {
		if !set[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

func sortedTables(metas map[cdc.TableRef]*cdc.TableMeta) []cdc.TableRef {
	out := make([]cdc.TableRef, 0, len(metas))
	for t := range metas {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func unjoin(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// sqlCatalog reads the SYS catalog views through the pool.
type sqlCatalog struct {
	pool *Pool
}

func (c *sqlCatalog) schemaExists(ctx context.Context, schema string) (bool, error) {
	var n int
	err := c.pool.With(ctx, func(sess *Session) error {
		return sess.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM "SYS"."SCHEMAS" WHERE "SCHEMA_NAME" = ?`, schema).Scan(&n)
	})
	return n > 0, err
}

func (c *sqlCatalog) tableColumns(ctx context.Context, schema, table string) ([]string, error) {
	var columns []string
	err := c.pool.With(ctx, func(sess *Session) error {
		rows, err := sess.QueryContext(ctx,
			`SELECT "COLUMN_NAME" FROM "SYS"."TABLE_COLUMNS" WHERE "SCHEMA_NAME" = ? AND "TABLE_NAME" = ? ORDER BY "POSITION"`,
			schema, table)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			columns = append(columns, name)
		}
		return rows.Err()
	})
	return columns, err
}

func (c *sqlCatalog) triggers(ctx context.Context, schema string) ([]triggerInfo, error) {
	var out []triggerInfo
	err := c.pool.With(ctx, func(sess *Session) error {
		rows, err := sess.QueryContext(ctx,
			`SELECT "TRIGGER_NAME", "SUBJECT_TABLE_SCHEMA", "SUBJECT_TABLE_NAME" FROM "SYS"."TRIGGERS" WHERE "SCHEMA_NAME" = ?`,
			schema)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t triggerInfo
			if err := rows.Scan(&t.Name, &t.Subject.Schema, &t.Subject.Name); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func (c *sqlCatalog) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	err := c.pool.With(ctx, func(sess *Session) error {
		res, err := sess.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// sqlLocker holds a row lock in the lock table on a dedicated session. DDL auto-commits in
// HANA, so the guarded work has to run on other sessions of the pool.
type sqlLocker struct {
	pool   *Pool
	layout Layout
}

func (l *sqlLocker) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l.pool.cfg.MaxSize < 2 {
		return cdc.NewConfigurationError("max_pool_size", "at least 2 sessions are needed to change CDC infrastructure")
	}

	sess, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()

	if _, err := sess.ExecContext(ctx, l.layout.CreateLockTableSQL()); err != nil && !isDuplicateObject(err) {
		return classify(cdc.InfrastructureError, "create_lock_table", err)
	}
	insert := fmt.Sprintf(`INSERT INTO %s ("lock_key") SELECT ? FROM DUMMY
WHERE NOT EXISTS (SELECT 1 FROM %s WHERE "lock_key" = ?)`, l.layout.lockTable(), l.layout.lockTable())
	if _, err := sess.ExecContext(ctx, insert, key, key); err != nil && !isDuplicateObject(err) {
		return classify(cdc.InfrastructureError, "init_lock", err)
	}

	tx, err := sess.BeginTx(ctx, nil)
	if err != nil {
		return classify(cdc.ConnectionError, "acquire_lock", err)
	}
	defer func() { _ = tx.Rollback() }()

	var held string
	query := fmt.Sprintf(`SELECT "lock_key" FROM %s WHERE "lock_key" = ? FOR UPDATE`, l.layout.lockTable())
	if err := tx.QueryRowContext(ctx, query, key).Scan(&held); err != nil {
		return classify(cdc.InfrastructureError, "acquire_lock", err)
	}

	return fn(ctx)
}
