package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/redbco/hana-cdc/internal/hana"
	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/logger"
	"github.com/redbco/hana-cdc/pkg/retry"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Install the CDC schema, shadow tables and triggers",
	Long: `Creates the CDC schema, the change, status, poison and lock tables, and the AFTER
INSERT/UPDATE/DELETE triggers of every monitored table, then seeds a NEW status row for the
configured client. Running init again only adds what is missing.

Exit codes: 0 success, 2 invalid arguments, 3 infrastructure error, 4 introspection error.`,
	Args: noArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringSlice("tables", nil, "tables to monitor (SCHEMA.TABLE or TABLE), comma separated")
	initCmd.Flags().String("tables-from-file", "", "file listing one table per line")
	initCmd.Flags().String("schema", "", "default schema for unqualified table names")
	initCmd.Flags().Bool("recreate-cdc-tables", false, "drop and recreate managed triggers and shadow tables")
	initCmd.Flags().String("models-out", "", "also write generated Go row models to this file")
}

func runInit(cmd *cobra.Command, args []string) error {
	tables, _ := cmd.Flags().GetStringSlice("tables")
	tablesFile, _ := cmd.Flags().GetString("tables-from-file")
	schema, _ := cmd.Flags().GetString("schema")
	recreate, _ := cmd.Flags().GetBool("recreate-cdc-tables")
	modelsOut, _ := cmd.Flags().GetString("models-out")

	if len(tables) > 0 && tablesFile != "" {
		return usagef("--tables and --tables-from-file cannot be combined")
	}
	if tablesFile != "" {
		var err error
		if tables, err = readTablesFile(tablesFile); err != nil {
			return usageError{err}
		}
	}

	f, err := loadConfig()
	if err != nil {
		return err
	}
	if schema != "" {
		f.SourceSchema = schema
	}
	if len(tables) > 0 {
		f.Tables = tables
	}
	if err := f.Config.Validate(); err != nil {
		return err
	}
	log, err := newLogger(f.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	pool, err := openPool(ctx, f.Config, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	report, err := hana.NewManager(pool, f.Config, log).EnsureInfrastructure(ctx, recreate)
	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}
	if err != nil {
		return err
	}

	if modelsOut != "" {
		return writeModels(ctx, hana.NewIntrospector(pool), report.Tables, modelsOut, "models")
	}
	return nil
}

// openPool connects to the source, retrying transient failures.
func openPool(ctx context.Context, cfg cdc.Config, log *logger.Logger) (*hana.Pool, error) {
	var pool *hana.Pool
	err := retry.NewPolicy(cfg.Retry).Do(ctx, func(ctx context.Context) error {
		var err error
		pool, err = hana.NewPool(ctx, hana.PoolConfigFrom(cfg), log)
		return err
	})
	return pool, err
}

// readTablesFile reads table names, one per line or comma separated. Blank lines and lines
// starting with '#' are ignored.
func readTablesFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}
	defer file.Close()

	var tables []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			if part = strings.TrimSpace(part); part != "" {
				tables = append(tables, part)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("tables file %s lists no tables", path)
	}
	return tables, nil
}

func printReport(out io.Writer, r *hana.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Object\tAction")
	fmt.Fprintln(w, "------\t------")
	if r.CreatedSchema {
		fmt.Fprintln(w, "schema\tcreated")
	}
	for _, name := range r.DroppedTriggers {
		fmt.Fprintf(w, "trigger %s\tdropped\n", name)
	}
	for _, name := range r.DroppedTables {
		fmt.Fprintf(w, "table %s\tdropped\n", name)
	}
	for _, name := range r.CreatedTables {
		fmt.Fprintf(w, "table %s\tcreated\n", name)
	}
	for _, name := range r.CreatedTriggers {
		fmt.Fprintf(w, "trigger %s\tcreated\n", name)
	}
	for _, name := range r.ExistingTriggers {
		fmt.Fprintf(w, "trigger %s\tunchanged\n", name)
	}
	failed := make([]string, 0, len(r.FailedTables))
	for table := range r.FailedTables {
		failed = append(failed, table)
	}
	sort.Strings(failed)
	for _, table := range failed {
		fmt.Fprintf(w, "table %s\tskipped: %s\n", table, r.FailedTables[table])
	}
	_ = w.Flush()
	fmt.Fprintf(out, "\n%d tables monitored, %d status rows seeded\n", len(r.Tables), r.SeededStatusRows)
}
