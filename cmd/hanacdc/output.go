package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

// Output formats.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func checkOutput(format string) error {
	switch format {
	case outputTable, outputJSON, outputYAML:
		return nil
	}
	return usagef("unknown output format %q (expected table, json or yaml)", format)
}

// writeStructured renders v as JSON or YAML.
func writeStructured(out io.Writer, format string, v interface{}) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return checkOutput(format)
}

type statusDocument struct {
	ClientID string         `json:"client_id" yaml:"client_id"`
	Tables   []cdc.TableLag `json:"tables" yaml:"tables"`
}

func renderStatus(out io.Writer, format, clientID string, lags []cdc.TableLag) error {
	if format != outputTable {
		return writeStructured(out, format, statusDocument{ClientID: clientID, Tables: lags})
	}

	if len(lags) == 0 {
		fmt.Fprintln(out, "No monitored tables found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Table\tStatus\tLast Event\tSnapshot\tPending\tTotal Rows\tLag\tLast Update")
	fmt.Fprintln(w, "-----\t------\t----------\t--------\t-------\t----------\t---\t-----------")
	for _, l := range lags {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			l.Table,
			l.Status,
			optionalID(l.LastProcessedEventID),
			optionalID(l.SnapshotEventID),
			l.PendingEvents,
			l.TotalRows,
			formatLag(l),
			formatTime(l.LastClientUpdate))
	}
	return w.Flush()
}

func renderPoison(out io.Writer, format string, events []cdc.PoisonEvent) error {
	if format != outputTable {
		return writeStructured(out, format, events)
	}

	if len(events) == 0 {
		fmt.Fprintln(out, "No poison events recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Event ID\tTable\tType\tRecorded\tAcknowledged\tError")
	fmt.Fprintln(w, "--------\t-----\t----\t--------\t------------\t-----")
	for _, p := range events {
		acked := "-"
		if p.AcknowledgedAt != nil {
			acked = formatTime(*p.AcknowledgedAt)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			p.EventID, p.Table, p.TriggerType, formatTime(p.RecordedAt), acked, p.Error)
	}
	return w.Flush()
}

func optionalID(id *int64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *id)
}

func formatLag(l cdc.TableLag) string {
	if l.MaxTimestamp == nil {
		return "-"
	}
	return (time.Duration(l.LagSeconds * float64(time.Second))).Truncate(time.Millisecond).String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
