package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/redbco/hana-cdc/internal/engine"
	"github.com/redbco/hana-cdc/pkg/cdc"
)

// pauseCmd represents the pause command
var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause change delivery of an active table",
	Args:  noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withTable(cmd, func(ctx context.Context, eng *engine.Engine, table cdc.TableRef) error {
			if err := eng.Pause(ctx, table, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paused %s\n", table)
			return nil
		})
	},
}

// resumeCmd represents the resume command
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume change delivery of a paused table",
	Long: `Resumes a paused table. When its columns changed since activation the triggers are
recreated and the new column list is frozen.`,
	Args: noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTable(cmd, func(ctx context.Context, eng *engine.Engine, table cdc.TableRef) error {
			if err := eng.Resume(ctx, table); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s\n", table)
			return nil
		})
	},
}

// poisonCmd represents the poison command
var poisonCmd = &cobra.Command{
	Use:   "poison",
	Short: "Inspect and acknowledge change events that could not be decoded",
}

// poisonListCmd represents the poison list command
var poisonListCmd = &cobra.Command{
	Use:   "list",
	Short: "List poison events of the client",
	Args:  noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		if err := checkOutput(format); err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			events, err := eng.PoisonEvents(ctx)
			if err != nil {
				return err
			}
			return renderPoison(cmd.OutOrStdout(), format, events)
		})
	},
}

// poisonAckCmd represents the poison ack command
var poisonAckCmd = &cobra.Command{
	Use:   "ack",
	Short: "Acknowledge a poison event so its table moves past it",
	Args:  noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("event-id")
		eventID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || eventID <= 0 {
			return usagef("--event-id must be a positive event id, got %q", raw)
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			if err := eng.AcknowledgePoison(ctx, eventID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged poison event %d\n", eventID)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{pauseCmd, resumeCmd} {
		c.Flags().String("table", "", "table as SCHEMA.TABLE, or TABLE in the source schema (required)")
	}
	pauseCmd.Flags().String("reason", "", "reason recorded on the status row")

	poisonListCmd.Flags().StringP("output", "o", outputTable, "output format: table, json or yaml")
	poisonAckCmd.Flags().String("event-id", "", "event id of the poison event (required)")
}

// withEngine opens an engine for the duration of fn.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine) error) error {
	f, log, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	eng, err := engine.Open(ctx, f.Config, log)
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(ctx, eng)
}

// withTable resolves the --table flag against the source schema and opens an engine.
func withTable(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine, table cdc.TableRef) error) error {
	raw, _ := cmd.Flags().GetString("table")
	if raw == "" {
		return usagef("--table is required")
	}
	return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
		table, err := cdc.ParseTableRef(raw, eng.Config().SourceSchema)
		if err != nil {
			return usageError{err}
		}
		return fn(ctx, eng, table)
	})
}
