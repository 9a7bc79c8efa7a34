// Package cdc defines the public contract of the SAP HANA change-data-capture engine.
//
// The engine installs triggers on monitored source tables. The triggers append one row per
// INSERT, UPDATE or DELETE to a shadow change table. Independent consumer clients then read
// ordered change events from that table, each with durable per-table cursor state kept in a
// shadow status table.
//
// # Contents
//
//   - ChangeEvent, Values and Batch: the records handed to consumers
//   - TableStatus and ClientTableStatus: the per-(client, table) state machine
//   - TableMeta and Column: introspected source metadata with logical kinds
//   - EventSink: the contract implemented by downstream writers
//   - Config: the structured engine configuration
//   - Error: the error taxonomy shared by all components
//
// # Usage
//
//	cfg := cdc.DefaultConfig()
//	cfg.Host = "hana.local"
//	cfg.User = "CDC_USER"
//	cfg.ClientID = "c1"
//	cfg.Tables = []string{"S.T"}
//
//	eng, err := engine.Open(ctx, cfg, log)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	batch, err := eng.GetChanges(ctx, 0)
//	if err != nil {
//	    return err
//	}
//	if err := sink.WriteBatch(ctx, batch.Events); err != nil {
//	    return err
//	}
//	if err := sink.Flush(ctx); err != nil {
//	    return err
//	}
//	return eng.AckBatch(ctx, batch)
package cdc
