package cdc

import "context"

// EventSink receives batches of change events from a consumer loop.
//
// WriteBatch must be idempotent with respect to ChangeEvent.DedupKey: replayed events are
// accepted and dropped silently. Flush is the durability barrier the caller waits on before
// acknowledging events to the engine.
type EventSink interface {
	WriteBatch(ctx context.Context, events []ChangeEvent) error
	Flush(ctx context.Context) error
	Close() error
}
