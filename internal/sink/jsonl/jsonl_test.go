package jsonl

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/hana-cdc/internal/sink"
	"github.com/redbco/hana-cdc/pkg/cdc"
)

func event(id int64) cdc.ChangeEvent {
	v := cdc.NewValues(2)
	v.Set("id", id)
	v.Set("name", "x")
	return cdc.ChangeEvent{
		EventID:        id,
		EventTimestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		TriggerType:    cdc.TriggerInsert,
		SchemaName:     "S",
		TableName:      "T",
		FullTableName:  "S.T",
		NewValues:      v,
	}
}

func TestWriteBatchSkipsReplayedEvents(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, nil)
	ctx := context.Background()

	require.NoError(t, s.WriteBatch(ctx, []cdc.ChangeEvent{event(1), event(2)}))
	require.NoError(t, s.WriteBatch(ctx, []cdc.ChangeEvent{event(2), event(3)}))
	assert.Zero(t, buf.Len(), "nothing is written before Flush")
	require.NoError(t, s.Flush(ctx))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var env sink.Envelope
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &env))
	assert.Equal(t, "1", env.DedupKey)
	assert.Equal(t, "S.T", env.FullTableName)
	assert.Contains(t, lines[0], `"new_values":{"id":1,"name":"x"}`)
}

func TestOpenReadsExistingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	ctx := context.Background()

	s, err := Open(sink.JSONLConfig{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.WriteBatch(ctx, []cdc.ChangeEvent{event(1), event(2)}))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())

	s, err = Open(sink.JSONLConfig{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.WriteBatch(ctx, []cdc.ChangeEvent{event(2), event(3)}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}
