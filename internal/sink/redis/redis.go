// Package redis appends change events to a Redis stream, dropping replays with per-event
// dedup markers.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/redbco/hana-cdc/internal/sink"
	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/logger"
)

// appendScript sets the dedup marker and, only when it was absent, appends the event to
// the stream and optionally mirrors the row under its key.
//
// KEYS: marker, stream, row key. ARGV: event json, marker ttl seconds, row op, row json.
var appendScript = goredis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[2]) then
  return 0
end
redis.call('XADD', KEYS[2], '*', 'event', ARGV[1])
if ARGV[3] == 'set' then
  redis.call('SET', KEYS[3], ARGV[4])
elseif ARGV[3] == 'del' then
  redis.call('DEL', KEYS[3])
end
return 1
`)

// Sink writes events to a Redis stream. Each write is a single script call, so a replayed
// event either lands fully or not at all.
type Sink struct {
	rdb    goredis.UniversalClient
	cfg    sink.RedisConfig
	logger *logger.Logger
}

// Open connects to the Redis server at cfg.URL.
func Open(ctx context.Context, cfg sink.RedisConfig, log *logger.Logger) (*Sink, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, cfg, log), nil
}

// New uses an existing client.
func New(rdb goredis.UniversalClient, cfg sink.RedisConfig, log *logger.Logger) *Sink {
	if log == nil {
		log = logger.Nop()
	}
	return &Sink{rdb: rdb, cfg: cfg, logger: log.WithComponent("sink.redis")}
}

// MarkerKey returns the dedup marker key of an event.
func (s *Sink) MarkerKey(ev cdc.ChangeEvent) string {
	return s.cfg.KeyPrefix + "seen:" + ev.DedupKey()
}

// RowKey returns the key mirroring a row's latest image. Rows of tables without a primary
// key are keyed by their full image.
func (s *Sink) RowKey(ev cdc.ChangeEvent) string {
	id := ev.Key
	if id == nil || id.Len() == 0 {
		id = sink.RowImage(ev)
	}
	key := "{}"
	if id != nil {
		if data, err := json.Marshal(id); err == nil {
			key = string(data)
		}
	}
	return s.cfg.KeyPrefix + "row:" + ev.FullTableName + ":" + key
}

func (s *Sink) WriteBatch(ctx context.Context, events []cdc.ChangeEvent) error {
	ttl := strconv.FormatInt(int64(s.cfg.DedupTTL.Seconds()), 10)

	for _, ev := range events {
		data, err := sink.Marshal(ev)
		if err != nil {
			return cdc.NewDeserializationError(ev.Table(), ev.EventID, err)
		}

		op, row, rowKey := "", "", s.cfg.Stream
		if s.cfg.SyncRows {
			rowKey = s.RowKey(ev)
			switch ev.TriggerType {
			case cdc.TriggerDelete:
				op = "del"
			default:
				op = "set"
				img, err := json.Marshal(ev.NewValues)
				if err != nil {
					return cdc.NewDeserializationError(ev.Table(), ev.EventID, err)
				}
				row = string(img)
			}
		}

		keys := []string{s.MarkerKey(ev), s.cfg.Stream, rowKey}
		added, err := appendScript.Run(ctx, s.rdb, keys, string(data), ttl, op, row).Int()
		if err != nil {
			return fmt.Errorf("redis append event %s: %w", ev.DedupKey(), err)
		}
		if added == 0 {
			s.logger.Debug("event %s already in stream %s", ev.DedupKey(), s.cfg.Stream)
		}
	}
	return nil
}

// Flush is a no-op: every script call is acknowledged by the server before WriteBatch
// returns.
func (s *Sink) Flush(context.Context) error {
	return nil
}

// Ping checks the connection.
func (s *Sink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Sink) Close() error {
	return s.rdb.Close()
}
