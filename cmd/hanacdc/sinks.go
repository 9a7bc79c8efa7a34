package main

import (
	"context"

	"github.com/redbco/hana-cdc/internal/sink"
	"github.com/redbco/hana-cdc/internal/sink/clickhouse"
	"github.com/redbco/hana-cdc/internal/sink/jsonl"
	"github.com/redbco/hana-cdc/internal/sink/nats"
	"github.com/redbco/hana-cdc/internal/sink/redis"
	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/logger"
)

// openSink connects the configured sink and wraps it with write metrics.
func openSink(ctx context.Context, cfg sink.Config, log *logger.Logger) (cdc.EventSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		s   cdc.EventSink
		err error
	)
	switch cfg.Type {
	case sink.TypeJSONL:
		s, err = jsonl.Open(cfg.JSONL, log)
	case sink.TypeClickHouse:
		s, err = clickhouse.Open(ctx, cfg.ClickHouse, log)
	case sink.TypeNATS:
		s, err = nats.Open(cfg.NATS, log)
	case sink.TypeRedis:
		s, err = redis.Open(ctx, cfg.Redis, log)
	}
	if err != nil {
		return nil, err
	}
	return sink.Instrument(cfg.Type, s), nil
}
