// Package nats publishes change events to a NATS JetStream stream. The dedup key is the
// message id, so the server drops replays inside the stream's duplicate window.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"

	natsclient "github.com/nats-io/nats.go"

	"github.com/redbco/hana-cdc/internal/sink"
	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/logger"
)

// Sink publishes each event synchronously and waits for the stream's ack.
type Sink struct {
	nc     *natsclient.Conn
	js     natsclient.JetStreamContext
	cfg    sink.NATSConfig
	logger *logger.Logger
}

// Open connects and makes sure the stream exists with the configured subjects.
func Open(cfg sink.NATSConfig, log *logger.Logger) (*Sink, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("sink.nats")

	opts := []natsclient.Option{
		natsclient.Name("hanacdc"),
		natsclient.MaxReconnects(-1),
		natsclient.DisconnectErrHandler(func(_ *natsclient.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected: %v", err)
			}
		}),
		natsclient.ReconnectHandler(func(nc *natsclient.Conn) {
			log.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if cfg.CredsFile != "" {
		opts = append(opts, natsclient.UserCredentials(cfg.CredsFile))
	}

	nc, err := natsclient.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	streamCfg := &natsclient.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.DedupWindow,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		if !errors.Is(err, natsclient.ErrStreamNameAlreadyInUse) {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
		}
		if _, err := js.UpdateStream(streamCfg); err != nil {
			nc.Close()
			return nil, fmt.Errorf("update stream %s: %w", cfg.Stream, err)
		}
	}

	log.Info("publishing to stream %s under %s.>", cfg.Stream, cfg.SubjectPrefix)
	return &Sink{nc: nc, js: js, cfg: cfg, logger: log}, nil
}

// Subject returns the subject of an event: <prefix>.<schema>.<table>.<op>.
func Subject(prefix string, ev cdc.ChangeEvent) string {
	return strings.Join([]string{
		prefix,
		subjectToken(ev.SchemaName),
		subjectToken(ev.TableName),
		strings.ToLower(string(ev.TriggerType)),
	}, ".")
}

// subjectToken replaces characters NATS reserves in subjects.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// Message builds the JetStream message of an event.
func Message(prefix string, ev cdc.ChangeEvent) (*natsclient.Msg, error) {
	data, err := sink.Marshal(ev)
	if err != nil {
		return nil, err
	}
	msg := natsclient.NewMsg(Subject(prefix, ev))
	msg.Data = data
	msg.Header.Set(natsclient.MsgIdHdr, ev.DedupKey())
	msg.Header.Set("Hana-Table", ev.FullTableName)
	return msg, nil
}

func (s *Sink) WriteBatch(ctx context.Context, events []cdc.ChangeEvent) error {
	for _, ev := range events {
		msg, err := Message(s.cfg.SubjectPrefix, ev)
		if err != nil {
			return cdc.NewDeserializationError(ev.Table(), ev.EventID, err)
		}
		ack, err := s.js.PublishMsg(msg, natsclient.Context(ctx))
		if err != nil {
			return fmt.Errorf("publish %s: %w", ev.DedupKey(), err)
		}
		if ack.Duplicate {
			s.logger.Debug("event %s already in stream %s", ev.DedupKey(), ack.Stream)
		}
	}
	return nil
}

// Flush is a no-op: every publish waits for the stream's ack.
func (s *Sink) Flush(context.Context) error {
	return nil
}

// Ping reports whether the connection is up.
func (s *Sink) Ping(context.Context) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats: not connected (%s)", s.nc.Status())
	}
	return nil
}

func (s *Sink) Close() error {
	s.nc.Close()
	return nil
}
