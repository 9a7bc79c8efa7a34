// Package jsonl writes change events as JSON lines to a file or stdout.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/redbco/hana-cdc/internal/sink"
	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/logger"
)

// Sink appends one JSON document per event. Dedup keys already present in the file when it
// is opened, or written since, are skipped.
type Sink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	file   *os.File
	closer io.Closer
	seen   map[string]struct{}
	logger *logger.Logger
}

// Open opens path for appending; "" or "-" writes to stdout.
func Open(cfg sink.JSONLConfig, log *logger.Logger) (*Sink, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("sink.jsonl")

	if cfg.Path == "" || cfg.Path == "-" {
		return New(os.Stdout, log), nil
	}

	seen, err := readKeys(cfg.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	s := New(f, log)
	s.file = f
	s.closer = f
	s.seen = seen
	log.Info("appending events to %s (%d already present)", cfg.Path, len(seen))
	return s, nil
}

// New writes to w without closing it.
func New(w io.Writer, log *logger.Logger) *Sink {
	if log == nil {
		log = logger.Nop()
	}
	return &Sink{
		w:      bufio.NewWriter(w),
		seen:   make(map[string]struct{}),
		logger: log,
	}
}

// readKeys collects the dedup keys of an existing file.
func readKeys(path string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return seen, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var env struct {
			DedupKey string `json:"dedup_key"`
		}
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil || env.DedupKey == "" {
			continue
		}
		seen[env.DedupKey] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return seen, nil
}

func (s *Sink) WriteBatch(_ context.Context, events []cdc.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		key := ev.DedupKey()
		if _, ok := s.seen[key]; ok {
			continue
		}
		data, err := sink.Marshal(ev)
		if err != nil {
			return cdc.NewDeserializationError(ev.Table(), ev.EventID, err)
		}
		if _, err := s.w.Write(append(data, '\n')); err != nil {
			return err
		}
		s.seen[key] = struct{}{}
	}
	return nil
}

// Flush writes buffered lines and syncs the file.
func (s *Sink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.file != nil {
		return s.file.Sync()
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.w.Flush()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
		s.closer = nil
	}
	return err
}
