package hana

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	_ "github.com/SAP/go-hdb/driver"

	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/logger"
)

// PoolConfig configures the source connection pool.
type PoolConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DatabaseName    string
	DefaultSchema   string
	MaxSize         int
	ValidationQuery string
	Timeout         time.Duration
}

// PoolConfigFrom derives the pool configuration from the engine configuration.
func PoolConfigFrom(cfg cdc.Config) PoolConfig {
	return PoolConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		DatabaseName:    cfg.DatabaseName,
		DefaultSchema:   cfg.SourceSchema,
		MaxSize:         cfg.MaxPoolSize,
		ValidationQuery: cfg.ValidationQuery,
		Timeout:         cfg.CallTimeout,
	}
}

// DSN renders the go-hdb connection string.
func (c PoolConfig) DSN() string {
	q := url.Values{}
	if c.DatabaseName != "" {
		q.Set("databaseName", c.DatabaseName)
	}
	if c.DefaultSchema != "" {
		q.Set("defaultSchema", c.DefaultSchema)
	}
	if c.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(int(c.Timeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "hdb",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Pool hands out validated sessions on the source database.
type Pool struct {
	db     *sql.DB
	cfg    PoolConfig
	logger *logger.Logger
	closed int32
}

// NewPool opens the go-hdb pool and verifies that a session can be acquired.
func NewPool(ctx context.Context, cfg PoolConfig, log *logger.Logger) (*Pool, error) {
	db, err := sql.Open("hdb", cfg.DSN())
	if err != nil {
		return nil, cdc.NewConnectionError("open_pool", err)
	}

	p := NewPoolFromDB(db, cfg, log)
	sess, err := p.Acquire(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := sess.Release(); err != nil {
		_ = db.Close()
		return nil, cdc.NewConnectionError("open_pool", err)
	}

	p.logger.Info("connected to %s:%d as %s (pool size %d)", cfg.Host, cfg.Port, cfg.User, p.cfg.MaxSize)
	return p, nil
}

// NewPoolFromDB wraps an existing database handle.
func NewPoolFromDB(db *sql.DB, cfg PoolConfig, log *logger.Logger) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	if log == nil {
		log = logger.Nop()
	}

	db.SetMaxOpenConns(cfg.MaxSize)
	db.SetMaxIdleConns(min(5, cfg.MaxSize))
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Pool{
		db:     db,
		cfg:    cfg,
		logger: log.WithComponent("pool"),
	}
}

// Acquire returns a session that passed the validation query. A session failing validation is
// discarded and replaced, up to MaxSize attempts.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, cdc.NewConnectionError("acquire", errors.New("pool is closed"))
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxSize; attempt++ {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			lastErr = classifySession("acquire", err)
			if ctx.Err() != nil || cdc.KindOf(lastErr) == cdc.AuthError {
				return nil, lastErr
			}
			continue
		}

		if err := p.validate(ctx, conn); err != nil {
			p.discard(conn)
			lastErr = classifySession("validate_session", err)
			p.logger.Warn("discarding session that failed validation (attempt %d/%d): %v", attempt, p.cfg.MaxSize, err)
			if ctx.Err() != nil || cdc.KindOf(lastErr) == cdc.AuthError {
				return nil, lastErr
			}
			continue
		}

		return &Session{conn: conn}, nil
	}

	if cdc.KindOf(lastErr) == cdc.ConnectionError {
		return nil, lastErr
	}
	return nil, cdc.NewConnectionError("acquire", lastErr)
}

// With runs fn with an acquired session and releases it on every path.
func (p *Pool) With(ctx context.Context, fn func(*Session) error) error {
	sess, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()
	return fn(sess)
}

// Ping acquires and releases one session.
func (p *Pool) Ping(ctx context.Context) error {
	return p.With(ctx, func(*Session) error { return nil })
}

// Close drains idle sessions and closes the pool.
func (p *Pool) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	return p.db.Close()
}

func (p *Pool) validate(ctx context.Context, conn *sql.Conn) error {
	if p.cfg.ValidationQuery == "" {
		return nil
	}
	var one int
	return conn.QueryRowContext(ctx, p.cfg.ValidationQuery).Scan(&one)
}

// discard drops the underlying driver connection instead of returning it to the idle set.
func (p *Pool) discard(conn *sql.Conn) {
	_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	_ = conn.Close()
}

// Session is one scoped source connection.
type Session struct {
	conn     *sql.Conn
	released bool
}

// ExecContext executes a statement on the session.
func (s *Session) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the session.
func (s *Session) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the session.
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.conn.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction bound to the session.
func (s *Session) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return s.conn.BeginTx(ctx, opts)
}

// Release returns the session to the pool. Calling it more than once is a no-op.
func (s *Session) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	return s.conn.Close()
}
