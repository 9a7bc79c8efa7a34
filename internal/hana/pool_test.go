package hana

import (
	"context"
	"errors"
	"io"
	"net/url"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

func TestPoolConfigDSN(t *testing.T) {
	cfg := PoolConfigFrom(testConfig())
	cfg.Password = "p@ss word"
	cfg.DatabaseName = "HXE"
	cfg.DefaultSchema = "S"

	u, err := url.Parse(cfg.DSN())
	require.NoError(t, err)

	assert.Equal(t, "hdb", u.Scheme)
	assert.Equal(t, "hana.local:30015", u.Host)
	assert.Equal(t, "CDC_USER", u.User.Username())
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss word", pw)
	assert.Equal(t, "HXE", u.Query().Get("databaseName"))
	assert.Equal(t, "S", u.Query().Get("defaultSchema"))
	assert.Equal(t, "30", u.Query().Get("timeout"))
}

func TestAcquireRunsValidationQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pool := NewPoolFromDB(db, PoolConfig{MaxSize: 2, ValidationQuery: "SELECT 1 FROM DUMMY"}, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM DUMMY")).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	sess, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.Release())
	require.NoError(t, sess.Release(), "release is idempotent")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireOnClosedPool(t *testing.T) {
	pool, mock := newMockPool(t, 2)
	mock.ExpectClose()
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err := pool.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, cdc.ErrConnection))
}

type codeError struct{ code int }

func (e codeError) Error() string { return "sql error" }
func (e codeError) Code() int     { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		fallback cdc.ErrorKind
		err      error
		kind     cdc.ErrorKind
	}{
		{"auth", cdc.ConnectionError, codeError{codeAuthenticationFailed}, cdc.AuthError},
		{"deadlock", cdc.ConnectionError, codeError{codeDeadlock}, cdc.ConnectionError},
		{"lock wait", cdc.InfrastructureError, codeError{codeLockWaitTimeout}, cdc.ConnectionError},
		{"execution timeout", cdc.ConnectionError, codeError{codeExecutionTimeout}, cdc.TimeoutError},
		{"privilege while describing", cdc.IntrospectionError, codeError{codeInsufficientPrivilege}, cdc.IntrospectionError},
		{"missing table while describing", cdc.IntrospectionError, codeError{codeInvalidTableName}, cdc.IntrospectionError},
		{"privilege while reading", cdc.ConnectionError, codeError{codeInsufficientPrivilege}, cdc.InfrastructureError},
		{"privilege during ddl", cdc.InfrastructureError, codeError{codeInsufficientPrivilege}, cdc.InfrastructureError},
		{"syntax error while describing", cdc.IntrospectionError, codeError{257}, cdc.IntrospectionError},
		{"syntax error while reading", cdc.ConnectionError, codeError{257}, cdc.InfrastructureError},
		{"deadline", cdc.IntrospectionError, context.DeadlineExceeded, cdc.TimeoutError},
		{"transport", cdc.InfrastructureError, io.ErrUnexpectedEOF, cdc.ConnectionError},
		{"scan failure while reading", cdc.ConnectionError, errors.New("converting NULL to int64 is unsupported"), cdc.InfrastructureError},
		{"plain while describing", cdc.IntrospectionError, errors.New("boom"), cdc.IntrospectionError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(tc.fallback, "op", tc.err)
			assert.Equal(t, tc.kind, cdc.KindOf(err))
			assert.True(t, errors.Is(err, tc.err))
		})
	}

	for _, code := range []int{257, codeInsufficientPrivilege, codeInvalidTableName} {
		assert.False(t, cdc.IsRetryable(classify(cdc.ConnectionError, "read_changes", codeError{code})), "code %d", code)
	}

	assert.Nil(t, classify(cdc.ConnectionError, "op", nil))
	assert.Equal(t, context.Canceled, classify(cdc.ConnectionError, "op", context.Canceled))
	assert.True(t, isDuplicateObject(codeError{codeDuplicateTableName}))
	assert.False(t, isDuplicateObject(codeError{codeInsufficientPrivilege}))
}

func TestNewPoolFromDBDefaults(t *testing.T) {
	pool, _ := newMockPool(t, 0)
	assert.Equal(t, 1, pool.cfg.MaxSize)
}
