package hana

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

// SQL error codes reported by the HANA server.
const (
	codeAuthenticationFailed  = 10
	codeLockWaitTimeout       = 131
	codeDeadlock              = 133
	codeCancelled             = 139
	codeInsufficientPrivilege = 258
	codeInvalidTableName      = 259
	codeDuplicateTableName    = 288
	codeUniqueViolation       = 301
	codeInvalidSchemaName     = 362
	codeDuplicateSchemaName   = 386
	codeExecutionTimeout      = 613
)

// codedError is implemented by go-hdb server errors.
type codedError interface {
	error
	Code() int
}

func errorCode(err error) (int, bool) {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code(), true
	}
	return 0, false
}

// classify maps a driver error onto the cdc error taxonomy. Only transport failures, lock
// waits, deadlock victims and timeouts are retryable. Missing objects and missing privileges are
// introspection errors when fallback is IntrospectionError and infrastructure errors otherwise.
// Any other failure gets fallback as its kind, or InfrastructureError when fallback is itself
// retryable. Cancellation passes through.
func classify(fallback cdc.ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}

	var cdcErr *cdc.Error
	if errors.As(err, &cdcErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cdc.NewTimeoutError(op, err)
	}

	if code, ok := errorCode(err); ok {
		switch code {
		case codeAuthenticationFailed:
			return cdc.NewAuthError(op, err)
		case codeLockWaitTimeout, codeDeadlock:
			return cdc.NewConnectionError(op, err).WithContext("sql_code", code)
		case codeExecutionTimeout, codeCancelled:
			return cdc.NewTimeoutError(op, err).WithContext("sql_code", code)
		case codeInsufficientPrivilege, codeInvalidTableName, codeInvalidSchemaName:
			kind := cdc.InfrastructureError
			if fallback == cdc.IntrospectionError {
				kind = cdc.IntrospectionError
			}
			return cdc.NewError(kind, op, err).WithContext("sql_code", code)
		default:
			return cdc.NewError(permanent(fallback), op, err).WithContext("sql_code", code)
		}
	}

	if isTransportError(err) {
		return cdc.NewConnectionError(op, err)
	}
	return cdc.NewError(permanent(fallback), op, err)
}

// classifySession classifies a failure to open or validate a session. Failures without a
// server error code are treated as transport failures.
func classifySession(op string, err error) error {
	if _, coded := errorCode(err); coded || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classify(cdc.InfrastructureError, op, err)
	}
	return cdc.NewConnectionError(op, err)
}

// permanent returns kind unless it is retryable.
func permanent(kind cdc.ErrorKind) cdc.ErrorKind {
	switch kind {
	case cdc.ConnectionError, cdc.TimeoutError, cdc.CursorConflictError:
		return cdc.InfrastructureError
	}
	return kind
}

func isTransportError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isDuplicateObject(err error) bool {
	code, ok := errorCode(err)
	return ok && (code == codeDuplicateTableName || code == codeDuplicateSchemaName || code == codeUniqueViolation)
}

func withTable(err error, table cdc.TableRef) error {
	var cdcErr *cdc.Error
	if errors.As(err, &cdcErr) && cdcErr.Table.Name == "" {
		cdcErr.Table = table
	}
	return err
}
