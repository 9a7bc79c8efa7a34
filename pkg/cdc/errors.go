package cdc

import (
	"errors"
	"fmt"
	"strings"
)

// Standard engine errors
var (
	// ErrConnection is returned when the source database cannot be reached or a session was lost
	ErrConnection = errors.New("connection failed")

	// ErrTimeout is returned when a call exceeds its deadline
	ErrTimeout = errors.New("operation timed out")

	// ErrAuthentication is returned when the source rejects the credentials
	ErrAuthentication = errors.New("authentication failed")

	// ErrIntrospection is returned when catalog metadata cannot be read for a table
	ErrIntrospection = errors.New("introspection failed")

	// ErrInfrastructure is returned when CDC objects cannot be created or verified
	ErrInfrastructure = errors.New("cdc infrastructure error")

	// ErrSchemaDrift is returned when a monitored table no longer matches its frozen column list
	ErrSchemaDrift = errors.New("schema drift detected")

	// ErrCursorConflict is returned when a concurrent writer updated the status row first
	ErrCursorConflict = errors.New("cursor update conflict")

	// ErrDeserialization is returned when a change payload cannot be decoded
	ErrDeserialization = errors.New("change payload could not be decoded")

	// ErrInvalidConfiguration is returned when the configuration or arguments are invalid
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidTransition is returned for a status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotMonitored is returned when a (client, table) pair has no status row
	ErrNotMonitored = errors.New("table is not monitored")
)

// ErrorKind names a class of the error taxonomy.
type ErrorKind string

const (
	ConnectionError      ErrorKind = "ConnectionError"
	TimeoutError         ErrorKind = "TimeoutError"
	AuthError            ErrorKind = "AuthError"
	IntrospectionError   ErrorKind = "IntrospectionError"
	InfrastructureError  ErrorKind = "InfrastructureError"
	SchemaDriftError     ErrorKind = "SchemaDriftError"
	CursorConflictError  ErrorKind = "CursorConflictError"
	DeserializationError ErrorKind = "DeserializationError"
	ConfigurationError   ErrorKind = "ConfigurationError"
	TransitionError      ErrorKind = "TransitionError"
	NotMonitoredError    ErrorKind = "NotMonitoredError"
)

var kindSentinels = map[ErrorKind]error{
	ConnectionError:      ErrConnection,
	TimeoutError:         ErrTimeout,
	AuthError:            ErrAuthentication,
	IntrospectionError:   ErrIntrospection,
	InfrastructureError:  ErrInfrastructure,
	SchemaDriftError:     ErrSchemaDrift,
	CursorConflictError:  ErrCursorConflict,
	DeserializationError: ErrDeserialization,
	ConfigurationError:   ErrInvalidConfiguration,
	TransitionError:      ErrInvalidTransition,
	NotMonitoredError:    ErrNotMonitored,
}

// Error is the structured error returned by every engine component.
// Table and EventID identify the offending object when known.
type Error struct {
	Kind    ErrorKind
	Op      string
	Table   TableRef
	EventID int64
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Op)
	if e.Table.Name != "" {
		fmt.Fprintf(&b, " on %s", e.Table)
	}
	if e.EventID != 0 {
		fmt.Fprintf(&b, " (event_id %d)", e.EventID)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if len(e.Context) > 0 {
		fmt.Fprintf(&b, " (context: %v)", e.Context)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel error of the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// WithContext adds context to an Error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithTable records the affected table.
func (e *Error) WithTable(table TableRef) *Error {
	e.Table = table
	return e
}

// WithEvent records the affected event id.
func (e *Error) WithEvent(eventID int64) *Error {
	e.EventID = eventID
	return e
}

// NewError creates a new Error of the given kind.
func NewError(kind ErrorKind, op string, cause error) *Error {
	return &Error{
		Kind:  kind,
		Op:    op,
		Cause: cause,
	}
}

// NewConnectionError creates a ConnectionError.
func NewConnectionError(op string, cause error) *Error {
	return NewError(ConnectionError, op, cause)
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(op string, cause error) *Error {
	return NewError(TimeoutError, op, cause)
}

// NewAuthError creates an AuthError.
func NewAuthError(op string, cause error) *Error {
	return NewError(AuthError, op, cause)
}

// NewIntrospectionError creates an IntrospectionError for table.
func NewIntrospectionError(op string, table TableRef, cause error) *Error {
	return NewError(IntrospectionError, op, cause).WithTable(table)
}

// NewInfrastructureError creates an InfrastructureError.
func NewInfrastructureError(op string, cause error) *Error {
	return NewError(InfrastructureError, op, cause)
}

// NewSchemaDriftError creates a SchemaDriftError for table.
func NewSchemaDriftError(table TableRef, detail string) *Error {
	return NewError(SchemaDriftError, "check_schema", errors.New(detail)).WithTable(table)
}

// NewCursorConflictError creates a CursorConflictError for the client's status row.
func NewCursorConflictError(op, clientID string, table TableRef) *Error {
	return NewError(CursorConflictError, op, fmt.Errorf("status row of client %s was modified concurrently", clientID)).WithTable(table)
}

// NewDeserializationError creates a DeserializationError for one change event.
func NewDeserializationError(table TableRef, eventID int64, cause error) *Error {
	return NewError(DeserializationError, "decode_event", cause).WithTable(table).WithEvent(eventID)
}

// NewConfigurationError creates a ConfigurationError for field.
func NewConfigurationError(field, reason string) *Error {
	if field == "" {
		return NewError(ConfigurationError, "validate_config", errors.New(reason))
	}
	return NewError(ConfigurationError, "validate_config", fmt.Errorf("field '%s': %s", field, reason))
}

// NewTransitionError creates a TransitionError for a forbidden status change.
func NewTransitionError(table TableRef, from, to TableStatus) *Error {
	return NewError(TransitionError, "set_status", fmt.Errorf("%s -> %s is not allowed", from, to)).WithTable(table)
}

// NewNotMonitoredError creates a NotMonitoredError.
func NewNotMonitoredError(clientID string, table TableRef) *Error {
	return NewError(NotMonitoredError, "load_status", fmt.Errorf("no status row for client %s", clientID)).WithTable(table)
}

// WrapError wraps an error with a kind and operation.
// If the error is already an *Error, it returns it as-is.
func WrapError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}

	// Don't double-wrap
	var cdcErr *Error
	if errors.As(err, &cdcErr) {
		return err
	}

	return NewError(kind, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var cdcErr *Error
	if errors.As(err, &cdcErr) {
		return cdcErr.Kind
	}
	return ""
}

// TableOf returns the table recorded on err, if any.
func TableOf(err error) (TableRef, bool) {
	var cdcErr *Error
	if errors.As(err, &cdcErr) && cdcErr.Table.Name != "" {
		return cdcErr.Table, true
	}
	return TableRef{}, false
}

// IsRetryable reports whether err is transient and may be retried with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ConnectionError, TimeoutError:
		return true
	}
	return false
}

// IsConflict reports whether err is a cursor conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCursorConflict)
}

// IsFatal reports whether err must stop the engine.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case AuthError, InfrastructureError, ConfigurationError:
		return true
	}
	return false
}

// IsTableFatal reports whether err disables a single table while others continue.
func IsTableFatal(err error) bool {
	switch KindOf(err) {
	case IntrospectionError, SchemaDriftError:
		return true
	}
	return false
}
