// Package errors classifies database failures raised while persisting
// completion audit records.
package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// DatabaseErrorType represents the type of database error.
type DatabaseErrorType int

const (
	ErrorTypeUnknown DatabaseErrorType = iota
	ErrorTypeNotFound
	ErrorTypeDuplicateKey
	ErrorTypeDataTooLong
	ErrorTypeInvalidValue
	ErrorTypeDeadlock
	ErrorTypeLockTimeout
	ErrorTypeConnectionError
)

func (t DatabaseErrorType) String() string {
	switch t {
	case ErrorTypeNotFound:
		return "not_found"
	case ErrorTypeDuplicateKey:
		return "duplicate_key"
	case ErrorTypeDataTooLong:
		return "data_too_long"
	case ErrorTypeInvalidValue:
		return "invalid_value"
	case ErrorTypeDeadlock:
		return "deadlock"
	case ErrorTypeLockTimeout:
		return "lock_timeout"
	case ErrorTypeConnectionError:
		return "connection"
	default:
		return "unknown"
	}
}

// DatabaseError wraps a database error with classification information.
type DatabaseError struct {
	Type         DatabaseErrorType
	OriginalErr  error
	MySQLErrCode uint16
	Message      string
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.MySQLErrCode > 0 {
		return fmt.Sprintf("%s (MySQL error %d): %v", e.Message, e.MySQLErrCode, e.OriginalErr)
	}
	return fmt.Sprintf("%s: %v", e.Message, e.OriginalErr)
}

// Unwrap returns the underlying error for errors.Is and errors.As compatibility.
func (e *DatabaseError) Unwrap() error {
	return e.OriginalErr
}

// Retryable reports whether repeating the same statement may succeed.
func (e *DatabaseError) Retryable() bool {
	switch e.Type {
	case ErrorTypeDeadlock, ErrorTypeLockTimeout, ErrorTypeConnectionError:
		return true
	}
	return false
}

var mysqlClasses = map[uint16]struct {
	typ DatabaseErrorType
	msg string
}{
	1062: {ErrorTypeDuplicateKey, "duplicate key constraint violation"},
	1406: {ErrorTypeDataTooLong, "data too long for column"},
	1048: {ErrorTypeInvalidValue, "column cannot be null"},
	1265: {ErrorTypeInvalidValue, "invalid or truncated value"},
	1366: {ErrorTypeInvalidValue, "invalid or truncated value"},
	1213: {ErrorTypeDeadlock, "deadlock detected"},
	1205: {ErrorTypeLockTimeout, "lock wait timeout exceeded"},
	2006: {ErrorTypeConnectionError, "server has gone away"},
	2013: {ErrorTypeConnectionError, "lost connection during query"},
}

// ClassifyDBError classifies a GORM or MySQL error. It returns nil for nil.
func ClassifyDBError(err error) *DatabaseError {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &DatabaseError{Type: ErrorTypeNotFound, OriginalErr: err, Message: "record not found"}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if c, ok := mysqlClasses[mysqlErr.Number]; ok {
			return &DatabaseError{Type: c.typ, OriginalErr: err, MySQLErrCode: mysqlErr.Number, Message: c.msg}
		}
		return &DatabaseError{Type: ErrorTypeUnknown, OriginalErr: err, MySQLErrCode: mysqlErr.Number, Message: "MySQL error"}
	}

	if errors.Is(err, mysql.ErrInvalidConn) || isConnectionError(err.Error()) {
		return &DatabaseError{Type: ErrorTypeConnectionError, OriginalErr: err, Message: "database connection error"}
	}

	return &DatabaseError{Type: ErrorTypeUnknown, OriginalErr: err, Message: "unknown database error"}
}

func isConnectionError(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	for _, keyword := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"can't connect",
		"dial tcp",
	} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is a transient database failure.
func IsRetryable(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Retryable()
}
