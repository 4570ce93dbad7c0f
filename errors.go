package mse

import (
	"errors"
	"fmt"
)

// Decode failures. Truncated means more input could have completed the
// value; Malformed means no suffix could (bad tag, overlong varint,
// trailing bytes).
var (
	ErrTruncated = errors.New("truncated data")
	ErrMalformed = errors.New("malformed data")
)

// ErrFuelExhausted is returned when the host's fuel meter cannot cover an
// operation. The operation has no effect in that case.
var ErrFuelExhausted = errors.New("fuel exhausted")

// ErrValueTooLarge is returned when an encoded value exceeds the schema's
// configured maximum, before any host write is attempted.
var ErrValueTooLarge = errors.New("value exceeds maximum size")

// Migration state machine violations.
var (
	ErrMigrationRequired    = errors.New("migration required")
	ErrMigrationNotRequired = errors.New("migration not required")
	ErrMigrationInProgress  = errors.New("migration in progress")
	ErrMigrationFailed      = errors.New("migration failed")
)

// Upgrade rejections. None of these leave any state change behind.
var (
	ErrUpgradeUnauthorized    = errors.New("upgrade unauthorized")
	ErrUpgradeTooSoon         = errors.New("upgrade too soon")
	ErrUpgradeVersionNotNewer = errors.New("upgrade version not newer")
	ErrNotPaused              = errors.New("emergency flag not set")
	ErrRouterNotInitialized   = errors.New("router not initialized")
	ErrRouterInitialized      = errors.New("router already initialized")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func truncErrf(data []byte, off int, format string, args ...any) error {
	return dataErrf(data, off, ErrTruncated, format, args...)
}

func malformedErrf(data []byte, off int, format string, args ...any) error {
	return dataErrf(data, off, ErrMalformed, format, args...)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}
