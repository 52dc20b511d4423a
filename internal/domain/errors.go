package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrLockHeld          = errors.New("lock already held")
	ErrHalted            = errors.New("submissions halted pending reconciliation")
	ErrShuttingDown      = errors.New("engine shutting down")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("invalid fill")
	ErrCancelRefused     = errors.New("cancel refused by broker")
)

// DecodeKind classifies a market data decode failure.
type DecodeKind string

const DecodeMalformed DecodeKind = "malformed"

// DecodeError is returned by the tick codec for any frame it cannot turn
// into a Tick. The feed drops such frames and keeps the connection.
type DecodeError struct {
	Kind DecodeKind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Malformed wraps err as a DecodeError of kind malformed.
func Malformed(format string, args ...any) error {
	return &DecodeError{Kind: DecodeMalformed, Err: fmt.Errorf(format, args...)}
}

// ConnectionError reports a network failure against the feed or broker.
// Attempts is the number of tries made before giving up (0 when the error
// is reported from a single attempt and may still be retried).
type ConnectionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("connection %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RiskRejection is returned when the risk gate blocks an intent. It is
// never retried automatically.
type RiskRejection struct {
	Instrument string
	Reason     RiskReason
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk rejected %s: %s", e.Instrument, e.Reason)
}

// BrokerRejection is terminal for the order it concerns.
type BrokerRejection struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerRejection) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("broker rejected (%s): %s", e.Code, msg)
	}
	return "broker rejected: " + msg
}

func (e *BrokerRejection) Unwrap() error { return e.Err }

// PositionDiff is one instrument where the ledger and the broker disagree.
type PositionDiff struct {
	Instrument string
	Ledger     float64
	Broker     float64
}

// ReconciliationMismatch halts new submissions until an operator resumes.
type ReconciliationMismatch struct {
	Diffs []PositionDiff
}

func (e *ReconciliationMismatch) Error() string {
	diffs := make([]PositionDiff, len(e.Diffs))
	copy(diffs, e.Diffs)
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Instrument < diffs[j].Instrument })

	parts := make([]string, 0, len(diffs))
	for _, d := range diffs {
		parts = append(parts, fmt.Sprintf("%s ledger=%g broker=%g", d.Instrument, d.Ledger, d.Broker))
	}
	return "reconciliation mismatch: " + strings.Join(parts, "; ")
}

// IsRetryable reports whether err is a transient connectivity failure.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
