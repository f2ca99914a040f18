package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	ErrInvalidInput   = errors.New("invalid ledger input")
	ErrNoSigner       = errors.New("session has no signing wallet")
	ErrSignerDeclined = errors.New("wallet declined to sign")
	ErrSessionClosed  = errors.New("ledger session closed")
	ErrNoCreateEvent  = errors.New("TaskCreated event missing from receipt")
)

// Kind classifies a failed ledger call. Rejected and Reverted are final for the
// attempt; TimedOut and Unavailable may be re-checked and retried.
type Kind int

const (
	Rejected Kind = iota + 1
	Reverted
	TimedOut
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Rejected:
		return "rejected"
	case Reverted:
		return "reverted"
	case TimedOut:
		return "timed_out"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

func (k Kind) Retryable() bool {
	return k == TimedOut || k == Unavailable
}

// Error is returned by every write. TxHash is set once the transaction was
// broadcast, even if its outcome is unknown.
type Error struct {
	Kind   Kind
	Op     string
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("ledger %s %s (tx %s): %v", e.Op, e.Kind, e.TxHash, e.Err)
	}
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Broadcast reports whether the transaction may have reached the network.
func (e *Error) Broadcast() bool {
	return e.TxHash != ""
}

// KindOf returns the kind of a ledger error, or zero if err is not one.
func KindOf(err error) Kind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return 0
}

// classifySubmit maps an error raised while building, signing or estimating a
// transaction. Nothing has been broadcast at that point.
func classifySubmit(op string, err error) error {
	return &Error{Kind: kindFor(err), Op: op, Err: err}
}

func kindFor(err error) Kind {
	if errors.Is(err, ErrSignerDeclined) || errors.Is(err, ErrNoSigner) {
		return Rejected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimedOut
	}
	if isTransportError(err) {
		return Unavailable
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "revert"),
		strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "gas required exceeds"):
		return Reverted
	case strings.Contains(msg, "user denied"), strings.Contains(msg, "rejected"):
		return Rejected
	}
	return Unavailable
}

func isTransportError(err error) bool {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, ErrSessionClosed):
		return true
	}
	return false
}
