// Package errs defines the small set of distinguishable error kinds the
// wallet engine returns, so callers can decide what to do (retry with
// another server, report to the user, abort) without parsing strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by what the caller should do about it.
type Kind int

const (
	// KindConfig marks a bad argument, malformed URI, or fee rate over cap.
	// Report to the user; do not retry.
	KindConfig Kind = iota
	// KindCrypto marks an internal invariant violation. Abort the program.
	KindCrypto
	// KindNetwork marks a SOCKS5/TCP/TLS failure or disconnect. The outer
	// layer may pick another server.
	KindNetwork
	// KindRPC marks a server-returned JSON-RPC error.
	KindRPC
	// KindInsufficientFunds marks a builder unable to cover amount + fee.
	KindInsufficientFunds
	// KindNotReplaceable marks an RBF request against a confirmed or
	// non-spend history item.
	KindNotReplaceable
	// KindCancelled marks a task cancelled during shutdown.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindCrypto:
		return "crypto"
	case KindNetwork:
		return "network"
	case KindRPC:
		return "rpc"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindNotReplaceable:
		return "not_replaceable"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the wallet engine's single error type, built by one of the
// named constructors below. Errors the engine classifies by kind are
// *Error values; some others, such as the server registry's file errors,
// are returned as plain wrapped errors with no Kind.
type Error struct {
	Kind    Kind
	Message string
	// Code carries the server's JSON-RPC error code for KindRPC; zero
	// otherwise.
	Code int
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// Config builds a KindConfig error.
func Config(format string, args ...any) *Error {
	return newErr(KindConfig, fmt.Sprintf(format, args...), nil)
}

// Crypto builds a KindCrypto error.
func Crypto(format string, args ...any) *Error {
	return newErr(KindCrypto, fmt.Sprintf(format, args...), nil)
}

// Network wraps cause as a KindNetwork error.
func Network(cause error, format string, args ...any) *Error {
	return newErr(KindNetwork, fmt.Sprintf(format, args...), cause)
}

// RPC builds a KindRPC error carrying the server's error code and message.
func RPC(code int, message string) *Error {
	return &Error{Kind: KindRPC, Message: message, Code: code}
}

// InsufficientFunds builds a KindInsufficientFunds error.
func InsufficientFunds(format string, args ...any) *Error {
	return newErr(KindInsufficientFunds, fmt.Sprintf(format, args...), nil)
}

// NotReplaceable builds a KindNotReplaceable error.
func NotReplaceable(format string, args ...any) *Error {
	return newErr(KindNotReplaceable, fmt.Sprintf(format, args...), nil)
}

// Cancelled wraps cause (typically context.Canceled) as a KindCancelled
// error.
func Cancelled(cause error) *Error {
	return newErr(KindCancelled, "operation cancelled", cause)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
