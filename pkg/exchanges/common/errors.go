package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"
	KindAuth        ErrorKind = "auth"
	KindExchange    ErrorKind = "exchange"
	KindCredentials ErrorKind = "credentials"
)

// Error is the structured error returned by every Gateway method.
type Error struct {
	Kind   ErrorKind
	Op     string
	Status int
	Code   int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("%s %s: status %d code %d: %s", e.Op, e.Kind, e.Status, e.Code, e.Msg)
	case e.Status != 0:
		return fmt.Sprintf("%s %s: status %d: %s", e.Op, e.Kind, e.Status, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err carries a gateway error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// KindOf returns the kind of the gateway error in err's chain, or "" when
// there is none.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// CodeOrderNotFound is the Binance code for an unknown order.
const CodeOrderNotFound = -2013

// IsOrderNotFound reports whether the exchange does not know the order.
func IsOrderNotFound(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindExchange && ge.Code == CodeOrderNotFound
}

// OutcomeUnknown reports whether err leaves it open if an order reached the
// matching engine: the request was cut short or the response was lost.
func OutcomeUnknown(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ge *Error
	if !errors.As(err, &ge) || ge.Kind != KindTransport {
		return false
	}
	// rate limits are refused before matching
	return ge.Status != http.StatusTooManyRequests && ge.Status != http.StatusTeapot
}

// Message returns the exchange message of err, or err.Error() for other errors.
func Message(err error) string {
	var ge *Error
	if errors.As(err, &ge) && ge.Msg != "" {
		return ge.Msg
	}
	return err.Error()
}

// TransportError wraps network-level failures.
func TransportError(op string, err error) *Error {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "timeout"
	}
	return &Error{Kind: KindTransport, Op: op, Msg: msg, Err: err}
}

// CredentialsError reports missing or unusable api key credentials.
func CredentialsError(op string, err error) *Error {
	return &Error{Kind: KindCredentials, Op: op, Msg: "NO_CREDENTIALS", Err: err}
}

// StatusError classifies a non-2xx response. Binance encodes business errors as
// {"code":-2010,"msg":"..."}.
func StatusError(op string, status int, body []byte) *Error {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &payload)
	e := &Error{Op: op, Status: status, Code: payload.Code, Msg: payload.Msg}
	if e.Msg == "" {
		e.Msg = string(body)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden,
		payload.Code == -2014 || payload.Code == -2015:
		e.Kind = KindAuth
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusTeapot:
		e.Kind = KindTransport
	default:
		e.Kind = KindExchange
	}
	return e
}
