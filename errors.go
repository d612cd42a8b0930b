package resilientmq

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code is a stable machine-readable error identifier. Callers should
// switch on Code rather than on error message text.
type Code string

// Error taxonomy, see spec §7.
const (
	CodeConfiguration             Code = "CONFIGURATION"
	CodeCircuitBreakerOpen        Code = "CIRCUIT_BREAKER_OPEN"
	CodeNotConnected              Code = "NOT_CONNECTED"
	CodeConnection                Code = "CONNECTION"
	CodeConnectionTimeout         Code = "CONNECTION_TIMEOUT"
	CodeChannel                   Code = "CHANNEL"
	CodeChannelAcquisitionTimeout Code = "CHANNEL_ACQUISITION_TIMEOUT"
	CodePublish                   Code = "PUBLISH"
	CodePublishTimeout            Code = "PUBLISH_TIMEOUT"
	CodeConsume                   Code = "CONSUME"
	CodeReconnection              Code = "RECONNECTION"
	CodeCluster                   Code = "CLUSTER"
)

// Error is the typed error every public API call fails with. It is
// JSON-serialisable (all fields exported) and carries a stable Code
// plus a Details map for operation context (queue, exchange, url,
// attempt count, etc.), per spec §7/§9.
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// NewError builds an *Error with no details attached.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Details: map[string]interface{}{}}
}

// Wrap builds an *Error that records cause as the underlying reason.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause, Details: map[string]interface{}{}}
}

// wrapCause attaches a pkg/errors stack trace to a raw driver/transport
// error before it is handed to Wrap, mirroring the teacher's
// errors.Wrap(err, "context") idiom for its own Connection/Channel
// failures.
func wrapCause(cause error, context string) error {
	if cause == nil {
		return nil
	}
	return pkgerrors.Wrap(cause, context)
}

// WithDetail attaches a context key/value and returns the same *Error
// for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Code == code
}
