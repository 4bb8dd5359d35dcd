// Package iggyerr defines the stable wire error codes returned by the
// broker core and a small Error type that carries one of them.
package iggyerr

import "fmt"

// Code is a stable u32 wire error code (spec §6). Values never change once
// shipped, so clients can match on them across versions.
type Code uint32

const (
	CodeInvalidCommand             Code = 1
	CodeUnauthenticated            Code = 10
	CodeUnauthorized               Code = 11
	CodeStreamIdNotFound           Code = 100
	CodeStreamNameAlreadyExists    Code = 101
	CodeTopicIdNotFound            Code = 200
	CodeTopicNameAlreadyExists     Code = 201
	CodeInvalidTopicName           Code = 202
	CodeInvalidStreamName          Code = 102
	CodePartitionNotFound          Code = 300
	CodeInvalidPartitionsCount     Code = 301
	CodeConsumerGroupNotFound      Code = 400
	CodeConsumerGroupAlreadyExists Code = 401
	CodeInvalidOffset              Code = 500
	CodeSegmentNotFound            Code = 600
	CodeSegmentFull                Code = 601
	CodeCannotReadBatch            Code = 602
	CodeCannotDecryptData          Code = 603
	CodeMessageTooBig              Code = 604
	CodeInvalidPersonalAccessToken Code = 700
	CodePersonalAccessTokenExpired Code = 701
	CodeUserNotFound               Code = 800
	CodeUserAlreadyExists          Code = 801
	CodeCannotDeleteRootUser       Code = 802
	CodeResourceNotFound           Code = 900
	CodeConnectionClosed           Code = 901
	CodeStateLogWriteFailed        Code = 902
)

// Error is the broker's canonical fallible-operation result, carrying
// the code the transport layer maps to a wire status. Some components
// return plain errors instead; CodeOf maps those to CodeResourceNotFound.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error around an underlying cause, preserving it for
// errors.Is/errors.As while keeping the wire code stable.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the wire code from err, defaulting to ResourceNotFound
// for errors that did not originate as an *Error — the dispatcher must
// never panic or fall through without a code.
func CodeOf(err error) Code {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Code
	}
	return CodeResourceNotFound
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
