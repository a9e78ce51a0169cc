package core

import (
	"errors"
	"fmt"
)

// ErrorCode categorises replication errors.
type ErrorCode string

const (
	// CodeSignatureInvalid indicates a header signature does not verify.
	CodeSignatureInvalid ErrorCode = "SIGNATURE_INVALID"

	// CodeChainMismatch indicates bad backlink or seq_num continuity.
	CodeChainMismatch ErrorCode = "CHAIN_MISMATCH"

	// CodeDocumentMismatch indicates an operation names another document.
	CodeDocumentMismatch ErrorCode = "DOCUMENT_MISMATCH"

	// CodeDocumentMissing indicates a non-genesis operation without a document id.
	CodeDocumentMissing ErrorCode = "DOCUMENT_MISSING"

	// CodePayloadMismatch indicates the body does not match payload size or hash.
	CodePayloadMismatch ErrorCode = "PAYLOAD_MISMATCH"

	// CodeDecodeError indicates a malformed wire envelope, header or text delta.
	CodeDecodeError ErrorCode = "DECODE_ERROR"

	// CodeStoreError indicates a backing store failure.
	CodeStoreError ErrorCode = "STORE_ERROR"

	// CodeTransportError indicates a network session failure.
	CodeTransportError ErrorCode = "TRANSPORT_ERROR"

	// CodeChannelClosed indicates the other end of a pipeline went away.
	CodeChannelClosed ErrorCode = "CHANNEL_CLOSED"

	// CodePendingOverflow indicates the out-of-order buffer for a log is full.
	CodePendingOverflow ErrorCode = "PENDING_OVERFLOW"
)

// Error is the single error type of the replication layer.
type Error struct {
	Code    ErrorCode
	Message string

	// Author and SeqNum locate the offending operation, when known.
	Author *PublicKey
	SeqNum *uint64

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Author != nil && e.SeqNum != nil {
		msg = fmt.Sprintf("%s (author=%s, seq=%d)", msg, e.Author.Short(), *e.SeqNum)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// At records which operation the error is about.
func (e *Error) At(h *Header) *Error {
	author := h.PublicKey
	seq := h.SeqNum
	e.Author = &author
	e.SeqNum = &seq
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries code. Uses errors.As to handle wrapped errors.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsValidationError reports whether err is a per-operation failure that
// drops a single operation without ending its subscription.
func IsValidationError(err error) bool {
	switch CodeOf(err) {
	case CodeSignatureInvalid, CodeChainMismatch, CodeDocumentMismatch,
		CodeDocumentMissing, CodePayloadMismatch, CodeDecodeError, CodePendingOverflow:
		return true
	}
	return false
}
