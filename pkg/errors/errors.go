// Package errors defines the stable error codes reported to callers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code is a caller-facing error code.
type Code string

const (
	CodeOK           Code = "OK"
	CodeUnknown      Code = "UNKNOWN"
	CodeInvalidParam Code = "INVALID_PARAM"
	CodeNotFound     Code = "NOT_FOUND"
	CodeInternal     Code = "INTERNAL"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeTimeout      Code = "TIMEOUT"
	CodeCanceled     Code = "CANCELED"

	CodeAgentExists          Code = "AGENT_EXISTS"
	CodeAgentNotFound        Code = "AGENT_NOT_FOUND"
	CodeOrganizationNotFound Code = "ORGANIZATION_NOT_FOUND"
	CodeRelationshipInvalid  Code = "RELATIONSHIP_INVALID"

	CodeSagaFailed         Code = "SAGA_FAILED"
	CodeCompensationFailed Code = "COMPENSATION_FAILED"
	CodeStoreWriteFailed   Code = "STORE_WRITE_FAILED"
)

type codeInfo struct {
	status    int
	retryable bool
}

// Codes missing from the table map to 500 and are not retryable.
var codes = map[Code]codeInfo{
	CodeOK:                   {http.StatusOK, false},
	CodeInvalidParam:         {http.StatusBadRequest, false},
	CodeRelationshipInvalid:  {http.StatusBadRequest, false},
	CodeNotFound:             {http.StatusNotFound, false},
	CodeAgentNotFound:        {http.StatusNotFound, false},
	CodeOrganizationNotFound: {http.StatusNotFound, false},
	CodeAgentExists:          {http.StatusConflict, false},
	CodeUnavailable:          {http.StatusServiceUnavailable, true},
	CodeStoreWriteFailed:     {http.StatusServiceUnavailable, true},
	CodeTimeout:              {http.StatusGatewayTimeout, true},
	CodeCanceled:             {499, false},
	CodeSagaFailed:           {http.StatusInternalServerError, true},
}

func lookup(code Code) codeInfo {
	if info, ok := codes[code]; ok {
		return info
	}
	return codeInfo{status: http.StatusInternalServerError}
}

// Error is a coded error safe to hand to callers. The cause is kept for
// errors.Is/As but never serialized.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: lookup(code).retryable}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap codes cause with message. A nil cause yields nil.
func Wrap(cause error, code Code, message string) *Error {
	if cause == nil {
		return nil
	}
	e := New(code, message)
	e.cause = cause
	return e
}

// HTTPStatus maps the code onto a response status.
func (e *Error) HTTPStatus() int {
	return lookup(e.Code).status
}

// CodeOf returns the code of the first *Error in err's chain, CodeOK for a
// nil err and CodeUnknown for an uncoded one.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}
