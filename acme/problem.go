package acme

import (
	"fmt"
	"net/http"
)

// The namespace prefix for ACME error types registered by RFC 8555.
// See https://tools.ietf.org/html/rfc8555#section-6.7
const ErrorTypePrefix = "urn:ietf:params:acme:error:"

// Error codes understood by this server. Each maps to a problem document
// type of the form ErrorTypePrefix + code.
const (
	ErrMalformed             = "malformed"
	ErrUnauthorized          = "unauthorized"
	ErrBadNonce              = "badNonce"
	ErrBadSignatureAlgorithm = "badSignatureAlgorithm"
	ErrBadPublicKey          = "badPublicKey"
	ErrBadCSR                = "badCSR"
	ErrBadRevocationReason   = "badRevocationReason"
	ErrAccountDoesNotExist   = "accountDoesNotExist"
	ErrTOSNotAgreed          = "termsOfServiceNotAgreed"
	ErrInvalidContact        = "invalidContact"
	ErrOrderNotReady         = "orderNotReady"
	ErrOrderInvalid          = "orderInvalid"
	ErrAlreadyRevoked        = "alreadyRevoked"
	ErrUnsupportedOperation  = "unsupportedOperation"
)

// problemStatus maps error codes to the HTTP status attached to their
// problem documents. Codes not present here use 400.
var problemStatus = map[string]int{
	ErrUnauthorized:         http.StatusForbidden,
	ErrUnsupportedOperation: http.StatusNotImplemented,
}

// Problem is an ACME problem document. It implements the error interface so
// handlers can return one directly and let the response layer render it as
// application/problem+json with the mapped HTTP status.
//
// See https://tools.ietf.org/html/rfc8555#section-6.7
type Problem struct {
	// The problem type URN, e.g. "urn:ietf:params:acme:error:badNonce".
	Type string `json:"type"`
	// A human readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// The HTTP status code to return alongside the document. Not part of the
	// RFC 8555 problem body but carried here so it survives to the response
	// layer.
	Status int `json:"status,omitempty"`
}

// Error makes Problem satisfy the error interface.
func (p *Problem) Error() string {
	if p.Detail == "" {
		return p.Type
	}
	return fmt.Sprintf("%s: %s", p.Type, p.Detail)
}

// NewProblem builds a Problem from one of the Err* error codes and an
// optional printf-style detail message.
func NewProblem(code string, format string, args ...interface{}) *Problem {
	status, ok := problemStatus[code]
	if !ok {
		status = http.StatusBadRequest
	}
	return &Problem{
		Type:   ErrorTypePrefix + code,
		Detail: fmt.Sprintf(format, args...),
		Status: status,
	}
}

// NotFoundProblem is returned when a resource does not exist or is not owned
// by the authenticated account. RFC 8555 does not register a dedicated code
// for this case; a plain 404 problem document is used.
func NotFoundProblem() *Problem {
	return &Problem{
		Type:   "about:blank",
		Detail: "The requested resource does not exist.",
		Status: http.StatusNotFound,
	}
}

// InternalProblem is the generic 500-class problem document. The detail is
// deliberately generic so internal failures do not leak.
func InternalProblem() *Problem {
	return &Problem{
		Type:   ErrorTypePrefix + "serverInternal",
		Detail: "The server experienced an internal error.",
		Status: http.StatusInternalServerError,
	}
}
