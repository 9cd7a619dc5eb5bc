package broker

import (
	"net/http"

	"github.com/patient-imaging/study-access-broker/audit"
)

type Kind int

const (
	InternalError Kind = iota
	BadRequest
	NotFound
	UpstreamUnavailable
	TokenIssuanceFailed
)

// Public messages are fixed per kind. Upstream detail only goes to the logs.
const (
	msgBadRequest          = "accessionNumber and birthDate (YYYY-MM-DD) are required."
	msgNotFound            = "Study not found or details incorrect."
	msgUpstreamUnavailable = "The study archive is unavailable, please try again later."
	msgTokenFailed         = "Unable to grant access to the study, please try again later."
	msgInternalError       = "Internal server error."
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "BadRequest"
	case NotFound:
		return "NotFound"
	case UpstreamUnavailable:
		return "UpstreamUnavailable"
	case TokenIssuanceFailed:
		return "TokenIssuanceFailed"
	default:
		return "InternalError"
	}
}

func (k Kind) StatusCode() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) Message() string {
	switch k {
	case BadRequest:
		return msgBadRequest
	case NotFound:
		return msgNotFound
	case UpstreamUnavailable:
		return msgUpstreamUnavailable
	case TokenIssuanceFailed:
		return msgTokenFailed
	default:
		return msgInternalError
	}
}

// Error is the only error type that leaves the broker. Err holds the internal
// cause for logging and is never shown to the caller.
type Error struct {
	Kind    Kind
	Err     error
	outcome audit.Outcome
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Cause() error {
	return e.Err
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Outcome distinguishes an ambiguous match from a missing one for auditing,
// even though both share the NotFound kind.
func (e *Error) Outcome() audit.Outcome {
	if e.outcome != "" {
		return e.outcome
	}
	switch e.Kind {
	case BadRequest:
		return audit.BadRequest
	case NotFound:
		return audit.NotFound
	case UpstreamUnavailable:
		return audit.UpstreamUnavailable
	case TokenIssuanceFailed:
		return audit.TokenFailed
	default:
		return audit.InternalError
	}
}

func asBrokerError(err error) *Error {
	if be, ok := err.(*Error); ok {
		return be
	}
	return newError(InternalError, err)
}
