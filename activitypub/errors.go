package activitypub

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/tusker/domain"
	goerrors "github.com/goliatone/go-errors"
)

// Text codes attached to handler errors
const (
	TextBadRequest    = "BAD_REQUEST"
	TextUnprocessable = "UNPROCESSABLE"
	TextUnauthorized  = "UNAUTHORIZED"
	TextProhibited    = "PROHIBITED"
	TextNotFound      = "NOT_FOUND"
	TextInternal      = "INTERNAL"
)

var (
	// ErrNoDateProvided is returned when a signed request carries no Date header
	ErrNoDateProvided = errors.New("signed request has no date header")
	// ErrMultipleSignatures is returned when more than one Signature header is present
	ErrMultipleSignatures = errors.New("exactly one signature header is required")
	// ErrSignatureInvalid covers key retrieval and cryptographic failures
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrProhibited is returned when the origin instance is blocked
	ErrProhibited = errors.New("origin instance is blocked")
	// ErrTaskFailed is returned once a background fetch exhausted its retries
	ErrTaskFailed = errors.New("task failed")
)

// Outcome is the result class of processing one activity
type Outcome int

const (
	Accepted Outcome = iota
	NotFound
	BadRequest
	Unprocessable
	Unauthorized
	Forbidden
	InternalError
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case NotFound:
		return "not found"
	case BadRequest:
		return "bad request"
	case Unprocessable:
		return "unprocessable"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	default:
		return "internal error"
	}
}

// Status maps the outcome to an HTTP status code
func (o Outcome) Status() int {
	switch o {
	case Accepted:
		return http.StatusAccepted
	case NotFound:
		return http.StatusNotFound
	case BadRequest:
		return http.StatusBadRequest
	case Unprocessable:
		return http.StatusUnprocessableEntity
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// OutcomeOf classifies err. A nil error is Accepted; anything that is not
// a categorised handler error is an InternalError.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Accepted
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.TextCode {
		case TextUnprocessable:
			return Unprocessable
		case TextUnauthorized:
			return Unauthorized
		case TextProhibited:
			return Forbidden
		}
		switch richErr.Category {
		case goerrors.CategoryValidation:
			return BadRequest
		case goerrors.CategoryNotFound:
			return NotFound
		case goerrors.CategoryAuthz:
			return Forbidden
		}
		return InternalError
	}
	switch {
	case errors.Is(err, ErrProhibited):
		return Forbidden
	case errors.Is(err, ErrNoDateProvided), errors.Is(err, ErrMultipleSignatures):
		return BadRequest
	case errors.Is(err, ErrSignatureInvalid):
		return Unauthorized
	case errors.Is(err, domain.ErrNotFound):
		return NotFound
	}
	return InternalError
}

func badRequest(format string, args ...any) error {
	return goerrors.New(fmt.Sprintf(format, args...), goerrors.CategoryValidation).
		WithCode(goerrors.CodeBadRequest).
		WithTextCode(TextBadRequest)
}

func unprocessable(format string, args ...any) error {
	return goerrors.New(fmt.Sprintf(format, args...), goerrors.CategoryValidation).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(TextUnprocessable)
}

func unauthorized(format string, args ...any) error {
	return goerrors.New(fmt.Sprintf(format, args...), goerrors.CategoryAuthz).
		WithCode(http.StatusUnauthorized).
		WithTextCode(TextUnauthorized)
}

func prohibited(domainName string) error {
	return goerrors.Wrap(ErrProhibited, goerrors.CategoryAuthz, "instance "+domainName+" is blocked").
		WithCode(goerrors.CodeForbidden).
		WithTextCode(TextProhibited)
}

func notFound(format string, args ...any) error {
	return goerrors.New(fmt.Sprintf(format, args...), goerrors.CategoryNotFound).
		WithCode(goerrors.CodeNotFound).
		WithTextCode(TextNotFound)
}

func internal(err error, msg string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).
		WithCode(goerrors.CodeInternal).
		WithTextCode(TextInternal)
}

// storeErr turns a persistence failure into a handler error
func storeErr(err error, what string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return notFound("%s not found", what)
	}
	return internal(err, "failed to access "+what)
}
