package engine

import (
	"errors"
	"fmt"
	"strings"

	"envline/internal/payload"
)

var (
	// ErrReferenceExists means the reference code is already bound to an
	// envelope.
	ErrReferenceExists = errors.New("reference code already in use")

	ErrTokenRevoked  = errors.New("contribution token revoked")
	ErrTokenExpired  = errors.New("contribution token expired")
	ErrTokenPassword = errors.New("contribution token password mismatch")
)

// NotEditableError is returned by mutations on a locked or terminal
// envelope.
type NotEditableError struct {
	Status string
}

func (e *NotEditableError) Error() string {
	return fmt.Sprintf("envelope is not editable in status %s", e.Status)
}

// NotSettleableError is returned when lock, settle or reopen guards are
// not met. Reason names the unmet condition.
type NotSettleableError struct {
	Op     string
	Reason string
}

func (e *NotSettleableError) Error() string {
	return fmt.Sprintf("cannot %s envelope: %s", e.Op, e.Reason)
}

// DocumentTypeNotAllowedError is returned before any storage write when an
// upload names an undeclared doc type or a disallowed MIME type.
type DocumentTypeNotAllowedError struct {
	DocType string
	Mime    string
}

func (e *DocumentTypeNotAllowedError) Error() string {
	if e.Mime != "" {
		return fmt.Sprintf("mime type %s not allowed for document type %s", e.Mime, e.DocType)
	}
	return fmt.Sprintf("document type %s not declared by driver", e.DocType)
}

// ValidationError carries field-level payload schema violations.
type ValidationError struct {
	Issues []payload.Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.String()
	}
	return "payload validation failed: " + strings.Join(msgs, "; ")
}

// InvalidArgumentError is returned for malformed input, such as a missing
// reason on reopen, cancel or reject.
type InvalidArgumentError struct {
	Msg string
}

func (e *InvalidArgumentError) Error() string { return e.Msg }

func invalidArg(format string, args ...any) error {
	return &InvalidArgumentError{Msg: fmt.Sprintf(format, args...)}
}
