package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cohortbase-io/cohortbase/internal/schema"
)

// ErrorKind is the closed set of ingestion failure kinds.
type ErrorKind string

const (
	// KindSchemaValidation: the document fails structural validation. Never reaches storage.
	KindSchemaValidation ErrorKind = "schema_validation"

	// KindReferential: a required reference cannot be resolved. Aborts the unit of work.
	KindReferential ErrorKind = "referential"

	// KindMalformedInput: the retrieved bytes are not the expected document shape.
	KindMalformedInput ErrorKind = "malformed_input"

	// KindRetrieval: a document reference cannot be resolved to local bytes.
	KindRetrieval ErrorKind = "retrieval"

	// KindStorage: the unit of work failed for a storage-layer reason.
	KindStorage ErrorKind = "storage"
)

// Sentinel errors matched by errors.Is against an *Error of the same kind.
var (
	ErrSchemaValidation = errors.New("schema validation failed")
	ErrReferential      = errors.New("unresolved reference")
	ErrMalformedInput   = errors.New("malformed input")
	ErrRetrieval        = errors.New("document retrieval failed")
	ErrStorage          = errors.New("storage failure")

	// ErrAlreadyExists is the cause of referential errors raised for a root record ID
	// that is already stored.
	ErrAlreadyExists = errors.New("already exists")
)

// Error is a typed ingestion failure.
type Error struct {
	Kind    ErrorKind
	Message string

	// Identifier names the missing or offending entity, when there is one.
	Identifier string

	// Issues is populated for KindSchemaValidation.
	Issues []schema.Issue

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.sentinel().Error())

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindSchemaValidation:
		return ErrSchemaValidation
	case KindReferential:
		return ErrReferential
	case KindMalformedInput:
		return ErrMalformedInput
	case KindRetrieval:
		return ErrRetrieval
	default:
		return ErrStorage
	}
}

func newSchemaValidationError(issues []schema.Issue) *Error {
	return &Error{
		Kind:    KindSchemaValidation,
		Message: fmt.Sprintf("%d issue(s)", len(issues)),
		Issues:  issues,
	}
}

// NewReferentialError reports an unresolvable reference to identifier.
func NewReferentialError(identifier, format string, args ...any) *Error {
	return &Error{Kind: KindReferential, Identifier: identifier, Message: fmt.Sprintf(format, args...)}
}

// NewDuplicateError reports a root record whose ID is already stored.
func NewDuplicateError(identifier, format string, args ...any) *Error {
	return &Error{
		Kind:       KindReferential,
		Identifier: identifier,
		Message:    fmt.Sprintf(format, args...),
		Err:        ErrAlreadyExists,
	}
}

// NewMalformedInputError reports input that is not the expected document shape.
func NewMalformedInputError(err error, format string, args ...any) *Error {
	return &Error{Kind: KindMalformedInput, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewRetrievalError reports a document reference that could not be fetched.
func NewRetrievalError(reference string, err error) *Error {
	return &Error{Kind: KindRetrieval, Identifier: reference, Message: reference, Err: err}
}

// NewStorageError wraps a storage-layer failure.
func NewStorageError(err error, format string, args ...any) *Error {
	return &Error{Kind: KindStorage, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err. Errors that are not *Error are storage failures,
// since only the storage collaborator returns untyped errors into the unit of work.
func KindOf(err error) ErrorKind {
	var ingestErr *Error
	if errors.As(err, &ingestErr) {
		return ingestErr.Kind
	}

	return KindStorage
}

// asIngestError converts any error into an *Error, wrapping untyped errors as storage failures.
func asIngestError(err error) *Error {
	var ingestErr *Error
	if errors.As(err, &ingestErr) {
		return ingestErr
	}

	return NewStorageError(err, "unit of work failed")
}
