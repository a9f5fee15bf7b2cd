package shared

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies engine failures.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindPersistence Kind = "persistence"
)

var (
	// ErrValidation indicates a missing or invalid input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the resource is already in the requested or a terminal state.
	ErrConflict = errors.New("conflict")
	// ErrPersistence wraps failures of the underlying store.
	ErrPersistence = errors.New("persistence failure")
)

// Error carries a kind and a stable code the UI can render without parsing messages.
type Error struct {
	Kind Kind
	Code string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel for the error kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrPersistence:
		return e.Kind == KindPersistence
	}
	return false
}

// Validation builds a validation error.
func Validation(op, code string, err error) error {
	return &Error{Kind: KindValidation, Code: code, Op: op, Err: err}
}

// NotFound builds a not-found error.
func NotFound(op, code string, err error) error {
	return &Error{Kind: KindNotFound, Code: code, Op: op, Err: err}
}

// Conflict builds a conflict error.
func Conflict(op, code string, err error) error {
	return &Error{Kind: KindConflict, Code: code, Op: op, Err: err}
}

// Persistence wraps a store failure. Nil stays nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: KindPersistence, Code: "persistence", Op: op, Err: err}
}

// CodeOf extracts the stable code from err, falling back to the kind of failure.
func CodeOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) && typed.Code != "" {
		return typed.Code
	}
	if err == nil {
		return ""
	}
	return "internal"
}

// KindOf reports the kind of err, persistence for unknown failures.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindPersistence
}

// Failure records one line or order that a batch operation could not process.
type Failure struct {
	Ref     string `json:"ref"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFailure builds a Failure for ref from err.
func NewFailure(ref string, err error) Failure {
	return Failure{Ref: ref, Code: CodeOf(err), Message: err.Error()}
}

// SortFailures orders failures by ref kind, then by numeric id where the ref carries one,
// so "line:2" precedes "line:10".
func SortFailures(failures []Failure) {
	sort.SliceStable(failures, func(i, j int) bool {
		ki, idi := splitRef(failures[i].Ref)
		kj, idj := splitRef(failures[j].Ref)
		if ki != kj {
			return ki < kj
		}
		ni, errI := strconv.ParseInt(idi, 10, 64)
		nj, errJ := strconv.ParseInt(idj, 10, 64)
		switch {
		case errI == nil && errJ == nil:
			return ni < nj
		case errI == nil:
			return true
		case errJ == nil:
			return false
		}
		return idi < idj
	})
}

func splitRef(ref string) (kind, id string) {
	kind, id, _ = strings.Cut(ref, ":")
	return kind, id
}
