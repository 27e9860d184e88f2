package core

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies ingestion failures.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindExternalTool Kind = "external_tool"
	KindJoin         Kind = "join"
	KindConcurrency  Kind = "concurrency"
	KindIO           Kind = "io"
)

// Error is a classified ingestion error. Op names the failing step.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinel errors. Each one already carries its Kind when returned through
// the constructors below.
var (
	ErrBusy             = errors.New("an ingestion job is already processing")
	ErrLockTimeout      = errors.New("timed out waiting for dataset lock")
	ErrJobNotFound      = errors.New("job not found")
	ErrMissingTelephone = errors.New("TELEPHONE column not found")
	ErrNoMatches        = errors.New("no phone numbers matched the prefix table")
	ErrSchemaMismatch   = errors.New("batch header does not match master dataset header")
	ErrInvalidInputType = errors.New("invalid input file type")
	ErrMissingColumn    = errors.New("missing required column")
)

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func validationErr(op string, err error) error   { return newError(KindValidation, op, err) }
func externalToolErr(op string, err error) error { return newError(KindExternalTool, op, err) }
func joinErr(op string, err error) error         { return newError(KindJoin, op, err) }
func concurrencyErr(op string, err error) error  { return newError(KindConcurrency, op, err) }
func ioErr(op string, err error) error           { return newError(KindIO, op, err) }

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MaxErrorMessageLen caps error strings stored on jobs.
const MaxErrorMessageLen = 500

// CleanErrorMessage collapses newlines into spaces and truncates to
// MaxErrorMessageLen bytes without splitting a UTF-8 sequence.
func CleanErrorMessage(msg string) string {
	msg = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(msg)
	msg = strings.TrimSpace(msg)
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	cut := MaxErrorMessageLen
	for cut > 0 && !isRuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// errorf is fmt.Errorf wrapped into a classified error.
func errorf(kind Kind, op, format string, args ...any) error {
	return newError(kind, op, fmt.Errorf(format, args...))
}
