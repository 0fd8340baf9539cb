// Package failure holds the error taxonomy shared by every stage of the
// transcription and translation pipelines.
package failure

import (
	"errors"
	"fmt"
)

// Kind tags an error with the category stored on failed jobs.
type Kind string

const (
	KindUnknown               Kind = "UNKNOWN_ERROR"
	KindAcquisition           Kind = "ACQUISITION_ERROR"
	KindCompression           Kind = "COMPRESSION_ERROR"
	KindTranscriptionProvider Kind = "TRANSCRIPTION_PROVIDER_ERROR"
	KindTranslationProvider   Kind = "TRANSLATION_PROVIDER_ERROR"
	KindTranslationValidation Kind = "TRANSLATION_VALIDATION_ERROR"
	KindInvalidState          Kind = "INVALID_STATE"
	KindPersistence           Kind = "PERSISTENCE_ERROR"
	KindNotFound              Kind = "NOT_FOUND"
	KindInput                 Kind = "INVALID_INPUT"
)

var (
	// ErrNotFound is returned by repositories for missing rows.
	ErrNotFound   = errors.New("not found")
	// ErrNoSegments is returned before any provider call when there is nothing to translate.
	ErrNoSegments = errors.New("no segments to translate")
)

// Error is a categorized pipeline error. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds a categorized error.
func New(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Acquisition(op, msg string, err error) *Error {
	return New(KindAcquisition, op, msg, err)
}

func Compression(op, msg string, err error) *Error {
	return New(KindCompression, op, msg, err)
}

func TranscriptionProvider(op, msg string, err error) *Error {
	return New(KindTranscriptionProvider, op, msg, err)
}

func TranslationProvider(op, msg string, err error) *Error {
	return New(KindTranslationProvider, op, msg, err)
}

func TranslationValidation(op, msg string, err error) *Error {
	return New(KindTranslationValidation, op, msg, err)
}

func Persistence(op string, err error) *Error {
	return New(KindPersistence, op, "", err)
}

// KindOf returns the category of err, walking the wrap chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ise *InvalidStateError
	if errors.As(err, &ise) {
		return KindInvalidState
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// InvalidStateError reports an illegal lifecycle transition. It signals a bug in
// the caller and is never converted into a stored failure.
type InvalidStateError struct {
	Entity string
	Action string
	From   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: cannot %s from status %q", e.Entity, e.Action, e.From)
}

// InvalidState builds an InvalidStateError.
func InvalidState(entity, action, from string) *InvalidStateError {
	return &InvalidStateError{Entity: entity, Action: action, From: from}
}

// IsInvalidState reports whether err is, or wraps, an InvalidStateError.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}
