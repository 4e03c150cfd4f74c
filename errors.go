package main

import (
	"errors"
	"fmt"
	"net/http"
)

type errorKind string

const (
	kindInvalidInput          errorKind = "InvalidInput"
	kindInvalidIndex          errorKind = "InvalidIndex"
	kindNotFound              errorKind = "NotFound"
	kindAlreadyExists         errorKind = "AlreadyExists"
	kindNotFoundRemote        errorKind = "NotFoundRemote"
	kindCustomDomainImmutable errorKind = "CustomDomainImmutable"
	kindProviderUnavailable   errorKind = "ProviderUnavailable"
	kindProviderRejected      errorKind = "ProviderRejected"
	kindInternal              errorKind = "Internal"
)

// Sentinels for errors.Is; any *opError of the same kind matches.
var (
	ErrInvalidInput          = &opError{Kind: kindInvalidInput}
	ErrInvalidIndex          = &opError{Kind: kindInvalidIndex}
	ErrNotFound              = &opError{Kind: kindNotFound}
	ErrAlreadyExists         = &opError{Kind: kindAlreadyExists}
	ErrNotFoundRemote        = &opError{Kind: kindNotFoundRemote}
	ErrCustomDomainImmutable = &opError{Kind: kindCustomDomainImmutable}
	ErrProviderUnavailable   = &opError{Kind: kindProviderUnavailable}
	ErrProviderRejected      = &opError{Kind: kindProviderRejected}
)

// opError carries the failing operation and, for provider failures, the
// name and record type involved.
type opError struct {
	Kind       errorKind
	Op         string
	Name       string
	RecordType string
	Msg        string
	Err        error
}

func (e *opError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.RecordType != "" && e.Name != "" {
		msg += fmt.Sprintf(" (%s %s)", e.RecordType, e.Name)
	} else if e.Name != "" {
		msg += " (" + e.Name + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *opError) Unwrap() error {
	return e.Err
}

func (e *opError) Is(target error) bool {
	t, ok := target.(*opError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind errorKind, op, msg string) *opError {
	return &opError{Kind: kind, Op: op, Msg: msg}
}

func wrapError(kind errorKind, op string, err error) *opError {
	return &opError{Kind: kind, Op: op, Err: err}
}

// errorKindOf reports the kind of the first *opError in err's chain.
func errorKindOf(err error) errorKind {
	var oe *opError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return kindInternal
}

// withRecord annotates a provider error with the name and record type.
func withRecord(err error, name, recordType string) error {
	var oe *opError
	if !errors.As(err, &oe) {
		return err
	}
	cp := *oe
	if cp.Name == "" {
		cp.Name = name
	}
	if cp.RecordType == "" {
		cp.RecordType = recordType
	}
	return &cp
}

func httpStatusFor(err error) int {
	switch errorKindOf(err) {
	case kindInvalidInput, kindInvalidIndex:
		return http.StatusBadRequest
	case kindNotFound:
		return http.StatusNotFound
	case kindAlreadyExists, kindCustomDomainImmutable, kindNotFoundRemote:
		return http.StatusConflict
	case kindProviderRejected:
		return http.StatusBadGateway
	case kindProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
