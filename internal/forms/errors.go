package forms

import (
	"errors"
	"strings"

	"CF-FORMS/internal/mapping"
)

var (
	ErrMissingRequiredFields = errors.New("required fields are missing")
	ErrMissingSignature      = errors.New("signature is missing")
	ErrAlreadyCompleted      = errors.New("instance already completed")
)

type ErrorKind string

const (
	KindMissingRequiredFields ErrorKind = "missing_required_fields"
	KindMissingSignature      ErrorKind = "missing_signature"
	KindAlreadyCompleted      ErrorKind = "already_completed"
)

// ValidationError is returned before any external call is made. Missing is
// only set for KindMissingRequiredFields.
type ValidationError struct {
	Kind    ErrorKind
	Missing []mapping.MissingField
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindMissingRequiredFields:
		return ErrMissingRequiredFields.Error() + ": " + strings.Join(e.MissingLabels(), ", ")
	case KindMissingSignature:
		return ErrMissingSignature.Error()
	case KindAlreadyCompleted:
		return ErrAlreadyCompleted.Error()
	}
	return "validation failed"
}

func (e *ValidationError) Is(target error) bool {
	switch e.Kind {
	case KindMissingRequiredFields:
		return target == ErrMissingRequiredFields
	case KindMissingSignature:
		return target == ErrMissingSignature
	case KindAlreadyCompleted:
		return target == ErrAlreadyCompleted
	}
	return false
}

// MissingLabels returns the labels of the missing fields, for operator-facing messages.
func (e *ValidationError) MissingLabels() []string {
	labels := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		labels = append(labels, m.Label)
	}
	return labels
}
