package services

import (
	"errors"

	"CF-FORMS/internal/repository"
)

var (
	ErrTemplateNotFound  = errors.New("template not found")
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrUnknownField      = errors.New("field does not belong to the template")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDocumentNotReady  = errors.New("document has not been generated yet")
	ErrInstanceCompleted = repository.ErrInstanceCompleted
	// ErrExternalService wraps failures of data sources, storage or the
	// renderer. The instance stays open so the operation can be retried.
	ErrExternalService = errors.New("external service failure")
)

func notFound(err, sentinel error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return sentinel
	}
	return err
}
