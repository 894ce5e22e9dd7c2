// Package repository persists templates, instances and the activity trail.
// Every backend (memory, mysql, firestore, dynamodb) implements the same
// three interfaces and the same conditional-write semantics.
package repository

import (
	"context"
	"errors"
	"time"

	"CF-FORMS/internal/forms"
	"CF-FORMS/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by TemplateRepository.Create for a taken id.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrInstanceCompleted is returned by writes that reach an instance after
	// it has been completed.
	ErrInstanceCompleted = errors.New("instance is completed")
)

type TemplateRepository interface {
	Create(ctx context.Context, t models.Template) error
	Update(ctx context.Context, t models.Template) error
	GetByID(ctx context.Context, id string) (models.Template, error)
	List(ctx context.Context) ([]models.Template, error)
	Delete(ctx context.Context, id string) error
}

// TransitionFields are written together with a status change.
type TransitionFields struct {
	OutputObject string
	LastError    string
	CompletedAt  *time.Time
}

type InstanceRepository interface {
	// GetOrCreate stores inst unless an instance for the same subject and
	// template already exists, in which case the stored one is returned with
	// created=false. Concurrent callers observe exactly one creation.
	GetOrCreate(ctx context.Context, inst models.Instance) (models.Instance, bool, error)
	GetByID(ctx context.Context, id string) (models.Instance, error)
	ListBySubject(ctx context.Context, subjectID string) ([]models.Instance, error)
	// SetValues merges values into the instance and moves a draft to
	// in_progress. It fails with ErrInstanceCompleted on completed instances.
	SetValues(ctx context.Context, id string, values map[string]string) (models.Instance, error)
	SetSignature(ctx context.Context, id, ref string) (models.Instance, error)
	// Transition moves the instance to `to` only if its current status is one
	// of from. It reports false, without error, when the condition did not hold.
	Transition(ctx context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus, fields TransitionFields) (bool, error)
}

type ActivityLogRepository interface {
	Append(ctx context.Context, entry models.ActivityLog) error
	// ListByInstance returns entries newest first, plus the total count.
	ListByInstance(ctx context.Context, instanceID string, limit, offset int) ([]models.ActivityLog, int64, error)
}

// Store bundles the repositories of one backend.
type Store struct {
	Templates  TemplateRepository
	Instances  InstanceRepository
	Activities ActivityLogRepository
	// Close releases the backend's clients. It is never nil.
	Close func() error
}

func statusIn(s models.InstanceStatus, from []models.InstanceStatus) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

// applyTransition is shared by the backends that transition in application
// code rather than with a conditional update statement.
func applyTransition(inst *models.Instance, to models.InstanceStatus, fields TransitionFields, now time.Time) {
	switch {
	case to == models.InstanceStatusCompleted:
		at := now
		if fields.CompletedAt != nil {
			at = *fields.CompletedAt
		}
		object := fields.OutputObject
		if object == "" {
			object = inst.OutputObject
		}
		*inst = forms.MarkCompleted(*inst, object, at)
	case to == models.InstanceStatusInProgress && fields.LastError != "":
		*inst = forms.MarkGenerationFailed(*inst, fields.LastError)
	default:
		inst.Status = to
		inst.LastError = fields.LastError
	}
	inst.UpdatedAt = now
}

func advanced(s models.InstanceStatus) models.InstanceStatus {
	if s == models.InstanceStatusDraft {
		return models.InstanceStatusInProgress
	}
	return s
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
