package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"CF-FORMS/internal/datasource"
	"CF-FORMS/internal/forms"
	"CF-FORMS/internal/models"
	"CF-FORMS/internal/notify"
	"CF-FORMS/internal/repository"
	"CF-FORMS/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// documentNamespace seeds document revisions.
var documentNamespace = uuid.MustParse("b3d5a0e2-8c41-4f6a-9e27-1d0c7a9f5b63")

var openStatuses = []models.InstanceStatus{models.InstanceStatusDraft, models.InstanceStatusInProgress}

// GenerationService turns a ready instance into its final PDF.
type GenerationService struct {
	instances repository.InstanceRepository
	templates *TemplateService
	resolver  *datasource.Resolver
	objects   ObjectStore
	renderer  Renderer
	notifier  notify.Notifier
	audit     *ActivityLogService
	inflight  singleflight.Group
	now       func() time.Time
}

func NewGenerationService(
	instances repository.InstanceRepository,
	templates *TemplateService,
	resolver *datasource.Resolver,
	objects ObjectStore,
	renderer Renderer,
	notifier notify.Notifier,
	audit *ActivityLogService,
) *GenerationService {
	return &GenerationService{
		instances: instances,
		templates: templates,
		resolver:  resolver,
		objects:   objects,
		renderer:  renderer,
		notifier:  notifier,
		audit:     audit,
		now:       time.Now,
	}
}

// Generate renders and stores the instance's document and completes the
// instance. Validation failures are returned as *forms.ValidationError before
// anything external is called. Concurrent calls for one instance share a
// single run.
func (s *GenerationService) Generate(ctx context.Context, instanceID, actor string) (models.Instance, error) {
	// Joined callers share this run, so it must outlive the first caller's request.
	shared := context.WithoutCancel(ctx)
	v, err, joined := s.inflight.Do(instanceID, func() (interface{}, error) {
		return s.generate(shared, instanceID, actor)
	})
	if joined {
		slog.Info("joined in-flight generation", "instanceId", instanceID)
	}
	if err != nil {
		return models.Instance{}, err
	}
	return v.(models.Instance).Clone(), nil
}

func (s *GenerationService) generate(ctx context.Context, instanceID, actor string) (models.Instance, error) {
	inst, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return models.Instance{}, notFound(err, ErrInstanceNotFound)
	}
	tmpl, err := s.templates.Get(ctx, inst.TemplateID)
	if err != nil {
		return models.Instance{}, err
	}

	req, err := forms.BuildGenerationRequest(inst, tmpl)
	if err != nil {
		return models.Instance{}, err
	}

	logCtx := slog.With("instanceId", inst.ID, "templateId", tmpl.ID, "subjectId", inst.SubjectID)
	logCtx.Info("starting generation", "dbFields", len(req.DBFields), "manualValues", len(req.ManualValues))

	objectName, err := s.render(ctx, logCtx, tmpl, req)
	if err != nil {
		return s.fail(ctx, logCtx, inst, actor, err)
	}

	completedAt := s.now().UTC()
	ok, err := s.instances.Transition(ctx, inst.ID, openStatuses, models.InstanceStatusCompleted, repository.TransitionFields{
		OutputObject: objectName,
		CompletedAt:  &completedAt,
	})
	if err != nil {
		return s.fail(ctx, logCtx, inst, actor, fmt.Errorf("failed to complete instance: %w", err))
	}
	if !ok {
		// Another process completed it first; its result is the one kept.
		current, err := s.instances.GetByID(ctx, inst.ID)
		if err != nil {
			return models.Instance{}, fmt.Errorf("failed to reload instance: %w", err)
		}
		if current.Status == models.InstanceStatusCompleted {
			logCtx.Info("instance was completed concurrently")
			return current, nil
		}
		return models.Instance{}, fmt.Errorf("instance %s left %v unexpectedly", inst.ID, openStatuses)
	}

	completed, err := s.instances.GetByID(ctx, inst.ID)
	if err != nil {
		return models.Instance{}, fmt.Errorf("failed to reload instance: %w", err)
	}
	logCtx.Info("generation completed", "object", objectName)

	s.audit.Record(ctx, AuditEntry{
		Action:     models.ActionGenerationCompleted,
		Actor:      actor,
		InstanceID: completed.ID,
		TemplateID: completed.TemplateID,
		SubjectID:  completed.SubjectID,
		Detail:     map[string]interface{}{"outputObject": objectName},
	})

	if err := s.notifier.InstanceCompleted(ctx, notify.InstanceCompleted{
		InstanceID:   completed.ID,
		TemplateID:   completed.TemplateID,
		SubjectID:    completed.SubjectID,
		OutputObject: completed.OutputObject,
		CompletedAt:  completedAt,
	}); err != nil {
		logCtx.Error("failed to publish completion event", "error", err)
	}
	return completed, nil
}

// render resolves db fields, fetches assets, renders and stores the PDF.
// It returns the object name of the stored document.
func (s *GenerationService) render(ctx context.Context, logCtx *slog.Logger, tmpl models.Template, req models.GenerationRequest) (string, error) {
	resolution, err := s.resolver.Resolve(ctx, req.SubjectID, req.DBFields)
	if err != nil {
		return "", fmt.Errorf("failed to resolve db fields: %w", err)
	}
	for fieldID, v := range resolution.Values {
		req.ResolvedValues[fieldID] = v
	}
	if len(resolution.Missing) > 0 {
		logCtx.Warn("rendering with unresolved required db fields", "count", len(resolution.Missing))
	}

	job := RenderJob{Template: tmpl, Request: req}
	if req.SignatureRef != "" {
		if job.Signature, err = readObject(ctx, s.objects, req.SignatureRef); err != nil {
			return "", fmt.Errorf("failed to fetch signature: %w", err)
		}
	}
	if tmpl.SourceObject != "" {
		if job.BaseDocument, err = readObject(ctx, s.objects, tmpl.SourceObject); err != nil {
			return "", fmt.Errorf("failed to fetch template source: %w", err)
		}
	}

	pdf, err := s.renderer.Render(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to render document: %w", err)
	}

	revision, err := documentRevision(tmpl, req)
	if err != nil {
		return "", err
	}
	objectName := storage.DocumentObjectName(req.InstanceID, tmpl.Title, revision)
	created, err := s.objects.SaveAtomically(ctx, bytes.NewReader(pdf), objectName, contentTypePDF)
	if err != nil {
		return "", fmt.Errorf("failed to store document: %w", err)
	}
	if !created {
		logCtx.Info("document already stored by an earlier attempt", "object", objectName)
	}
	return objectName, nil
}

// documentRevision identifies what a rendering is made of: the resolved
// request and the template version. Equal inputs give equal revisions.
func documentRevision(tmpl models.Template, req models.GenerationRequest) (string, error) {
	payload, err := json.Marshal(struct {
		Request      models.GenerationRequest `json:"request"`
		SourceObject string                   `json:"sourceObject"`
		UpdatedAt    time.Time                `json:"updatedAt"`
	}{req, tmpl.SourceObject, tmpl.UpdatedAt.UTC()})
	if err != nil {
		return "", fmt.Errorf("failed to encode generation request: %w", err)
	}
	id := uuid.NewSHA1(documentNamespace, payload)
	return strings.ReplaceAll(id.String(), "-", "")[:12], nil
}

// fail records the failure on the instance, which stays open for a retry.
func (s *GenerationService) fail(ctx context.Context, logCtx *slog.Logger, inst models.Instance, actor string, cause error) (models.Instance, error) {
	logCtx.Error("generation failed", "error", cause)

	if _, err := s.instances.Transition(ctx, inst.ID, openStatuses, models.InstanceStatusInProgress, repository.TransitionFields{
		LastError: cause.Error(),
	}); err != nil {
		logCtx.Error("failed to record generation failure", "error", err)
	}

	s.audit.Record(ctx, AuditEntry{
		Action:     models.ActionGenerationFailed,
		Actor:      actor,
		InstanceID: inst.ID,
		TemplateID: inst.TemplateID,
		SubjectID:  inst.SubjectID,
		Detail:     map[string]interface{}{"error": cause.Error()},
	})
	return models.Instance{}, fmt.Errorf("%w: %w", ErrExternalService, cause)
}
