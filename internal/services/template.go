package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"CF-FORMS/internal/mapping"
	"CF-FORMS/internal/models"
	"CF-FORMS/internal/processor"
	"CF-FORMS/internal/repository"
	"CF-FORMS/internal/storage"

	"github.com/google/uuid"
)

const (
	contentTypePDF  = "application/pdf"
	contentTypeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

type TemplateService struct {
	repo    repository.TemplateRepository
	objects ObjectStore
	audit   *ActivityLogService
	now     func() time.Time
}

func NewTemplateService(repo repository.TemplateRepository, objects ObjectStore, audit *ActivityLogService) *TemplateService {
	return &TemplateService{
		repo:    repo,
		objects: objects,
		audit:   audit,
		now:     time.Now,
	}
}

// Create validates t and stores its normalized form.
func (s *TemplateService) Create(ctx context.Context, t models.Template, actor string) (models.Template, error) {
	if err := mapping.ValidateTemplate(t); err != nil {
		return models.Template{}, err
	}

	t = mapping.NormalizeTemplate(t)
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.New().String()
	}
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	if err := s.repo.Create(ctx, t); err != nil {
		return models.Template{}, fmt.Errorf("failed to save template: %w", err)
	}

	s.audit.Record(ctx, AuditEntry{
		Action:     models.ActionTemplateSaved,
		Actor:      actor,
		TemplateID: t.ID,
		Detail:     map[string]interface{}{"fields": len(t.Fields), "created": true},
	})
	return t, nil
}

// Update replaces the definition of an existing template. The source
// document is kept unless t names another one.
func (s *TemplateService) Update(ctx context.Context, id string, t models.Template, actor string) (models.Template, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return models.Template{}, err
	}
	if err := mapping.ValidateTemplate(t); err != nil {
		return models.Template{}, err
	}

	t = mapping.NormalizeTemplate(t)
	t.ID = existing.ID
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = s.now().UTC()
	if t.SourceObject == "" {
		t.SourceObject = existing.SourceObject
		t.SourceKind = existing.SourceKind
		t.PageCount = existing.PageCount
	}

	if err := s.repo.Update(ctx, t); err != nil {
		return models.Template{}, fmt.Errorf("failed to update template: %w", notFound(err, ErrTemplateNotFound))
	}

	s.audit.Record(ctx, AuditEntry{
		Action:     models.ActionTemplateSaved,
		Actor:      actor,
		TemplateID: t.ID,
		Detail:     map[string]interface{}{"fields": len(t.Fields)},
	})
	return t, nil
}

// Get returns the normalized template, so legacy signature encodings never
// reach callers.
func (s *TemplateService) Get(ctx context.Context, id string) (models.Template, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return models.Template{}, notFound(err, ErrTemplateNotFound)
	}
	return mapping.NormalizeTemplate(t), nil
}

func (s *TemplateService) List(ctx context.Context) ([]models.Template, error) {
	templates, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	for i := range templates {
		templates[i] = mapping.NormalizeTemplate(templates[i])
	}
	return templates, nil
}

func (s *TemplateService) Delete(ctx context.Context, id, actor string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete template: %w", notFound(err, ErrTemplateNotFound))
	}
	if t.SourceObject != "" {
		if err := s.objects.DeleteFile(ctx, t.SourceObject); err != nil {
			slog.Warn("failed to delete template source", "templateId", id, "object", t.SourceObject, "error", err)
		}
	}

	s.audit.Record(ctx, AuditEntry{Action: models.ActionTemplateDeleted, Actor: actor, TemplateID: id})
	return nil
}

// UploadSource attaches a base document to a template. PDFs are validated
// and their pages counted; DOCX placeholders without a matching field are
// added as manual fields.
func (s *TemplateService) UploadSource(ctx context.Context, id, filename string, data []byte, actor string) (models.Template, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return models.Template{}, err
	}

	var contentType string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		pages, err := ValidatePDF(data)
		if err != nil {
			return models.Template{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		t.SourceKind = models.SourceKindPDF
		t.PageCount = pages
		contentType = contentTypePDF
	case ".docx":
		proc, err := processor.NewDocxProcessor(data)
		if err != nil {
			return models.Template{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		t.Fields = addPlaceholderFields(t, proc.ExtractPlaceholders())
		t.SourceKind = models.SourceKindDocx
		t.PageCount = 0
		contentType = contentTypeDocx
	default:
		return models.Template{}, fmt.Errorf("%w: only .pdf and .docx files are supported", ErrInvalidInput)
	}

	if err := mapping.ValidateTemplate(t); err != nil {
		return models.Template{}, err
	}

	previous := t.SourceObject
	objectName := storage.TemplateSourceObjectName(t.ID, filename)
	if _, err := s.objects.UploadFile(ctx, bytes.NewReader(data), objectName, contentType); err != nil {
		return models.Template{}, fmt.Errorf("%w: failed to upload template source: %v", ErrExternalService, err)
	}
	t.SourceObject = objectName
	t.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, t); err != nil {
		if derr := s.objects.DeleteFile(ctx, objectName); derr != nil {
			slog.Warn("failed to remove orphaned template source", "object", objectName, "error", derr)
		}
		return models.Template{}, fmt.Errorf("failed to update template: %w", notFound(err, ErrTemplateNotFound))
	}
	if previous != "" && previous != objectName {
		if err := s.objects.DeleteFile(ctx, previous); err != nil {
			slog.Warn("failed to delete replaced template source", "object", previous, "error", err)
		}
	}

	s.audit.Record(ctx, AuditEntry{
		Action:     models.ActionTemplateSaved,
		Actor:      actor,
		TemplateID: t.ID,
		Detail:     map[string]interface{}{"source": objectName, "kind": string(t.SourceKind)},
	})
	return t, nil
}

// addPlaceholderFields returns t's fields plus a manual text field for every
// placeholder not already used as a field id or manual key.
func addPlaceholderFields(t models.Template, placeholders []string) []models.FieldPlacement {
	taken := mapping.ManualKeys(t)
	for _, f := range t.Fields {
		taken[f.ID] = struct{}{}
	}
	if t.SignatureField != nil {
		taken[t.SignatureField.ID] = struct{}{}
	}

	fields := append([]models.FieldPlacement(nil), t.Fields...)
	for _, p := range placeholders {
		if _, ok := taken[p]; ok || strings.HasPrefix(p, mapping.FallbackKeyPrefix) {
			continue
		}
		taken[p] = struct{}{}
		fields = append(fields, models.FieldPlacement{
			ID:           p,
			Type:         models.FieldTypeText,
			DisplayLabel: p,
			Mapping:      models.ManualMapping{ManualKey: p},
		})
	}
	return fields
}

// Checklist lists the template's manual fields with nothing filled in.
func (s *TemplateService) Checklist(ctx context.Context, id string) ([]mapping.ChecklistItem, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return mapping.Checklist(t, nil), nil
}
