package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"CF-FORMS/internal/forms"
	"CF-FORMS/internal/mapping"
	"CF-FORMS/internal/models"
	"CF-FORMS/internal/repository"
	"CF-FORMS/internal/storage"

	"github.com/google/uuid"
)

const maxSignatureBytes = 2 << 20

// instanceNamespace seeds the deterministic instance ids.
var instanceNamespace = uuid.MustParse("6f1c8f0e-3b53-4f8e-9d0a-6c1b9f0f4a21")

// InstanceID is the id of the one instance a subject can have per template.
func InstanceID(subjectID, templateID string) string {
	return uuid.NewSHA1(instanceNamespace, []byte(subjectID+"\x00"+templateID)).String()
}

// InstanceView is an instance together with what it still needs before it
// can be generated.
type InstanceView struct {
	models.Instance
	Checklist []mapping.ChecklistItem `json:"checklist"`
	Ready     bool                    `json:"ready"`
	// Missing holds labels of required manual fields without a value.
	Missing           []string `json:"missing,omitempty"`
	SignatureRequired bool     `json:"signatureRequired"`
}

type InstanceService struct {
	instances repository.InstanceRepository
	templates *TemplateService
	objects   ObjectStore
	audit     *ActivityLogService
	urlExpiry time.Duration
	now       func() time.Time
}

func NewInstanceService(instances repository.InstanceRepository, templates *TemplateService, objects ObjectStore, audit *ActivityLogService, urlExpiry time.Duration) *InstanceService {
	if urlExpiry <= 0 {
		urlExpiry = 15 * time.Minute
	}
	return &InstanceService{
		instances: instances,
		templates: templates,
		objects:   objects,
		audit:     audit,
		urlExpiry: urlExpiry,
		now:       time.Now,
	}
}

// GetOrCreateInstance returns the subject's instance of the template,
// creating a draft if there is none. created reports which happened.
func (s *InstanceService) GetOrCreateInstance(ctx context.Context, subjectID, templateID, actor string) (models.Instance, bool, error) {
	subjectID, templateID = strings.TrimSpace(subjectID), strings.TrimSpace(templateID)
	if subjectID == "" || templateID == "" {
		return models.Instance{}, false, fmt.Errorf("%w: subject and template are required", ErrInvalidInput)
	}
	if _, err := s.templates.Get(ctx, templateID); err != nil {
		return models.Instance{}, false, err
	}

	now := s.now().UTC()
	inst, created, err := s.instances.GetOrCreate(ctx, models.Instance{
		ID:         InstanceID(subjectID, templateID),
		TemplateID: templateID,
		SubjectID:  subjectID,
		Values:     map[string]string{},
		Status:     models.InstanceStatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return models.Instance{}, false, fmt.Errorf("failed to get or create instance: %w", err)
	}

	if created {
		s.audit.Record(ctx, AuditEntry{
			Action:     models.ActionInstanceCreated,
			Actor:      actor,
			InstanceID: inst.ID,
			TemplateID: templateID,
			SubjectID:  subjectID,
		})
	}
	return inst, created, nil
}

func (s *InstanceService) Get(ctx context.Context, id string) (InstanceView, error) {
	inst, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return InstanceView{}, notFound(err, ErrInstanceNotFound)
	}
	tmpl, err := s.templates.Get(ctx, inst.TemplateID)
	if err != nil {
		return InstanceView{}, err
	}
	return buildView(inst, tmpl), nil
}

func buildView(inst models.Instance, tmpl models.Template) InstanceView {
	view := InstanceView{
		Instance:          inst,
		Checklist:         mapping.Checklist(tmpl, inst.Values),
		SignatureRequired: mapping.RequiresSignature(tmpl),
	}
	err := forms.CanSubmitForGeneration(inst, tmpl)
	view.Ready = err == nil

	var verr *forms.ValidationError
	if errors.As(err, &verr) {
		view.Missing = verr.MissingLabels()
	}
	return view
}

func (s *InstanceService) ListBySubject(ctx context.Context, subjectID string) ([]models.Instance, error) {
	instances, err := s.instances.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

// RecordValues stores operator input for manual fields. Only keys of the
// template's current manual fields are accepted; each key is written on its
// own so concurrent edits of other keys are kept.
func (s *InstanceService) RecordValues(ctx context.Context, id string, values map[string]string, actor string) (models.Instance, error) {
	inst, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return models.Instance{}, notFound(err, ErrInstanceNotFound)
	}
	if inst.Status == models.InstanceStatusCompleted {
		return models.Instance{}, ErrInstanceCompleted
	}
	tmpl, err := s.templates.Get(ctx, inst.TemplateID)
	if err != nil {
		return models.Instance{}, err
	}

	allowed := mapping.ManualKeys(tmpl)
	keys := make([]string, 0, len(values))
	for key := range values {
		if _, ok := allowed[key]; !ok {
			return models.Instance{}, fmt.Errorf("%w: %q", ErrUnknownField, key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return inst, nil
	}

	recorded := models.Instance{Values: map[string]string{}}
	for _, key := range keys {
		recorded = forms.RecordManualValue(recorded, key, values[key])
	}

	updated, err := s.instances.SetValues(ctx, id, recorded.Values)
	if err != nil {
		return models.Instance{}, fmt.Errorf("failed to record values: %w", notFound(err, ErrInstanceNotFound))
	}

	s.audit.Record(ctx, AuditEntry{
		Action:     models.ActionValueRecorded,
		Actor:      actor,
		InstanceID: updated.ID,
		TemplateID: updated.TemplateID,
		SubjectID:  updated.SubjectID,
		Detail:     map[string]interface{}{"keys": keys},
	})
	return updated, nil
}

// SignatureInput is either an uploaded image or a reference to an image
// already in the object store.
type SignatureInput struct {
	Image []byte
	Ref   string
}

func (s *InstanceService) RecordSignature(ctx context.Context, id string, in SignatureInput, actor string) (models.Instance, error) {
	inst, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return models.Instance{}, notFound(err, ErrInstanceNotFound)
	}
	if inst.Status == models.InstanceStatusCompleted {
		return models.Instance{}, ErrInstanceCompleted
	}

	ref := strings.TrimSpace(in.Ref)
	if len(in.Image) > 0 {
		ext, contentType, err := signatureType(in.Image)
		if err != nil {
			return models.Instance{}, err
		}
		ref = storage.SignatureObjectName(inst.ID, ext)
		if _, err := s.objects.UploadFile(ctx, bytes.NewReader(in.Image), ref, contentType); err != nil {
			return models.Instance{}, fmt.Errorf("%w: failed to upload signature: %v", ErrExternalService, err)
		}
	}
	if ref == "" {
		return models.Instance{}, fmt.Errorf("%w: signature image or reference is required", ErrInvalidInput)
	}
	if prefix := storage.SignaturePrefix(inst.ID); !strings.HasPrefix(ref, prefix) || path.Clean(ref) != ref || ref == prefix {
		return models.Instance{}, fmt.Errorf("%w: signature reference must be under %s", ErrInvalidInput, prefix)
	}

	signed := forms.RecordSignature(inst, ref)
	updated, err := s.instances.SetSignature(ctx, id, signed.SignatureRef)
	if err != nil {
		return models.Instance{}, fmt.Errorf("failed to record signature: %w", notFound(err, ErrInstanceNotFound))
	}

	s.audit.Record(ctx, AuditEntry{
		Action:     models.ActionSignatureRecorded,
		Actor:      actor,
		InstanceID: updated.ID,
		TemplateID: updated.TemplateID,
		SubjectID:  updated.SubjectID,
		Detail:     map[string]interface{}{"signatureRef": updated.SignatureRef},
	})
	return updated, nil
}

func signatureType(image []byte) (string, string, error) {
	if len(image) > maxSignatureBytes {
		return "", "", fmt.Errorf("%w: signature image is larger than %d bytes", ErrInvalidInput, maxSignatureBytes)
	}
	switch ct := http.DetectContentType(image); ct {
	case "image/png":
		return ".png", ct, nil
	case "image/jpeg":
		return ".jpg", ct, nil
	default:
		return "", "", fmt.Errorf("%w: signature must be a PNG or JPEG image, got %s", ErrInvalidInput, ct)
	}
}

// DocumentURL returns a signed download URL for a completed instance.
func (s *InstanceService) DocumentURL(ctx context.Context, id string) (string, error) {
	inst, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return "", notFound(err, ErrInstanceNotFound)
	}
	return s.documentURL(inst)
}

func (s *InstanceService) documentURL(inst models.Instance) (string, error) {
	if inst.Status != models.InstanceStatusCompleted || inst.OutputObject == "" {
		return "", ErrDocumentNotReady
	}
	url, err := s.objects.GetSignedURL(inst.OutputObject, s.urlExpiry)
	if err != nil {
		return "", fmt.Errorf("%w: failed to sign document URL: %v", ErrExternalService, err)
	}
	return url, nil
}
