package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CF-FORMS/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type templateRecord struct {
	ID             string         `gorm:"primaryKey;type:varchar(191)"`
	Title          string         `gorm:"not null"`
	Description    string
	Fields         datatypes.JSON `gorm:"type:json"`
	SignatureField datatypes.JSON `gorm:"type:json"`
	SourceObject   string
	SourceKind     string
	PageCount      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (templateRecord) TableName() string { return "form_templates" }

type instanceRecord struct {
	ID           string         `gorm:"primaryKey;type:varchar(191)"`
	TemplateID   string         `gorm:"type:varchar(191);not null"`
	SubjectID    string         `gorm:"type:varchar(191);not null"`
	FieldValues  datatypes.JSON `gorm:"type:json"`
	SignatureRef string
	Status       string `gorm:"type:varchar(32);not null"`
	OutputObject string
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

func (instanceRecord) TableName() string { return "form_instances" }

type activityRecord struct {
	ID         string `gorm:"primaryKey;type:varchar(191)"`
	InstanceID string `gorm:"type:varchar(191)"`
	TemplateID string `gorm:"type:varchar(191)"`
	SubjectID  string `gorm:"type:varchar(191)"`
	Action     string `gorm:"type:varchar(64);not null"`
	Actor      string
	Detail     datatypes.JSON `gorm:"type:json"`
	CreatedAt  time.Time
}

func (activityRecord) TableName() string { return "activity_logs" }

// NewGormStore builds the mysql backend on an open connection. The schema is
// created by internal.InitDB.
func NewGormStore(db *gorm.DB) *Store {
	return &Store{
		Templates:  &gormTemplates{db: db},
		Instances:  &gormInstances{db: db},
		Activities: &gormActivities{db: db},
		Close: func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}

func toTemplateRecord(t models.Template) (templateRecord, error) {
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		return templateRecord{}, fmt.Errorf("failed to encode fields: %w", err)
	}
	rec := templateRecord{
		ID:           t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Fields:       datatypes.JSON(fields),
		SourceObject: t.SourceObject,
		SourceKind:   string(t.SourceKind),
		PageCount:    t.PageCount,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.SignatureField != nil {
		sig, err := json.Marshal(t.SignatureField)
		if err != nil {
			return templateRecord{}, fmt.Errorf("failed to encode signature field: %w", err)
		}
		rec.SignatureField = datatypes.JSON(sig)
	}
	return rec, nil
}

func (r templateRecord) toModel() (models.Template, error) {
	t := models.Template{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		SourceObject: r.SourceObject,
		SourceKind:   models.SourceKind(r.SourceKind),
		PageCount:    r.PageCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Fields) > 0 {
		if err := json.Unmarshal(r.Fields, &t.Fields); err != nil {
			return models.Template{}, fmt.Errorf("template %s: failed to decode fields: %w", r.ID, err)
		}
	}
	if len(r.SignatureField) > 0 && string(r.SignatureField) != "null" {
		var sig models.FieldPlacement
		if err := json.Unmarshal(r.SignatureField, &sig); err != nil {
			return models.Template{}, fmt.Errorf("template %s: failed to decode signature field: %w", r.ID, err)
		}
		t.SignatureField = &sig
	}
	return t, nil
}

func toInstanceRecord(inst models.Instance) (instanceRecord, error) {
	values := inst.Values
	if values == nil {
		values = map[string]string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return instanceRecord{}, fmt.Errorf("failed to encode values: %w", err)
	}
	return instanceRecord{
		ID:           inst.ID,
		TemplateID:   inst.TemplateID,
		SubjectID:    inst.SubjectID,
		FieldValues:  datatypes.JSON(raw),
		SignatureRef: inst.SignatureRef,
		Status:       string(inst.Status),
		OutputObject: inst.OutputObject,
		LastError:    inst.LastError,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
		CompletedAt:  inst.CompletedAt,
	}, nil
}

func (r instanceRecord) toModel() (models.Instance, error) {
	inst := models.Instance{
		ID:           r.ID,
		TemplateID:   r.TemplateID,
		SubjectID:    r.SubjectID,
		Values:       map[string]string{},
		SignatureRef: r.SignatureRef,
		Status:       models.InstanceStatus(r.Status),
		OutputObject: r.OutputObject,
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		CompletedAt:  r.CompletedAt,
	}
	if len(r.FieldValues) > 0 {
		if err := json.Unmarshal(r.FieldValues, &inst.Values); err != nil {
			return models.Instance{}, fmt.Errorf("instance %s: failed to decode values: %w", r.ID, err)
		}
	}
	return inst, nil
}

type gormTemplates struct{ db *gorm.DB }

func (r *gormTemplates) Create(ctx context.Context, t models.Template) error {
	rec, err := toTemplateRecord(t)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

func (r *gormTemplates) Update(ctx context.Context, t models.Template) error {
	rec, err := toTemplateRecord(t)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing templateRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing, "id = ?", t.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load template: %w", err)
		}
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("failed to update template: %w", err)
		}
		return nil
	})
}

func (r *gormTemplates) GetByID(ctx context.Context, id string) (models.Template, error) {
	var rec templateRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Template{}, ErrNotFound
		}
		return models.Template{}, fmt.Errorf("failed to get template: %w", err)
	}
	return rec.toModel()
}

func (r *gormTemplates) List(ctx context.Context) ([]models.Template, error) {
	var recs []templateRecord
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	out := make([]models.Template, 0, len(recs))
	for _, rec := range recs {
		t, err := rec.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *gormTemplates) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&templateRecord{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete template: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type gormInstances struct{ db *gorm.DB }

func (r *gormInstances) GetOrCreate(ctx context.Context, inst models.Instance) (models.Instance, bool, error) {
	rec, err := toInstanceRecord(inst)
	if err != nil {
		return models.Instance{}, false, err
	}

	// uniq_form_instances_subject_template turns a racing insert into a no-op.
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if result.Error != nil {
		return models.Instance{}, false, fmt.Errorf("failed to create instance: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return inst.Clone(), true, nil
	}

	var existing instanceRecord
	if err := r.db.WithContext(ctx).
		Where("subject_id = ? AND template_id = ?", inst.SubjectID, inst.TemplateID).
		First(&existing).Error; err != nil {
		return models.Instance{}, false, fmt.Errorf("failed to load existing instance: %w", err)
	}
	stored, err := existing.toModel()
	return stored, false, err
}

func (r *gormInstances) GetByID(ctx context.Context, id string) (models.Instance, error) {
	var rec instanceRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Instance{}, ErrNotFound
		}
		return models.Instance{}, fmt.Errorf("failed to get instance: %w", err)
	}
	return rec.toModel()
}

func (r *gormInstances) ListBySubject(ctx context.Context, subjectID string) ([]models.Instance, error) {
	var recs []instanceRecord
	if err := r.db.WithContext(ctx).Where("subject_id = ?", subjectID).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	out := make([]models.Instance, 0, len(recs))
	for _, rec := range recs {
		inst, err := rec.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *gormInstances) update(ctx context.Context, id string, fn func(*models.Instance)) (models.Instance, error) {
	var updated models.Instance
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec instanceRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load instance: %w", err)
		}
		inst, err := rec.toModel()
		if err != nil {
			return err
		}
		if inst.Status == models.InstanceStatusCompleted {
			return ErrInstanceCompleted
		}
		fn(&inst)
		inst.Status = advanced(inst.Status)
		inst.UpdatedAt = time.Now()

		next, err := toInstanceRecord(inst)
		if err != nil {
			return err
		}
		if err := tx.Model(&instanceRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"field_values":  next.FieldValues,
			"signature_ref": next.SignatureRef,
			"status":        next.Status,
			"updated_at":    next.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}
		updated = inst
		return nil
	})
	return updated, err
}

func (r *gormInstances) SetValues(ctx context.Context, id string, values map[string]string) (models.Instance, error) {
	return r.update(ctx, id, func(inst *models.Instance) {
		for k, v := range values {
			inst.Values[k] = v
		}
	})
}

func (r *gormInstances) SetSignature(ctx context.Context, id, ref string) (models.Instance, error) {
	return r.update(ctx, id, func(inst *models.Instance) {
		inst.SignatureRef = ref
	})
}

func (r *gormInstances) Transition(ctx context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus, fields TransitionFields) (bool, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	updates := map[string]interface{}{
		"status":     string(to),
		"last_error": fields.LastError,
		"updated_at": time.Now(),
	}
	if fields.OutputObject != "" {
		updates["output_object"] = fields.OutputObject
	}
	if fields.CompletedAt != nil {
		updates["completed_at"] = *fields.CompletedAt
	}

	result := r.db.WithContext(ctx).Model(&instanceRecord{}).
		Where("id = ? AND status IN ?", id, statuses).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition instance: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&instanceRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check instance: %w", err)
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

type gormActivities struct{ db *gorm.DB }

func (r *gormActivities) Append(ctx context.Context, entry models.ActivityLog) error {
	rec := activityRecord{
		ID:         entry.ID,
		InstanceID: entry.InstanceID,
		TemplateID: entry.TemplateID,
		SubjectID:  entry.SubjectID,
		Action:     entry.Action,
		Actor:      entry.Actor,
		CreatedAt:  entry.CreatedAt,
	}
	if entry.Detail != "" {
		rec.Detail = datatypes.JSON(entry.Detail)
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to save activity log: %w", err)
	}
	return nil
}

func (r *gormActivities) ListByInstance(ctx context.Context, instanceID string, limit, offset int) ([]models.ActivityLog, int64, error) {
	var total int64
	query := r.db.WithContext(ctx).Model(&activityRecord{}).Where("instance_id = ?", instanceID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count logs: %w", err)
	}

	query = r.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var recs []activityRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch logs: %w", err)
	}

	logs := make([]models.ActivityLog, 0, len(recs))
	for _, rec := range recs {
		logs = append(logs, models.ActivityLog{
			ID:         rec.ID,
			InstanceID: rec.InstanceID,
			TemplateID: rec.TemplateID,
			SubjectID:  rec.SubjectID,
			Action:     rec.Action,
			Actor:      rec.Actor,
			Detail:     string(rec.Detail),
			CreatedAt:  rec.CreatedAt,
		})
	}
	return logs, total, nil
}
