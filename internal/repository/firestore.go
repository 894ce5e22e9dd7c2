package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CF-FORMS/internal/models"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreCollections names the collections used by the firestore backend.
type FirestoreCollections struct {
	Templates  string
	Instances  string
	Activities string
}

type templateDoc struct {
	Title         string    `firestore:"title"`
	Description   string    `firestore:"description,omitempty"`
	FieldsJSON    string    `firestore:"fieldsJson"`
	SignatureJSON string    `firestore:"signatureFieldJson,omitempty"`
	SourceObject  string    `firestore:"sourceObject,omitempty"`
	SourceKind    string    `firestore:"sourceKind,omitempty"`
	PageCount     int       `firestore:"pageCount"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

type instanceDoc struct {
	TemplateID   string            `firestore:"templateId"`
	SubjectID    string            `firestore:"subjectId"`
	Values       map[string]string `firestore:"values"`
	SignatureRef string            `firestore:"signatureRef"`
	Status       string            `firestore:"status"`
	OutputObject string            `firestore:"outputObject"`
	LastError    string            `firestore:"lastError"`
	CreatedAt    time.Time         `firestore:"createdAt"`
	UpdatedAt    time.Time         `firestore:"updatedAt"`
	CompletedAt  *time.Time        `firestore:"completedAt"`
}

type activityDoc struct {
	InstanceID string    `firestore:"instanceId"`
	TemplateID string    `firestore:"templateId"`
	SubjectID  string    `firestore:"subjectId"`
	Action     string    `firestore:"action"`
	Actor      string    `firestore:"actor"`
	Detail     string    `firestore:"detail"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

// NewFirestoreStore builds the firestore backend. Instance documents are keyed
// by instance id, which is derived from subject and template, so the document
// id itself enforces one instance per pair.
func NewFirestoreStore(client *firestore.Client, cols FirestoreCollections) *Store {
	return &Store{
		Templates:  &firestoreTemplates{col: client.Collection(cols.Templates)},
		Instances:  &firestoreInstances{client: client, col: client.Collection(cols.Instances)},
		Activities: &firestoreActivities{col: client.Collection(cols.Activities)},
		Close:      client.Close,
	}
}

func toTemplateDoc(t models.Template) (templateDoc, error) {
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		return templateDoc{}, fmt.Errorf("failed to encode fields: %w", err)
	}
	doc := templateDoc{
		Title:        t.Title,
		Description:  t.Description,
		FieldsJSON:   string(fields),
		SourceObject: t.SourceObject,
		SourceKind:   string(t.SourceKind),
		PageCount:    t.PageCount,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.SignatureField != nil {
		sig, err := json.Marshal(t.SignatureField)
		if err != nil {
			return templateDoc{}, fmt.Errorf("failed to encode signature field: %w", err)
		}
		doc.SignatureJSON = string(sig)
	}
	return doc, nil
}

func templateFromSnapshot(snap *firestore.DocumentSnapshot) (models.Template, error) {
	var doc templateDoc
	if err := snap.DataTo(&doc); err != nil {
		return models.Template{}, fmt.Errorf("template %s: failed to decode: %w", snap.Ref.ID, err)
	}
	t := models.Template{
		ID:           snap.Ref.ID,
		Title:        doc.Title,
		Description:  doc.Description,
		SourceObject: doc.SourceObject,
		SourceKind:   models.SourceKind(doc.SourceKind),
		PageCount:    doc.PageCount,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if doc.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(doc.FieldsJSON), &t.Fields); err != nil {
			return models.Template{}, fmt.Errorf("template %s: failed to decode fields: %w", snap.Ref.ID, err)
		}
	}
	if doc.SignatureJSON != "" {
		var sig models.FieldPlacement
		if err := json.Unmarshal([]byte(doc.SignatureJSON), &sig); err != nil {
			return models.Template{}, fmt.Errorf("template %s: failed to decode signature field: %w", snap.Ref.ID, err)
		}
		t.SignatureField = &sig
	}
	return t, nil
}

func instanceFromSnapshot(snap *firestore.DocumentSnapshot) (models.Instance, error) {
	var doc instanceDoc
	if err := snap.DataTo(&doc); err != nil {
		return models.Instance{}, fmt.Errorf("instance %s: failed to decode: %w", snap.Ref.ID, err)
	}
	inst := models.Instance{
		ID:           snap.Ref.ID,
		TemplateID:   doc.TemplateID,
		SubjectID:    doc.SubjectID,
		Values:       doc.Values,
		SignatureRef: doc.SignatureRef,
		Status:       models.InstanceStatus(doc.Status),
		OutputObject: doc.OutputObject,
		LastError:    doc.LastError,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		CompletedAt:  doc.CompletedAt,
	}
	if inst.Values == nil {
		inst.Values = map[string]string{}
	}
	return inst, nil
}

func toInstanceDoc(inst models.Instance) instanceDoc {
	values := inst.Values
	if values == nil {
		values = map[string]string{}
	}
	return instanceDoc{
		TemplateID:   inst.TemplateID,
		SubjectID:    inst.SubjectID,
		Values:       values,
		SignatureRef: inst.SignatureRef,
		Status:       string(inst.Status),
		OutputObject: inst.OutputObject,
		LastError:    inst.LastError,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
		CompletedAt:  inst.CompletedAt,
	}
}

type firestoreTemplates struct{ col *firestore.CollectionRef }

func (r *firestoreTemplates) Create(ctx context.Context, t models.Template) error {
	doc, err := toTemplateDoc(t)
	if err != nil {
		return err
	}
	if _, err := r.col.Doc(t.ID).Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

func (r *firestoreTemplates) Update(ctx context.Context, t models.Template) error {
	doc, err := toTemplateDoc(t)
	if err != nil {
		return err
	}
	// Set with an Exists precondition is not available, so check first.
	if _, err := r.col.Doc(t.ID).Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load template: %w", err)
	}
	if _, err := r.col.Doc(t.ID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	return nil
}

func (r *firestoreTemplates) GetByID(ctx context.Context, id string) (models.Template, error) {
	snap, err := r.col.Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.Template{}, ErrNotFound
		}
		return models.Template{}, fmt.Errorf("failed to get template: %w", err)
	}
	return templateFromSnapshot(snap)
}

func (r *firestoreTemplates) List(ctx context.Context) ([]models.Template, error) {
	snaps, err := r.col.OrderBy("createdAt", firestore.Desc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	out := make([]models.Template, 0, len(snaps))
	for _, snap := range snaps {
		t, err := templateFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *firestoreTemplates) Delete(ctx context.Context, id string) error {
	if _, err := r.col.Doc(id).Delete(ctx, firestore.Exists); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return nil
}

type firestoreInstances struct {
	client *firestore.Client
	col    *firestore.CollectionRef
}

func (r *firestoreInstances) GetOrCreate(ctx context.Context, inst models.Instance) (models.Instance, bool, error) {
	ref := r.col.Doc(inst.ID)
	if _, err := ref.Create(ctx, toInstanceDoc(inst)); err == nil {
		return inst.Clone(), true, nil
	} else if status.Code(err) != codes.AlreadyExists {
		return models.Instance{}, false, fmt.Errorf("failed to create instance: %w", err)
	}

	snap, err := ref.Get(ctx)
	if err != nil {
		return models.Instance{}, false, fmt.Errorf("failed to load existing instance: %w", err)
	}
	stored, err := instanceFromSnapshot(snap)
	return stored, false, err
}

func (r *firestoreInstances) GetByID(ctx context.Context, id string) (models.Instance, error) {
	snap, err := r.col.Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.Instance{}, ErrNotFound
		}
		return models.Instance{}, fmt.Errorf("failed to get instance: %w", err)
	}
	return instanceFromSnapshot(snap)
}

func (r *firestoreInstances) ListBySubject(ctx context.Context, subjectID string) ([]models.Instance, error) {
	snaps, err := r.col.Where("subjectId", "==", subjectID).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	out := make([]models.Instance, 0, len(snaps))
	for _, snap := range snaps {
		inst, err := instanceFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// update runs fn inside a transaction so concurrent writers never lose each
// other's keys and a completed instance is never touched.
func (r *firestoreInstances) update(ctx context.Context, id string, fn func(*models.Instance) []firestore.Update) (models.Instance, error) {
	ref := r.col.Doc(id)
	var updated models.Instance
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrNotFound
			}
			return err
		}
		inst, err := instanceFromSnapshot(snap)
		if err != nil {
			return err
		}
		if inst.Status == models.InstanceStatusCompleted {
			return ErrInstanceCompleted
		}
		updates := fn(&inst)
		inst.Status = advanced(inst.Status)
		inst.UpdatedAt = time.Now()
		updates = append(updates,
			firestore.Update{Path: "status", Value: string(inst.Status)},
			firestore.Update{Path: "updatedAt", Value: inst.UpdatedAt},
		)
		updated = inst
		return tx.Update(ref, updates)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInstanceCompleted) {
			return models.Instance{}, err
		}
		return models.Instance{}, fmt.Errorf("failed to update instance: %w", err)
	}
	return updated, nil
}

func (r *firestoreInstances) SetValues(ctx context.Context, id string, values map[string]string) (models.Instance, error) {
	return r.update(ctx, id, func(inst *models.Instance) []firestore.Update {
		updates := make([]firestore.Update, 0, len(values))
		for k, v := range values {
			inst.Values[k] = v
			updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{"values", k}, Value: v})
		}
		return updates
	})
}

func (r *firestoreInstances) SetSignature(ctx context.Context, id, ref string) (models.Instance, error) {
	return r.update(ctx, id, func(inst *models.Instance) []firestore.Update {
		inst.SignatureRef = ref
		return []firestore.Update{{Path: "signatureRef", Value: ref}}
	})
}

func (r *firestoreInstances) Transition(ctx context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus, fields TransitionFields) (bool, error) {
	ref := r.col.Doc(id)
	var applied bool
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrNotFound
			}
			return err
		}
		inst, err := instanceFromSnapshot(snap)
		if err != nil {
			return err
		}
		if !statusIn(inst.Status, from) {
			return nil
		}
		applyTransition(&inst, to, fields, time.Now())
		applied = true
		return tx.Set(ref, toInstanceDoc(inst))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to transition instance: %w", err)
	}
	return applied, nil
}

type firestoreActivities struct{ col *firestore.CollectionRef }

func (r *firestoreActivities) Append(ctx context.Context, entry models.ActivityLog) error {
	doc := activityDoc{
		InstanceID: entry.InstanceID,
		TemplateID: entry.TemplateID,
		SubjectID:  entry.SubjectID,
		Action:     entry.Action,
		Actor:      entry.Actor,
		Detail:     entry.Detail,
		CreatedAt:  entry.CreatedAt,
	}
	if _, err := r.col.Doc(entry.ID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to save activity log: %w", err)
	}
	return nil
}

func (r *firestoreActivities) ListByInstance(ctx context.Context, instanceID string, limit, offset int) ([]models.ActivityLog, int64, error) {
	base := r.col.Where("instanceId", "==", instanceID)

	res, err := base.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count logs: %w", err)
	}
	var total int64
	if v, ok := res["total"].(*firestorepb.Value); ok {
		total = v.GetIntegerValue()
	}

	query := base.OrderBy("createdAt", firestore.Desc)
	if offset > 0 {
		query = query.Offset(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch logs: %w", err)
	}

	logs := make([]models.ActivityLog, 0, len(snaps))
	for _, snap := range snaps {
		var doc activityDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, 0, fmt.Errorf("activity %s: failed to decode: %w", snap.Ref.ID, err)
		}
		logs = append(logs, models.ActivityLog{
			ID:         snap.Ref.ID,
			InstanceID: doc.InstanceID,
			TemplateID: doc.TemplateID,
			SubjectID:  doc.SubjectID,
			Action:     doc.Action,
			Actor:      doc.Actor,
			Detail:     doc.Detail,
			CreatedAt:  doc.CreatedAt,
		})
	}
	return logs, total, nil
}
