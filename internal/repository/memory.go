package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"CF-FORMS/internal/models"
)

// MemoryStore keeps everything in process. It backs tests and local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	templates  map[string]models.Template
	instances  map[string]models.Instance
	bySubject  map[string]string // subjectID + "\x00" + templateID -> instance id
	activities []models.ActivityLog
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]models.Template),
		instances: make(map[string]models.Instance),
		bySubject: make(map[string]string),
		now:       time.Now,
	}
}

// Store exposes m through the repository interfaces.
func (m *MemoryStore) Store() *Store {
	return &Store{
		Templates:  memoryTemplates{m},
		Instances:  memoryInstances{m},
		Activities: memoryActivities{m},
		Close:      func() error { return nil },
	}
}

type memoryTemplates struct{ m *MemoryStore }

func (r memoryTemplates) Create(_ context.Context, t models.Template) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.templates[t.ID]; ok {
		return ErrAlreadyExists
	}
	r.m.templates[t.ID] = t.Clone()
	return nil
}

func (r memoryTemplates) Update(_ context.Context, t models.Template) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.templates[t.ID]; !ok {
		return ErrNotFound
	}
	r.m.templates[t.ID] = t.Clone()
	return nil
}

func (r memoryTemplates) GetByID(_ context.Context, id string) (models.Template, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	t, ok := r.m.templates[id]
	if !ok {
		return models.Template{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (r memoryTemplates) List(_ context.Context) ([]models.Template, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]models.Template, 0, len(r.m.templates))
	for _, t := range r.m.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r memoryTemplates) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.templates[id]; !ok {
		return ErrNotFound
	}
	delete(r.m.templates, id)
	return nil
}

type memoryInstances struct{ m *MemoryStore }

func subjectKey(subjectID, templateID string) string {
	return subjectID + "\x00" + templateID
}

func (r memoryInstances) GetOrCreate(_ context.Context, inst models.Instance) (models.Instance, bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	key := subjectKey(inst.SubjectID, inst.TemplateID)
	if id, ok := r.m.bySubject[key]; ok {
		return r.m.instances[id].Clone(), false, nil
	}
	stored := inst.Clone()
	r.m.instances[stored.ID] = stored
	r.m.bySubject[key] = stored.ID
	return stored.Clone(), true, nil
}

func (r memoryInstances) GetByID(_ context.Context, id string) (models.Instance, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	inst, ok := r.m.instances[id]
	if !ok {
		return models.Instance{}, ErrNotFound
	}
	return inst.Clone(), nil
}

func (r memoryInstances) ListBySubject(_ context.Context, subjectID string) ([]models.Instance, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []models.Instance
	for _, inst := range r.m.instances {
		if inst.SubjectID == subjectID {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memoryInstances) update(id string, fn func(*models.Instance)) (models.Instance, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	inst, ok := r.m.instances[id]
	if !ok {
		return models.Instance{}, ErrNotFound
	}
	if inst.Status == models.InstanceStatusCompleted {
		return models.Instance{}, ErrInstanceCompleted
	}
	inst = inst.Clone()
	fn(&inst)
	inst.Status = advanced(inst.Status)
	inst.UpdatedAt = r.m.now()
	r.m.instances[id] = inst
	return inst.Clone(), nil
}

func (r memoryInstances) SetValues(_ context.Context, id string, values map[string]string) (models.Instance, error) {
	return r.update(id, func(inst *models.Instance) {
		for k, v := range values {
			inst.Values[k] = v
		}
	})
}

func (r memoryInstances) SetSignature(_ context.Context, id, ref string) (models.Instance, error) {
	return r.update(id, func(inst *models.Instance) {
		inst.SignatureRef = ref
	})
}

func (r memoryInstances) Transition(_ context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus, fields TransitionFields) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	inst, ok := r.m.instances[id]
	if !ok {
		return false, ErrNotFound
	}
	if !statusIn(inst.Status, from) {
		return false, nil
	}
	inst = inst.Clone()
	applyTransition(&inst, to, fields, r.m.now())
	r.m.instances[id] = inst
	return true, nil
}

type memoryActivities struct{ m *MemoryStore }

func (r memoryActivities) Append(_ context.Context, entry models.ActivityLog) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.activities = append(r.m.activities, entry)
	return nil
}

func (r memoryActivities) ListByInstance(_ context.Context, instanceID string, limit, offset int) ([]models.ActivityLog, int64, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var matched []models.ActivityLog
	for i := len(r.m.activities) - 1; i >= 0; i-- {
		if r.m.activities[i].InstanceID == instanceID {
			matched = append(matched, r.m.activities[i])
		}
	}
	return page(matched, limit, offset), int64(len(matched)), nil
}
