package models

import "time"

type InstanceStatus string

const (
	InstanceStatusDraft      InstanceStatus = "draft"
	InstanceStatusInProgress InstanceStatus = "in_progress"
	InstanceStatusCompleted  InstanceStatus = "completed"
)

// Rank orders statuses so callers can check that a change only moves forward.
func (s InstanceStatus) Rank() int {
	switch s {
	case InstanceStatusDraft:
		return 0
	case InstanceStatusInProgress:
		return 1
	case InstanceStatusCompleted:
		return 2
	}
	return -1
}

// Instance is one template being filled in for one subject (a participant or a
// workflow request). There is at most one instance per (SubjectID, TemplateID).
type Instance struct {
	ID           string            `json:"id"`
	TemplateID   string            `json:"templateId"`
	SubjectID    string            `json:"subjectId"`
	Values       map[string]string `json:"values"`
	SignatureRef string            `json:"signatureRef,omitempty"`
	Status       InstanceStatus    `json:"status"`
	OutputObject string            `json:"outputObject,omitempty"`
	LastError    string            `json:"lastError,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
}

// Clone returns a copy with its own Values map.
func (i Instance) Clone() Instance {
	out := i
	out.Values = make(map[string]string, len(i.Values))
	for k, v := range i.Values {
		out.Values[k] = v
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// DBFieldRef points at a db-sourced value the caller must resolve before rendering.
type DBFieldRef struct {
	FieldID  string `json:"fieldId"`
	Source   string `json:"source"`
	Field    string `json:"field"`
	Required bool   `json:"required"`
}

// GenerationRequest is handed to the PDF renderer once. It is never persisted.
type GenerationRequest struct {
	InstanceID   string            `json:"instanceId"`
	TemplateID   string            `json:"templateId"`
	SubjectID    string            `json:"subjectId"`
	ManualValues map[string]string `json:"manualValues"`
	SignatureRef string            `json:"signatureRef,omitempty"`
	DBFields     []DBFieldRef      `json:"dbFields,omitempty"`
	// ResolvedValues holds db-sourced values keyed by field id, merged in by the caller.
	ResolvedValues map[string]string `json:"resolvedValues,omitempty"`
}
