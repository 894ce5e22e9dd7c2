package models

import "time"

const (
	ActionInstanceCreated     = "instance_created"
	ActionValueRecorded       = "value_recorded"
	ActionSignatureRecorded   = "signature_recorded"
	ActionGenerationCompleted = "generation_completed"
	ActionGenerationFailed    = "generation_failed"
	ActionTemplateSaved       = "template_saved"
	ActionTemplateDeleted     = "template_deleted"
)

// ActivityLog is one audit entry of the form workflow.
type ActivityLog struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id,omitempty"`
	TemplateID string    `json:"template_id,omitempty"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor,omitempty"`
	Detail     string    `json:"detail,omitempty"` // JSON object
	CreatedAt  time.Time `json:"created_at"`
}
