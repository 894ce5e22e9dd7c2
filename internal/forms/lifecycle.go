// Package forms holds the instance lifecycle rules: recording operator input,
// gating submission and assembling the request handed to the PDF renderer.
// Functions take and return values; persistence is the caller's job.
package forms

import (
	"strings"
	"time"

	"CF-FORMS/internal/mapping"
	"CF-FORMS/internal/models"
)

// advance moves s forward to next, never backwards.
func advance(s, next models.InstanceStatus) models.InstanceStatus {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

func RecordManualValue(inst models.Instance, key, value string) models.Instance {
	out := inst.Clone()
	out.Values[key] = strings.TrimSpace(value)
	out.Status = advance(out.Status, models.InstanceStatusInProgress)
	return out
}

func RecordSignature(inst models.Instance, signatureRef string) models.Instance {
	out := inst.Clone()
	out.SignatureRef = strings.TrimSpace(signatureRef)
	out.Status = advance(out.Status, models.InstanceStatusInProgress)
	return out
}

// CanSubmitForGeneration reports why inst cannot be rendered yet. A completed
// instance is always rejected so a resubmission never re-runs the renderer.
func CanSubmitForGeneration(inst models.Instance, tmpl models.Template) error {
	if inst.Status == models.InstanceStatusCompleted {
		return &ValidationError{Kind: KindAlreadyCompleted}
	}

	p := mapping.PartitionFields(tmpl)
	if missing := mapping.FindMissingRequiredManualFields(p.ManualFields, inst.Values); len(missing) > 0 {
		return &ValidationError{Kind: KindMissingRequiredFields, Missing: missing}
	}

	if mapping.RequiresSignature(tmpl) && strings.TrimSpace(inst.SignatureRef) == "" {
		return &ValidationError{Kind: KindMissingSignature}
	}
	return nil
}

func MarkCompleted(inst models.Instance, outputObject string, at time.Time) models.Instance {
	out := inst.Clone()
	out.Status = models.InstanceStatusCompleted
	out.OutputObject = outputObject
	out.LastError = ""
	out.CompletedAt = &at
	return out
}

// MarkGenerationFailed keeps the instance open for another attempt. A
// completed instance is returned unchanged.
func MarkGenerationFailed(inst models.Instance, reason string) models.Instance {
	out := inst.Clone()
	if out.Status == models.InstanceStatusCompleted {
		return out
	}
	out.Status = models.InstanceStatusInProgress
	out.LastError = reason
	return out
}
