package forms

import (
	"CF-FORMS/internal/mapping"
	"CF-FORMS/internal/models"
)

// BuildGenerationRequest snapshots what the renderer needs from inst. Values
// are copied, so later edits to inst do not reach an in-flight request, and
// keys no longer present in tmpl are left out. The submission check is
// repeated here so it cannot be skipped.
func BuildGenerationRequest(inst models.Instance, tmpl models.Template) (models.GenerationRequest, error) {
	if err := CanSubmitForGeneration(inst, tmpl); err != nil {
		return models.GenerationRequest{}, err
	}

	keys := mapping.ManualKeys(tmpl)
	values := make(map[string]string, len(keys))
	for key := range keys {
		if v, ok := inst.Values[key]; ok {
			values[key] = v
		}
	}

	return models.GenerationRequest{
		InstanceID:     inst.ID,
		TemplateID:     tmpl.ID,
		SubjectID:      inst.SubjectID,
		ManualValues:   values,
		SignatureRef:   inst.SignatureRef,
		DBFields:       mapping.DBFieldRefs(tmpl),
		ResolvedValues: map[string]string{},
	}, nil
}
