package mapping

import (
	"strings"

	"CF-FORMS/internal/models"
)

type ChecklistItem struct {
	FieldID  string           `json:"fieldId"`
	Key      string           `json:"key"`
	Label    string           `json:"label"`
	Type     models.FieldType `json:"type"`
	Required bool             `json:"required"`
	Filled   bool             `json:"filled"`
}

// Checklist describes the manual fields of t in document order, with their
// fill state against values.
func Checklist(t models.Template, values map[string]string) []ChecklistItem {
	manual := PartitionFields(t).ManualFields
	items := make([]ChecklistItem, 0, len(manual))
	for _, f := range manual {
		key := ResolveManualKey(f)
		items = append(items, ChecklistItem{
			FieldID:  f.ID,
			Key:      key,
			Label:    ResolveManualLabel(f),
			Type:     f.Type,
			Required: IsFieldRequired(f),
			Filled:   strings.TrimSpace(values[key]) != "",
		})
	}
	return items
}
