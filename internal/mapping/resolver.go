// Package mapping resolves how each field of a form template gets its value.
// Everything here is pure: templates and value maps are never mutated.
package mapping

import (
	"strings"

	"CF-FORMS/internal/models"
)

const (
	// FallbackKeyPrefix marks manual keys derived from a field id. Hand-authored
	// keys may not start with it, so derived keys can never collide with them.
	FallbackKeyPrefix = "__field:"

	DefaultManualLabel = "Manual field"
)

// Partition splits a template's fields by mapping mode.
type Partition struct {
	DBFields       []models.FieldPlacement
	ManualFields   []models.FieldPlacement
	SignatureField *models.FieldPlacement
}

// MissingField is a required manual field without a value.
type MissingField struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// IsRequired is the single place the default-required policy lives: a field
// is required unless the template explicitly set required to false.
func IsRequired(flag *bool) bool {
	return flag == nil || *flag
}

func IsFieldRequired(f models.FieldPlacement) bool {
	if f.Mapping == nil {
		return IsRequired(nil)
	}
	return IsRequired(f.Mapping.RequiredFlag())
}

func isSignatureField(f models.FieldPlacement) bool {
	if f.Type == models.FieldTypeSignature {
		return true
	}
	_, ok := f.Mapping.(models.SignatureMapping)
	return ok
}

func asSignatureField(f models.FieldPlacement) models.FieldPlacement {
	f.Type = models.FieldTypeSignature
	m, ok := f.Mapping.(models.SignatureMapping)
	if !ok {
		m = models.SignatureMapping{}
		if f.Mapping != nil {
			m.Required = f.Mapping.RequiredFlag()
		}
	}
	if m.SignatureRole == "" {
		m.SignatureRole = models.SignatureRoleParticipant
	}
	f.Mapping = m
	return f
}

// NormalizeTemplate folds every signature representation (the dedicated slot
// and signature entries inside Fields) into one canonical SignatureField.
// The dedicated slot wins; otherwise the first entry in document order is
// used. The canonical field is required if any representation was.
func NormalizeTemplate(t models.Template) models.Template {
	out := t.Clone()

	var signatures []models.FieldPlacement
	if t.SignatureField != nil {
		signatures = append(signatures, *t.SignatureField)
	}
	fields := make([]models.FieldPlacement, 0, len(t.Fields))
	for _, f := range t.Fields {
		if isSignatureField(f) {
			signatures = append(signatures, f)
			continue
		}
		fields = append(fields, f)
	}
	out.Fields = fields

	if len(signatures) == 0 {
		out.SignatureField = nil
		return out
	}

	required := false
	for _, s := range signatures {
		if IsFieldRequired(s) {
			required = true
			break
		}
	}
	canonical := asSignatureField(signatures[0])
	m := canonical.Mapping.(models.SignatureMapping)
	m.Required = models.Bool(required)
	canonical.Mapping = m
	out.SignatureField = &canonical
	return out
}

func PartitionFields(t models.Template) Partition {
	n := NormalizeTemplate(t)
	p := Partition{
		DBFields:       []models.FieldPlacement{},
		ManualFields:   []models.FieldPlacement{},
		SignatureField: n.SignatureField,
	}
	for _, f := range n.Fields {
		switch f.Mapping.(type) {
		case models.DBMapping:
			p.DBFields = append(p.DBFields, f)
		case models.ManualMapping, nil:
			p.ManualFields = append(p.ManualFields, f)
		}
	}
	return p
}

// ResolveManualKey returns the key a field's operator value is stored under
// in Instance.Values. The result only depends on the field's mapping and id.
func ResolveManualKey(f models.FieldPlacement) string {
	if m, ok := f.Mapping.(models.ManualMapping); ok {
		if key := strings.TrimSpace(m.ManualKey); key != "" {
			return key
		}
	}
	return FallbackKeyPrefix + f.ID
}

func ResolveManualLabel(f models.FieldPlacement) string {
	if m, ok := f.Mapping.(models.ManualMapping); ok {
		if label := strings.TrimSpace(m.ManualLabel); label != "" {
			return label
		}
	}
	if label := strings.TrimSpace(f.DisplayLabel); label != "" {
		return label
	}
	return DefaultManualLabel
}

func RequiresSignature(t models.Template) bool {
	n := NormalizeTemplate(t)
	return n.SignatureField != nil && IsFieldRequired(*n.SignatureField)
}

// FindMissingRequiredManualFields lists required fields whose value is absent
// or blank, in the order the fields were given.
func FindMissingRequiredManualFields(manualFields []models.FieldPlacement, values map[string]string) []MissingField {
	var missing []MissingField
	for _, f := range manualFields {
		if !IsFieldRequired(f) {
			continue
		}
		key := ResolveManualKey(f)
		if strings.TrimSpace(values[key]) != "" {
			continue
		}
		missing = append(missing, MissingField{Key: key, Label: ResolveManualLabel(f)})
	}
	return missing
}

// ManualKeys returns the set of keys the template's manual fields store values under.
func ManualKeys(t models.Template) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, f := range PartitionFields(t).ManualFields {
		keys[ResolveManualKey(f)] = struct{}{}
	}
	return keys
}

func DBFieldRefs(t models.Template) []models.DBFieldRef {
	p := PartitionFields(t)
	refs := make([]models.DBFieldRef, 0, len(p.DBFields))
	for _, f := range p.DBFields {
		m := f.Mapping.(models.DBMapping)
		refs = append(refs, models.DBFieldRef{
			FieldID:  f.ID,
			Source:   strings.TrimSpace(m.Source),
			Field:    strings.TrimSpace(m.Field),
			Required: IsFieldRequired(f),
		})
	}
	return refs
}
