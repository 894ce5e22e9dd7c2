package mapping

import (
	"errors"
	"fmt"
	"strings"

	"CF-FORMS/internal/models"
)

var ErrInvalidTemplate = errors.New("invalid template")

// TemplateError lists every problem found in a template definition.
type TemplateError struct {
	Problems []string
}

func (e *TemplateError) Error() string {
	return "invalid template: " + strings.Join(e.Problems, "; ")
}

func (e *TemplateError) Is(target error) bool {
	return target == ErrInvalidTemplate
}

// ValidateTemplate is run when a template is saved. Two fields resolving to
// the same manual key, or to the same db source+field, would silently share
// one stored value, so both are rejected here.
func ValidateTemplate(t models.Template) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(t.Title) == "" {
		addf("title is required")
	}

	all := make([]models.FieldPlacement, 0, len(t.Fields)+1)
	all = append(all, t.Fields...)
	if t.SignatureField != nil {
		all = append(all, *t.SignatureField)
	}

	ids := make(map[string]struct{})
	manualKeys := make(map[string]string)
	dbPairs := make(map[string]string)
	var roles []models.SignatureRole

	for i, f := range all {
		id := strings.TrimSpace(f.ID)
		if id == "" {
			addf("field #%d has no id", i+1)
		} else if _, dup := ids[id]; dup {
			addf("field id %q is used more than once", id)
		} else {
			ids[id] = struct{}{}
		}

		if !f.Type.Valid() {
			addf("field %q has unknown type %q", f.ID, f.Type)
		}

		if isSignatureField(f) {
			if m, ok := f.Mapping.(models.SignatureMapping); ok && m.SignatureRole != "" {
				if !m.SignatureRole.Valid() {
					addf("field %q has unknown signature role %q", f.ID, m.SignatureRole)
				}
				roles = append(roles, m.SignatureRole)
			}
			continue
		}

		switch m := f.Mapping.(type) {
		case models.DBMapping:
			source, field := strings.TrimSpace(m.Source), strings.TrimSpace(m.Field)
			if source == "" || field == "" {
				addf("field %q needs both a db source and a db field", f.ID)
				continue
			}
			pair := source + "." + field
			if other, dup := dbPairs[pair]; dup {
				addf("fields %q and %q both read %s", other, f.ID, pair)
			} else {
				dbPairs[pair] = f.ID
			}
		case models.ManualMapping, nil:
			if m, ok := f.Mapping.(models.ManualMapping); ok && strings.HasPrefix(strings.TrimSpace(m.ManualKey), FallbackKeyPrefix) {
				addf("field %q uses reserved key prefix %q", f.ID, FallbackKeyPrefix)
			}
			key := ResolveManualKey(f)
			if other, dup := manualKeys[key]; dup {
				addf("fields %q and %q both store their value under key %q", other, f.ID, key)
			} else {
				manualKeys[key] = f.ID
			}
		}
	}

	for i := 1; i < len(roles); i++ {
		if roles[i] != roles[0] {
			addf("signature fields disagree on signer role (%s vs %s)", roles[0], roles[i])
			break
		}
	}

	if len(problems) > 0 {
		return &TemplateError{Problems: problems}
	}
	return nil
}
