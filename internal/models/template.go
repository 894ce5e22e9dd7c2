package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type FieldType string

const (
	FieldTypeText      FieldType = "text"
	FieldTypeTextarea  FieldType = "textarea"
	FieldTypeDate      FieldType = "date"
	FieldTypeCheckbox  FieldType = "checkbox"
	FieldTypeSignature FieldType = "signature"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeText, FieldTypeTextarea, FieldTypeDate, FieldTypeCheckbox, FieldTypeSignature:
		return true
	}
	return false
}

type MappingMode string

const (
	MappingModeDB        MappingMode = "db"
	MappingModeManual    MappingMode = "manual"
	MappingModeSignature MappingMode = "signature"
)

type SignatureRole string

const (
	SignatureRoleParticipant SignatureRole = "participant"
	SignatureRoleCaseworker  SignatureRole = "caseworker"
)

func (r SignatureRole) Valid() bool {
	return r == SignatureRoleParticipant || r == SignatureRoleCaseworker
}

// SourceKind describes the base document a template was built from.
type SourceKind string

const (
	SourceKindNone SourceKind = ""
	SourceKindPDF  SourceKind = "pdf"
	SourceKindDocx SourceKind = "docx"
)

// Mapping says where a field's value comes from. It is implemented only by
// DBMapping, ManualMapping and SignatureMapping.
type Mapping interface {
	Mode() MappingMode
	// RequiredFlag returns the raw flag; nil means the template did not set it.
	RequiredFlag() *bool
	isMapping()
}

// DBMapping resolves the value from an external data source at generation time.
type DBMapping struct {
	Source   string
	Field    string
	Required *bool
}

// ManualMapping is filled in by an operator.
type ManualMapping struct {
	ManualKey   string
	ManualLabel string
	Required    *bool
}

// SignatureMapping is an image captured from a participant or case worker.
type SignatureMapping struct {
	SignatureRole SignatureRole
	Required      *bool
}

func (DBMapping) Mode() MappingMode        { return MappingModeDB }
func (ManualMapping) Mode() MappingMode    { return MappingModeManual }
func (SignatureMapping) Mode() MappingMode { return MappingModeSignature }

func (m DBMapping) RequiredFlag() *bool        { return m.Required }
func (m ManualMapping) RequiredFlag() *bool    { return m.Required }
func (m SignatureMapping) RequiredFlag() *bool { return m.Required }

func (DBMapping) isMapping()        {}
func (ManualMapping) isMapping()    {}
func (SignatureMapping) isMapping() {}

// FieldPlacement is one field position on a template.
type FieldPlacement struct {
	ID           string
	Type         FieldType
	DisplayLabel string
	Mapping      Mapping
}

type Template struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	Description    string           `json:"description,omitempty"`
	Fields         []FieldPlacement `json:"fields"`
	SignatureField *FieldPlacement  `json:"signatureField,omitempty"`
	SourceObject   string           `json:"sourceObject,omitempty"`
	SourceKind     SourceKind       `json:"sourceKind,omitempty"`
	PageCount      int              `json:"pageCount,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Clone returns a copy that shares no slices or pointers with t.
func (t Template) Clone() Template {
	out := t
	if t.Fields != nil {
		out.Fields = make([]FieldPlacement, len(t.Fields))
		copy(out.Fields, t.Fields)
	}
	if t.SignatureField != nil {
		sig := *t.SignatureField
		out.SignatureField = &sig
	}
	return out
}

// Bool is a helper for setting optional Required flags.
func Bool(v bool) *bool {
	return &v
}

type mappingWire struct {
	Mode          MappingMode   `json:"mode"`
	Source        string        `json:"source,omitempty"`
	Field         string        `json:"field,omitempty"`
	ManualKey     string        `json:"manualKey,omitempty"`
	ManualLabel   string        `json:"manualLabel,omitempty"`
	SignatureRole SignatureRole `json:"signatureRole,omitempty"`
	Required      *bool         `json:"required,omitempty"`
}

type fieldWire struct {
	ID           string       `json:"id"`
	Type         FieldType    `json:"type"`
	DisplayLabel string       `json:"displayLabel,omitempty"`
	Mapping      *mappingWire `json:"mapping,omitempty"`
}

func (f FieldPlacement) MarshalJSON() ([]byte, error) {
	w := fieldWire{ID: f.ID, Type: f.Type, DisplayLabel: f.DisplayLabel}
	switch m := f.Mapping.(type) {
	case DBMapping:
		w.Mapping = &mappingWire{Mode: MappingModeDB, Source: m.Source, Field: m.Field, Required: m.Required}
	case ManualMapping:
		w.Mapping = &mappingWire{Mode: MappingModeManual, ManualKey: m.ManualKey, ManualLabel: m.ManualLabel, Required: m.Required}
	case SignatureMapping:
		w.Mapping = &mappingWire{Mode: MappingModeSignature, SignatureRole: m.SignatureRole, Required: m.Required}
	case nil:
	default:
		return nil, fmt.Errorf("field %q: unsupported mapping %T", f.ID, f.Mapping)
	}
	return json.Marshal(w)
}

// UnmarshalJSON also accepts older encodings where the mapping (or its mode)
// was omitted: signature-typed fields become signature mappings, everything
// else becomes a manual mapping keyed by the field id.
func (f *FieldPlacement) UnmarshalJSON(data []byte) error {
	var w fieldWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	f.ID = w.ID
	f.Type = w.Type
	f.DisplayLabel = w.DisplayLabel

	mw := mappingWire{}
	if w.Mapping != nil {
		mw = *w.Mapping
	}
	mode := MappingMode(strings.ToLower(strings.TrimSpace(string(mw.Mode))))
	if mode == "" {
		if w.Type == FieldTypeSignature {
			mode = MappingModeSignature
		} else {
			mode = MappingModeManual
		}
	}

	switch mode {
	case MappingModeDB:
		f.Mapping = DBMapping{Source: mw.Source, Field: mw.Field, Required: mw.Required}
	case MappingModeManual:
		f.Mapping = ManualMapping{ManualKey: mw.ManualKey, ManualLabel: mw.ManualLabel, Required: mw.Required}
	case MappingModeSignature:
		f.Mapping = SignatureMapping{SignatureRole: mw.SignatureRole, Required: mw.Required}
	default:
		return fmt.Errorf("field %q: unknown mapping mode %q", w.ID, mw.Mode)
	}
	return nil
}
