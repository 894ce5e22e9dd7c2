package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"CF-FORMS/internal/mapping"
	"CF-FORMS/internal/models"
)

//go:generate mockgen -source=renderer.go -destination=mocks/mock_renderer.go -package=mocks

// Renderer turns a generation request into a finished PDF.
type Renderer interface {
	Render(ctx context.Context, job RenderJob) ([]byte, error)
}

// RenderJob is everything a Renderer needs. BaseDocument and Signature are
// nil when the template has no source document or no signature.
type RenderJob struct {
	Template     models.Template
	Request      models.GenerationRequest
	BaseDocument []byte
	Signature    []byte
}

// SheetRow is one line of the generated form sheet.
type SheetRow struct {
	Label string
	Value string
}

// FieldValues maps every field id, and every manual key, to its final value.
func FieldValues(tmpl models.Template, req models.GenerationRequest) map[string]string {
	values := make(map[string]string, len(tmpl.Fields)*2)
	for _, f := range tmpl.Fields {
		switch f.Mapping.(type) {
		case models.DBMapping:
			values[f.ID] = req.ResolvedValues[f.ID]
		case models.SignatureMapping:
		default:
			key := mapping.ResolveManualKey(f)
			values[f.ID] = req.ManualValues[key]
			values[key] = req.ManualValues[key]
		}
	}
	return values
}

// SheetRows lists the non-signature fields in template order.
func SheetRows(tmpl models.Template, req models.GenerationRequest) []SheetRow {
	values := FieldValues(tmpl, req)
	rows := make([]SheetRow, 0, len(tmpl.Fields))
	for _, f := range tmpl.Fields {
		if _, ok := f.Mapping.(models.SignatureMapping); ok {
			continue
		}
		label := mapping.ResolveManualLabel(f)
		if _, ok := f.Mapping.(models.DBMapping); ok && f.DisplayLabel == "" {
			label = f.ID
		}
		value := values[f.ID]
		if f.Type == models.FieldTypeCheckbox {
			value = checkboxText(value)
		}
		rows = append(rows, SheetRow{Label: label, Value: value})
	}
	return rows
}

func checkboxText(v string) string {
	switch v {
	case "true", "yes", "on", "1":
		return "Yes"
	case "":
		return ""
	}
	return "No"
}

var sheetTemplate = template.Must(template.New("sheet").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; font-size: 11pt; margin: 24px; }
h1 { font-size: 16pt; margin-bottom: 16px; }
table { width: 100%; border-collapse: collapse; }
td { border-bottom: 1px solid #ccc; padding: 6px 4px; vertical-align: top; }
td.label { width: 35%; font-weight: bold; }
td.value { white-space: pre-wrap; }
.signature { margin-top: 32px; }
.signature img { max-height: 90px; border-bottom: 1px solid #000; }
.footer { margin-top: 24px; font-size: 8pt; color: #666; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Rows}}<table>
{{range .Rows}}<tr><td class="label">{{.Label}}</td><td class="value">{{.Value}}</td></tr>
{{end}}</table>{{end}}
{{if .SignatureURI}}<div class="signature"><div>{{.SignatureLabel}}</div><img src="{{.SignatureURI}}" alt="signature"></div>{{end}}
<div class="footer">Generated {{.GeneratedAt}}</div>
</body>
</html>
`))

type sheetData struct {
	Title          string
	Rows           []SheetRow
	SignatureLabel string
	SignatureURI   template.URL
	GeneratedAt    string
}

// RenderSheetHTML builds the HTML sheet. With includeFields false only the
// signature block is rendered, for templates whose fields are already
// placed in a base document.
func RenderSheetHTML(job RenderJob, includeFields bool, now time.Time) (string, error) {
	data := sheetData{
		Title:       job.Template.Title,
		GeneratedAt: now.UTC().Format("2006-01-02 15:04 MST"),
	}
	if includeFields {
		data.Rows = SheetRows(job.Template, job.Request)
	}
	if len(job.Signature) > 0 {
		contentType := http.DetectContentType(job.Signature)
		data.SignatureURI = template.URL(fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(job.Signature)))
		data.SignatureLabel = "Signature"
		if sig := job.Template.SignatureField; sig != nil {
			if sig.DisplayLabel != "" {
				data.SignatureLabel = sig.DisplayLabel
			} else if m, ok := sig.Mapping.(models.SignatureMapping); ok && m.SignatureRole == models.SignatureRoleCaseworker {
				data.SignatureLabel = "Case worker signature"
			} else {
				data.SignatureLabel = "Participant signature"
			}
		}
	}

	var buf bytes.Buffer
	if err := sheetTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render form sheet: %w", err)
	}
	return buf.String(), nil
}
