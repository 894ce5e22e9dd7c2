package services_test

import (
	"strings"
	"testing"
	"time"

	"CF-FORMS/internal/mapping"
	"CF-FORMS/internal/models"
	"CF-FORMS/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sheetJob() services.RenderJob {
	tmpl := mapping.NormalizeTemplate(models.Template{
		ID:    "T1",
		Title: "Consent <Form>",
		Fields: []models.FieldPlacement{
			{ID: "name", Type: models.FieldTypeText, Mapping: models.ManualMapping{ManualKey: "full_name", ManualLabel: "Full name"}},
			{ID: "dob", Type: models.FieldTypeDate, Mapping: models.DBMapping{Source: "participants", Field: "dob"}},
			{ID: "agree", Type: models.FieldTypeCheckbox, DisplayLabel: "Agrees", Mapping: models.ManualMapping{ManualKey: "agree"}},
			{ID: "sig", Type: models.FieldTypeSignature, Mapping: models.SignatureMapping{SignatureRole: models.SignatureRoleCaseworker}},
		},
	})
	return services.RenderJob{
		Template: tmpl,
		Request: models.GenerationRequest{
			InstanceID:     "I1",
			ManualValues:   map[string]string{"full_name": "Jo <b>Doe</b>", "agree": "true"},
			ResolvedValues: map[string]string{"dob": "1990-01-01"},
		},
	}
}

func TestSheetRows(t *testing.T) {
	job := sheetJob()
	rows := services.SheetRows(job.Template, job.Request)
	assert.Equal(t, []services.SheetRow{
		{Label: "Full name", Value: "Jo <b>Doe</b>"},
		{Label: "dob", Value: "1990-01-01"},
		{Label: "Agrees", Value: "Yes"},
	}, rows)
}

func TestFieldValues_KeyedByIDAndManualKey(t *testing.T) {
	job := sheetJob()
	values := services.FieldValues(job.Template, job.Request)
	assert.Equal(t, "Jo <b>Doe</b>", values["name"])
	assert.Equal(t, "Jo <b>Doe</b>", values["full_name"])
	assert.Equal(t, "1990-01-01", values["dob"])
	_, hasSig := values["sig"]
	assert.False(t, hasSig)
}

func TestRenderSheetHTML(t *testing.T) {
	job := sheetJob()
	job.Signature = pngImage
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	html, err := services.RenderSheetHTML(job, true, now)
	require.NoError(t, err)
	assert.Contains(t, html, "Consent &lt;Form&gt;")
	assert.Contains(t, html, "Jo &lt;b&gt;Doe&lt;/b&gt;")
	assert.NotContains(t, html, "<b>Doe</b>")
	assert.Contains(t, html, `src="data:image/png;base64,`)
	assert.Contains(t, html, "Case worker signature")
	assert.Contains(t, html, "2024-05-01 09:30 UTC")

	signatureOnly, err := services.RenderSheetHTML(job, false, now)
	require.NoError(t, err)
	assert.False(t, strings.Contains(signatureOnly, "Full name"))
	assert.Contains(t, signatureOnly, "data:image/png;base64,")
}
