package services_test

import (
	"context"
	"testing"

	"CF-FORMS/internal/mapping"
	"CF-FORMS/internal/models"
	"CF-FORMS/internal/repository"
	"CF-FORMS/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceService_GetOrCreateInstance(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()

	tmpl, err := h.templates.Create(ctx, consentTemplate(), "op-1")
	require.NoError(t, err)

	first, created, err := h.instances.GetOrCreateInstance(ctx, "P1", tmpl.ID, "op-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.InstanceStatusDraft, first.Status)
	assert.Equal(t, services.InstanceID("P1", tmpl.ID), first.ID)

	second, created, err := h.instances.GetOrCreateInstance(ctx, " P1 ", tmpl.ID, "op-2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, []string{models.ActionInstanceCreated}, h.actions(t, first.ID))

	_, _, err = h.instances.GetOrCreateInstance(ctx, "P1", "no-such-template", "op-1")
	assert.ErrorIs(t, err, services.ErrTemplateNotFound)

	_, _, err = h.instances.GetOrCreateInstance(ctx, "", tmpl.ID, "op-1")
	assert.ErrorIs(t, err, services.ErrInvalidInput)
}

func TestInstanceID_IsDeterministic(t *testing.T) {
	assert.Equal(t, services.InstanceID("P1", "T1"), services.InstanceID("P1", "T1"))
	assert.NotEqual(t, services.InstanceID("P1", "T1"), services.InstanceID("P1", "T2"))
	assert.NotEqual(t, services.InstanceID("P1T", "1"), services.InstanceID("P1", "T1"))
}

func TestInstanceService_RecordValues(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()

	tmpl, err := h.templates.Create(ctx, consentTemplate(), "op-1")
	require.NoError(t, err)
	inst, _, err := h.instances.GetOrCreateInstance(ctx, "P1", tmpl.ID, "op-1")
	require.NoError(t, err)

	t.Run("unknown key is rejected", func(t *testing.T) {
		_, err := h.instances.RecordValues(ctx, inst.ID, map[string]string{"dob": "2000-01-01"}, "op-1")
		assert.ErrorIs(t, err, services.ErrUnknownField)
	})

	t.Run("values are trimmed and the draft advances", func(t *testing.T) {
		updated, err := h.instances.RecordValues(ctx, inst.ID, map[string]string{"full_name": "  Jo  "}, "op-1")
		require.NoError(t, err)
		assert.Equal(t, "Jo", updated.Values["full_name"])
		assert.Equal(t, models.InstanceStatusInProgress, updated.Status)
	})

	t.Run("separate writes keep each other's keys", func(t *testing.T) {
		_, err := h.instances.RecordValues(ctx, inst.ID, map[string]string{"notes": "first visit"}, "op-2")
		require.NoError(t, err)
		view, err := h.instances.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, "Jo", view.Values["full_name"])
		assert.Equal(t, "first visit", view.Values["notes"])
	})

	t.Run("completed instance is read-only", func(t *testing.T) {
		ok, err := h.store.Instances.Transition(ctx, inst.ID,
			[]models.InstanceStatus{models.InstanceStatusInProgress}, models.InstanceStatusCompleted,
			repository.TransitionFields{OutputObject: "documents/x.pdf"})
		require.NoError(t, err)
		require.True(t, ok)

		_, err = h.instances.RecordValues(ctx, inst.ID, map[string]string{"notes": "again"}, "op-1")
		assert.ErrorIs(t, err, services.ErrInstanceCompleted)
		_, err = h.instances.RecordSignature(ctx, inst.ID, services.SignatureInput{Ref: "signatures/" + inst.ID + "/x.png"}, "op-1")
		assert.ErrorIs(t, err, services.ErrInstanceCompleted)
	})
}

func TestInstanceService_FallbackKeyIsAccepted(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()

	tmpl, err := h.templates.Create(ctx, models.Template{
		Title:  "Intake",
		Fields: []models.FieldPlacement{{ID: "f1", Type: models.FieldTypeText, DisplayLabel: "Reason"}},
	}, "op-1")
	require.NoError(t, err)
	inst, _, err := h.instances.GetOrCreateInstance(ctx, "P1", tmpl.ID, "op-1")
	require.NoError(t, err)

	updated, err := h.instances.RecordValues(ctx, inst.ID, map[string]string{mapping.FallbackKeyPrefix + "f1": "referral"}, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "referral", updated.Values[mapping.FallbackKeyPrefix+"f1"])
}

func TestInstanceService_RecordSignature(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()

	tmpl, err := h.templates.Create(ctx, consentTemplate(), "op-1")
	require.NoError(t, err)
	inst, _, err := h.instances.GetOrCreateInstance(ctx, "P1", tmpl.ID, "op-1")
	require.NoError(t, err)

	_, err = h.instances.RecordSignature(ctx, inst.ID, services.SignatureInput{Image: []byte("%PDF-1.4 not an image")}, "op-1")
	assert.ErrorIs(t, err, services.ErrInvalidInput)

	_, err = h.instances.RecordSignature(ctx, inst.ID, services.SignatureInput{}, "op-1")
	assert.ErrorIs(t, err, services.ErrInvalidInput)

	other, _, err := h.instances.GetOrCreateInstance(ctx, "P2", tmpl.ID, "op-1")
	require.NoError(t, err)
	for _, ref := range []string{
		"documents/" + other.ID + "/consent-form.pdf",
		"signatures/" + other.ID + "/1700000000.png",
		"signatures/" + inst.ID + "/../" + other.ID + "/1700000000.png",
		"signatures/" + inst.ID + "/",
	} {
		_, err = h.instances.RecordSignature(ctx, inst.ID, services.SignatureInput{Ref: ref}, "op-1")
		assert.ErrorIs(t, err, services.ErrInvalidInput, ref)
	}

	byRef, err := h.instances.RecordSignature(ctx, inst.ID, services.SignatureInput{Ref: "signatures/" + inst.ID + "/1700000000.png"}, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "signatures/"+inst.ID+"/1700000000.png", byRef.SignatureRef)

	signed, err := h.instances.RecordSignature(ctx, inst.ID, services.SignatureInput{Image: pngImage}, "caseworker-7")
	require.NoError(t, err)
	assert.Contains(t, signed.SignatureRef, "signatures/"+inst.ID+"/")
	assert.Equal(t, models.InstanceStatusInProgress, signed.Status)

	stored, ok := h.objects.get(signed.SignatureRef)
	require.True(t, ok)
	assert.Equal(t, pngImage, stored)

	logs, _, err := h.audit.List(ctx, inst.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ActionSignatureRecorded, logs[0].Action)
	assert.Equal(t, "caseworker-7", logs[0].Actor)
}

func TestInstanceService_GetReportsReadiness(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()

	tmpl, err := h.templates.Create(ctx, consentTemplate(), "op-1")
	require.NoError(t, err)
	inst, _, err := h.instances.GetOrCreateInstance(ctx, "P1", tmpl.ID, "op-1")
	require.NoError(t, err)

	view, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, view.Ready)
	assert.Equal(t, []string{"Full name"}, view.Missing)
	assert.True(t, view.SignatureRequired)
	require.Len(t, view.Checklist, 2)
	assert.Equal(t, "full_name", view.Checklist[0].Key)

	_, err = h.instances.RecordValues(ctx, inst.ID, map[string]string{"full_name": "Jo"}, "op-1")
	require.NoError(t, err)
	view, err = h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, view.Ready, "signature is still missing")
	assert.Empty(t, view.Missing)

	_, err = h.instances.DocumentURL(ctx, inst.ID)
	assert.ErrorIs(t, err, services.ErrDocumentNotReady)

	_, err = h.instances.Get(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrInstanceNotFound)
}
