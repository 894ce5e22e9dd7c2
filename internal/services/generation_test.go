package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"CF-FORMS/internal/datasource"
	"CF-FORMS/internal/forms"
	"CF-FORMS/internal/models"
	"CF-FORMS/internal/repository"
	"CF-FORMS/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var participants = datasource.MapSource{"P1": {"dob": "1990-01-01"}}

func TestGenerationService_Generate(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()
	tmpl, inst := h.readyInstance(t)

	h.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, job services.RenderJob) ([]byte, error) {
			assert.Equal(t, tmpl.ID, job.Template.ID)
			assert.Equal(t, "Jo Doe", job.Request.ManualValues["full_name"])
			assert.Equal(t, "1990-01-01", job.Request.ResolvedValues["dob"])
			assert.Equal(t, pngImage, job.Signature)
			assert.Nil(t, job.BaseDocument)
			return []byte("%PDF-1.7 rendered"), nil
		},
	)

	completed, err := h.generation.Generate(ctx, inst.ID, "op-2")
	require.NoError(t, err)

	want := completed.OutputObject
	assert.Equal(t, models.InstanceStatusCompleted, completed.Status)
	assert.Regexp(t, `^documents/`+inst.ID+`/consent-form-[0-9a-f]{12}\.pdf$`, want)
	assert.NotNil(t, completed.CompletedAt)
	assert.Empty(t, completed.LastError)

	data, ok := h.objects.get(want)
	require.True(t, ok)
	assert.Equal(t, "%PDF-1.7 rendered", string(data))

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, inst.ID, h.notifier.events[0].InstanceID)
	assert.Equal(t, want, h.notifier.events[0].OutputObject)

	assert.Equal(t, models.ActionGenerationCompleted, h.actions(t, inst.ID)[0])

	url, err := h.instances.DocumentURL(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/"+want, url)
}

func TestGenerationService_ValidatesBeforeCallingOut(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()

	tmpl, err := h.templates.Create(ctx, consentTemplate(), "op-1")
	require.NoError(t, err)
	inst, _, err := h.instances.GetOrCreateInstance(ctx, "P1", tmpl.ID, "op-1")
	require.NoError(t, err)

	_, err = h.generation.Generate(ctx, inst.ID, "op-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, forms.ErrMissingRequiredFields)
	assert.False(t, errors.Is(err, services.ErrExternalService))

	var verr *forms.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"Full name"}, verr.MissingLabels())

	_, err = h.instances.RecordValues(ctx, inst.ID, map[string]string{"full_name": "Jo"}, "op-1")
	require.NoError(t, err)
	_, err = h.generation.Generate(ctx, inst.ID, "op-1")
	assert.ErrorIs(t, err, forms.ErrMissingSignature)

	assert.Empty(t, h.notifier.events)
	assert.Empty(t, h.objects.names("documents/"))
}

func TestGenerationService_RendererFailureKeepsInstanceRetryable(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()
	_, inst := h.readyInstance(t)

	gomock.InOrder(
		h.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return(nil, errRendererDown),
		h.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return([]byte("%PDF"), nil),
	)

	_, err := h.generation.Generate(ctx, inst.ID, "op-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrExternalService)
	assert.ErrorIs(t, err, errRendererDown)

	view, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusInProgress, view.Status)
	assert.Contains(t, view.LastError, "503")
	assert.True(t, view.Ready)
	assert.Equal(t, models.ActionGenerationFailed, h.actions(t, inst.ID)[0])

	completed, err := h.generation.Generate(ctx, inst.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, completed.Status)
	assert.Empty(t, completed.LastError)
}

func TestGenerationService_CompletedInstanceIsNotRenderedAgain(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()
	_, inst := h.readyInstance(t)

	h.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return([]byte("%PDF"), nil).Times(1)

	_, err := h.generation.Generate(ctx, inst.ID, "op-1")
	require.NoError(t, err)

	_, err = h.generation.Generate(ctx, inst.ID, "op-1")
	assert.ErrorIs(t, err, forms.ErrAlreadyCompleted)

	_, err = h.instances.RecordValues(ctx, inst.ID, map[string]string{"notes": "late"}, "op-1")
	assert.ErrorIs(t, err, services.ErrInstanceCompleted)
	assert.Len(t, h.notifier.events, 1)
}

func TestGenerationService_ConcurrentSubmissionsRenderOnce(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()
	_, inst := h.readyInstance(t)

	h.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return([]byte("%PDF"), nil).Times(1)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.generation.Generate(ctx, inst.ID, "op-1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			assert.ErrorIs(t, err, forms.ErrAlreadyCompleted)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, succeeded, 1)
	assert.Len(t, h.notifier.events, 1)
}

func TestGenerationService_UnknownDataSource(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()

	tmpl := consentTemplate()
	tmpl.Fields[2].Mapping = models.DBMapping{Source: "households", Field: "size"}
	tmpl.SignatureField = nil
	created, err := h.templates.Create(ctx, tmpl, "op-1")
	require.NoError(t, err)
	inst, _, err := h.instances.GetOrCreateInstance(ctx, "P1", created.ID, "op-1")
	require.NoError(t, err)
	_, err = h.instances.RecordValues(ctx, inst.ID, map[string]string{"full_name": "Jo"}, "op-1")
	require.NoError(t, err)

	_, err = h.generation.Generate(ctx, inst.ID, "op-1")
	assert.ErrorIs(t, err, services.ErrExternalService)
	assert.ErrorIs(t, err, datasource.ErrUnknownSource)
}

func TestGenerationService_NotifierFailureDoesNotFailGeneration(t *testing.T) {
	h := newHarness(t, participants)
	h.notifier.err = errors.New("sink unreachable")
	_, inst := h.readyInstance(t)

	h.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return([]byte("%PDF"), nil)

	completed, err := h.generation.Generate(context.Background(), inst.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, completed.Status)
}

func TestGenerationService_UnknownInstance(t *testing.T) {
	h := newHarness(t, participants)
	_, err := h.generation.Generate(context.Background(), "missing", "op-1")
	assert.ErrorIs(t, err, services.ErrInstanceNotFound)
}

// flakyCompletion fails the first transition to completed, after the
// document has already been stored.
type flakyCompletion struct {
	repository.InstanceRepository
	mu     sync.Mutex
	failed bool
}

func (f *flakyCompletion) Transition(ctx context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus, fields repository.TransitionFields) (bool, error) {
	f.mu.Lock()
	if to == models.InstanceStatusCompleted && !f.failed {
		f.failed = true
		f.mu.Unlock()
		return false, errors.New("instance store unavailable")
	}
	f.mu.Unlock()
	return f.InstanceRepository.Transition(ctx, id, from, to, fields)
}

func newFlakyGeneration(h *harness) *services.GenerationService {
	registry := datasource.NewRegistry()
	registry.Register("participants", participants)
	return services.NewGenerationService(
		&flakyCompletion{InstanceRepository: h.store.Instances}, h.templates, datasource.NewResolver(registry, 2),
		h.objects, h.renderer, h.notifier, h.audit,
	)
}

func renderName(_ context.Context, job services.RenderJob) ([]byte, error) {
	return []byte("PDF name=" + job.Request.ManualValues["full_name"]), nil
}

func TestGenerationService_RetryAfterEditStoresNewDocument(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()
	_, inst := h.readyInstance(t)
	generation := newFlakyGeneration(h)

	h.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).DoAndReturn(renderName).Times(2)

	_, err := generation.Generate(ctx, inst.ID, "op-1")
	require.ErrorIs(t, err, services.ErrExternalService)
	require.Len(t, h.objects.names("documents/"), 1)

	_, err = h.instances.RecordValues(ctx, inst.ID, map[string]string{"full_name": "Corrected Name"}, "op-1")
	require.NoError(t, err)

	completed, err := generation.Generate(ctx, inst.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, completed.Status)

	data, ok := h.objects.get(completed.OutputObject)
	require.True(t, ok)
	assert.Equal(t, "PDF name=Corrected Name", string(data))
	assert.Len(t, h.objects.names("documents/"), 2)
}

func TestGenerationService_IdenticalRetryReusesStoredDocument(t *testing.T) {
	h := newHarness(t, participants)
	ctx := context.Background()
	_, inst := h.readyInstance(t)
	generation := newFlakyGeneration(h)

	h.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).DoAndReturn(renderName).Times(2)

	_, err := generation.Generate(ctx, inst.ID, "op-1")
	require.ErrorIs(t, err, services.ErrExternalService)
	first := h.objects.names("documents/")
	require.Len(t, first, 1)

	completed, err := generation.Generate(ctx, inst.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, first[0], completed.OutputObject)
	assert.Equal(t, first, h.objects.names("documents/"))
}

func TestGenerationService_OutlivesCancelledCaller(t *testing.T) {
	h := newHarness(t, participants)
	_, inst := h.readyInstance(t)

	h.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ services.RenderJob) ([]byte, error) {
			assert.NoError(t, ctx.Err())
			return []byte("%PDF"), nil
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	completed, err := h.generation.Generate(ctx, inst.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, completed.Status)
}
