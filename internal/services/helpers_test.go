package services_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"CF-FORMS/internal/datasource"
	"CF-FORMS/internal/models"
	"CF-FORMS/internal/notify"
	"CF-FORMS/internal/repository"
	"CF-FORMS/internal/services"
	"CF-FORMS/internal/services/mocks"
	"CF-FORMS/internal/storage"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// pngImage is enough for content sniffing to report image/png.
var pngImage = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	failAll error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (f *fakeObjects) UploadFile(_ context.Context, r io.Reader, name, _ string) (*storage.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.objects[name] = data
	return &storage.UploadResult{ObjectName: name, Size: int64(len(data))}, nil
}

func (f *fakeObjects) SaveAtomically(_ context.Context, r io.Reader, name, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return false, f.failAll
	}
	if _, ok := f.objects[name]; ok {
		return false, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	f.objects[name] = data
	return true, nil
}

func (f *fakeObjects) ReadFile(_ context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) DeleteFile(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, name)
	return nil
}

func (f *fakeObjects) GetSignedURL(name string, _ time.Duration) (string, error) {
	return "https://signed.example/" + name, nil
}

func (f *fakeObjects) get(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	return data, ok
}

func (f *fakeObjects) names(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.InstanceCompleted
	err    error
}

func (n *fakeNotifier) InstanceCompleted(_ context.Context, evt notify.InstanceCompleted) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return n.err
}

type harness struct {
	store      *repository.Store
	objects    *fakeObjects
	notifier   *fakeNotifier
	renderer   *mocks.MockRenderer
	audit      *services.ActivityLogService
	templates  *services.TemplateService
	instances  *services.InstanceService
	generation *services.GenerationService
}

func newHarness(t *testing.T, participants datasource.MapSource) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	h := &harness{
		store:    repository.NewMemoryStore().Store(),
		objects:  newFakeObjects(),
		notifier: &fakeNotifier{},
		renderer: mocks.NewMockRenderer(ctrl),
	}
	registry := datasource.NewRegistry()
	registry.Register("participants", participants)

	h.audit = services.NewActivityLogService(h.store.Activities)
	h.templates = services.NewTemplateService(h.store.Templates, h.objects, h.audit)
	h.instances = services.NewInstanceService(h.store.Instances, h.templates, h.objects, h.audit, time.Minute)
	h.generation = services.NewGenerationService(
		h.store.Instances, h.templates, datasource.NewResolver(registry, 4),
		h.objects, h.renderer, h.notifier, h.audit,
	)
	return h
}

// consentTemplate has a required manual field, an optional one, a db field
// and a required participant signature.
func consentTemplate() models.Template {
	return models.Template{
		Title: "Consent Form",
		Fields: []models.FieldPlacement{
			{ID: "name", Type: models.FieldTypeText, Mapping: models.ManualMapping{ManualKey: "full_name", ManualLabel: "Full name"}},
			{ID: "notes", Type: models.FieldTypeTextarea, Mapping: models.ManualMapping{ManualKey: "notes", Required: models.Bool(false)}},
			{ID: "dob", Type: models.FieldTypeDate, DisplayLabel: "Date of birth", Mapping: models.DBMapping{Source: "participants", Field: "dob"}},
		},
		SignatureField: &models.FieldPlacement{ID: "sig", Type: models.FieldTypeSignature, Mapping: models.SignatureMapping{SignatureRole: models.SignatureRoleParticipant}},
	}
}

// readyInstance creates the consent template and an instance with every
// requirement met.
func (h *harness) readyInstance(t *testing.T) (models.Template, models.Instance) {
	t.Helper()
	ctx := context.Background()

	tmpl, err := h.templates.Create(ctx, consentTemplate(), "op-1")
	require.NoError(t, err)
	inst, _, err := h.instances.GetOrCreateInstance(ctx, "P1", tmpl.ID, "op-1")
	require.NoError(t, err)
	_, err = h.instances.RecordValues(ctx, inst.ID, map[string]string{"full_name": " Jo Doe "}, "op-1")
	require.NoError(t, err)
	inst, err = h.instances.RecordSignature(ctx, inst.ID, services.SignatureInput{Image: pngImage}, "op-1")
	require.NoError(t, err)
	return tmpl, inst
}

func (h *harness) actions(t *testing.T, instanceID string) []string {
	t.Helper()
	logs, _, err := h.audit.List(context.Background(), instanceID, 0, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><w:document><w:body>` + body + `</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

var errRendererDown = errors.New("gotenberg: 503 service unavailable")
