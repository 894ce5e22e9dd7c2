package services_test

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"CF-FORMS/internal/models"
	"CF-FORMS/internal/services"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pdfWithPages builds a PDF with one image page per requested page.
func pdfWithPages(t *testing.T, pages int) []byte {
	t.Helper()
	imgs := make([]io.Reader, 0, pages)
	for i := 0; i < pages; i++ {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
		imgs = append(imgs, &buf)
	}
	var out bytes.Buffer
	require.NoError(t, api.ImportImages(nil, &out, imgs, nil, nil))
	return out.Bytes()
}

type gotenbergCall struct {
	Path  string
	Files map[string][]byte
}

// fakeGotenberg answers conversions with a one-page PDF after failing the
// first failFirst requests with 503.
type fakeGotenberg struct {
	t         *testing.T
	mu        sync.Mutex
	calls     []gotenbergCall
	failFirst int
	result    []byte
}

func (f *fakeGotenberg) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	require.NoError(f.t, r.ParseMultipartForm(32<<20))
	call := gotenbergCall{Path: r.URL.Path, Files: map[string][]byte{}}
	for _, fh := range r.MultipartForm.File["files"] {
		file, err := fh.Open()
		require.NoError(f.t, err)
		data, err := io.ReadAll(file)
		require.NoError(f.t, err)
		file.Close()
		call.Files[fh.Filename] = data
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	failing := len(f.calls) <= f.failFirst
	f.mu.Unlock()

	if failing {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	_, _ = w.Write(f.result)
}

func (f *fakeGotenberg) recorded() []gotenbergCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gotenbergCall(nil), f.calls...)
}

func newPDFService(t *testing.T, failFirst int) (*services.PDFService, *fakeGotenberg) {
	t.Helper()
	fake := &fakeGotenberg{t: t, failFirst: failFirst, result: pdfWithPages(t, 1)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	svc, err := services.NewPDFService(srv.URL, "5s", 3, t.TempDir())
	require.NoError(t, err)
	svc.SetRetryDelay(time.Millisecond)
	return svc, fake
}

func pageCount(t *testing.T, pdf []byte) int {
	t.Helper()
	pages, err := services.ValidatePDF(pdf)
	require.NoError(t, err)
	return pages
}

func TestPDFService_RendersSheetThroughChromium(t *testing.T) {
	svc, fake := newPDFService(t, 0)

	pdf, err := svc.Render(context.Background(), sheetJob())
	require.NoError(t, err)
	assert.Equal(t, 1, pageCount(t, pdf))

	calls := fake.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/forms/chromium/convert/html", calls[0].Path)
	assert.Contains(t, string(calls[0].Files["index.html"]), "1990-01-01")
}

func TestPDFService_AppendsSheetToBasePDF(t *testing.T) {
	svc, fake := newPDFService(t, 0)

	job := sheetJob()
	job.Template.SourceKind = models.SourceKindPDF
	job.BaseDocument = pdfWithPages(t, 2)

	pdf, err := svc.Render(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, pageCount(t, pdf))
	assert.Len(t, fake.recorded(), 1)
}

func TestPDFService_FillsDocxThroughLibreOffice(t *testing.T) {
	svc, fake := newPDFService(t, 0)

	job := sheetJob()
	job.Template.SourceKind = models.SourceKindDocx
	job.BaseDocument = buildDocx(t, `<w:p><w:r><w:t>Name: {{full_name}} born {{dob}}</w:t></w:r></w:p>`)

	pdf, err := svc.Render(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, pageCount(t, pdf))

	calls := fake.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/forms/libreoffice/convert", calls[0].Path)

	sent := calls[0].Files["document.docx"]
	zr, err := zip.NewReader(bytes.NewReader(sent), int64(len(sent)))
	require.NoError(t, err)
	var body string
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			rc.Close()
			body = string(data)
		}
	}
	assert.Contains(t, body, "born 1990-01-01")
	assert.Contains(t, body, "Jo &lt;b&gt;Doe&lt;/b&gt;")
	assert.NotContains(t, body, "{{")
}

func TestPDFService_DocxWithSignatureAddsSignaturePage(t *testing.T) {
	svc, fake := newPDFService(t, 0)

	job := sheetJob()
	job.Template.SourceKind = models.SourceKindDocx
	job.BaseDocument = buildDocx(t, `<w:p><w:r><w:t>{{full_name}}</w:t></w:r></w:p>`)
	job.Signature = pngImage

	pdf, err := svc.Render(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, pageCount(t, pdf))

	calls := fake.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "/forms/libreoffice/convert", calls[0].Path)
	assert.Equal(t, "/forms/chromium/convert/html", calls[1].Path)
}

func TestPDFService_RetriesUntilConversionSucceeds(t *testing.T) {
	svc, fake := newPDFService(t, 2)

	pdf, err := svc.Render(context.Background(), sheetJob())
	require.NoError(t, err)
	assert.Equal(t, 1, pageCount(t, pdf))

	calls := fake.recorded()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.NotEmpty(t, c.Files["index.html"], "every attempt sends the full document")
	}
}

func TestPDFService_GivesUpAfterMaxRetries(t *testing.T) {
	svc, fake := newPDFService(t, 10)

	_, err := svc.Render(context.Background(), sheetJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Len(t, fake.recorded(), 3)
}

func TestPDFService_StopsOnCancelledContext(t *testing.T) {
	svc, fake := newPDFService(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Render(ctx, sheetJob())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fake.recorded())
}

func TestMergePDFs(t *testing.T) {
	merged, err := services.MergePDFs(pdfWithPages(t, 1), pdfWithPages(t, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, pageCount(t, merged))
}

func TestValidatePDF_RejectsGarbage(t *testing.T) {
	_, err := services.ValidatePDF([]byte("%PDF-1.7 not really"))
	assert.ErrorIs(t, err, services.ErrInvalidPDF)
}
