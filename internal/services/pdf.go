package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"CF-FORMS/internal/models"
	"CF-FORMS/internal/processor"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/starwalkn/gotenberg-go-client/v8"
	"github.com/starwalkn/gotenberg-go-client/v8/document"
)

// ErrInvalidPDF is returned for uploads pdfcpu cannot read.
var ErrInvalidPDF = errors.New("invalid PDF document")

// PDFService renders form instances through Gotenberg: DOCX sources via
// LibreOffice, everything else as an HTML sheet via Chromium.
type PDFService struct {
	client     *gotenberg.Client
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	scratchDir string
	now        func() time.Time
}

func NewPDFService(gotenbergURL, timeoutStr string, maxRetries int, scratchDir string) (*PDFService, error) {
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		timeout = 30 * time.Second
		slog.Warn("invalid Gotenberg timeout, using default", "timeout", timeoutStr, "default", timeout, "error", err)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}

	client, err := gotenberg.NewClient(gotenbergURL, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gotenberg client: %w", err)
	}

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	return &PDFService{
		client:     client,
		timeout:    timeout,
		maxRetries: maxRetries,
		retryDelay: time.Second,
		scratchDir: scratchDir,
		now:        time.Now,
	}, nil
}

func (s *PDFService) Render(ctx context.Context, job RenderJob) ([]byte, error) {
	logCtx := slog.With("instanceId", job.Request.InstanceID, "templateId", job.Template.ID)

	switch {
	case job.Template.SourceKind == models.SourceKindDocx && len(job.BaseDocument) > 0:
		return s.renderDocx(ctx, logCtx, job)
	case job.Template.SourceKind == models.SourceKindPDF && len(job.BaseDocument) > 0:
		sheet, err := s.renderSheet(ctx, job, true)
		if err != nil {
			return nil, err
		}
		logCtx.Info("appending form sheet to base PDF")
		return MergePDFs(job.BaseDocument, sheet)
	default:
		return s.renderSheet(ctx, job, true)
	}
}

func (s *PDFService) renderDocx(ctx context.Context, logCtx *slog.Logger, job RenderJob) ([]byte, error) {
	proc, err := processor.NewDocxProcessor(job.BaseDocument)
	if err != nil {
		return nil, fmt.Errorf("failed to open template document: %w", err)
	}
	filled, err := proc.Fill(FieldValues(job.Template, job.Request))
	if err != nil {
		return nil, fmt.Errorf("failed to fill template document: %w", err)
	}
	landscape := proc.DetectOrientation()
	logCtx.Info("converting filled document", "landscape", landscape)

	pdf, err := s.convertWithRetry(ctx, func(ctx context.Context, dest string) error {
		doc, err := document.FromReader("document.docx", bytes.NewReader(filled))
		if err != nil {
			return fmt.Errorf("failed to create document from reader: %w", err)
		}
		req := gotenberg.NewLibreOfficeRequest(doc)
		if landscape {
			req.Landscape()
		}
		return s.client.Store(ctx, req, dest)
	})
	if err != nil {
		return nil, err
	}

	if len(job.Signature) == 0 {
		return pdf, nil
	}
	sheet, err := s.renderSheet(ctx, job, false)
	if err != nil {
		return nil, err
	}
	return MergePDFs(pdf, sheet)
}

func (s *PDFService) renderSheet(ctx context.Context, job RenderJob, includeFields bool) ([]byte, error) {
	html, err := RenderSheetHTML(job, includeFields, s.now())
	if err != nil {
		return nil, err
	}
	return s.convertWithRetry(ctx, func(ctx context.Context, dest string) error {
		index, err := document.FromReader("index.html", strings.NewReader(html))
		if err != nil {
			return fmt.Errorf("failed to create document from reader: %w", err)
		}
		return s.client.Store(ctx, gotenberg.NewHTMLRequest(index), dest)
	})
}

// convertWithRetry runs convert until it writes a PDF to its destination.
// Each attempt builds a fresh request, since documents built from readers
// cannot be sent twice.
func (s *PDFService) convertWithRetry(ctx context.Context, convert func(ctx context.Context, dest string) error) ([]byte, error) {
	backoff := s.retryDelay
	var lastErr error

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		data, err := s.store(ctx, convert)
		if err == nil {
			return data, nil
		}
		lastErr = err
		slog.Warn("PDF conversion attempt failed", "attempt", attempt, "maxRetries", s.maxRetries, "error", err)

		if ctx.Err() != nil {
			return nil, fmt.Errorf("conversion cancelled: %w", ctx.Err())
		}
		if attempt == s.maxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, fmt.Errorf("conversion cancelled: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("failed to convert document after %d attempts: %w", s.maxRetries, lastErr)
}

func (s *PDFService) store(ctx context.Context, convert func(ctx context.Context, dest string) error) ([]byte, error) {
	convertCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	outputPath := filepath.Join(s.scratchDir, uuid.New().String()+".pdf")
	defer os.Remove(outputPath)

	if err := convert(convertCtx, outputPath); err != nil {
		return nil, err
	}
	return os.ReadFile(outputPath)
}

// MergePDFs concatenates the given PDFs in order.
func MergePDFs(parts ...[]byte) ([]byte, error) {
	readers := make([]io.ReadSeeker, 0, len(parts))
	for _, p := range parts {
		readers = append(readers, bytes.NewReader(p))
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	var out bytes.Buffer
	if err := api.MergeRaw(readers, &out, false, conf); err != nil {
		return nil, fmt.Errorf("failed to merge PDFs: %w", err)
	}
	return out.Bytes(), nil
}

// ValidatePDF checks that data is a readable PDF and returns its page count.
func ValidatePDF(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	return pages, nil
}
