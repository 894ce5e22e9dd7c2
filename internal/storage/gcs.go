package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrObjectNotFound is returned by ReadFile for a missing object.
var ErrObjectNotFound = errors.New("object not found")

type GCSClient struct {
	client     *storage.Client
	bucketName string
}

type UploadResult struct {
	ObjectName string `json:"object_name"`
	PublicURL  string `json:"public_url"`
	Size       int64  `json:"size"`
}

func NewGCSClient(ctx context.Context, bucketName, projectID, credentialsPath string) (*GCSClient, error) {
	var client *storage.Client
	var err error

	if credentialsPath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(credentialsPath))
	} else {
		client, err = storage.NewClient(ctx)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	slog.Info("GCS client ready", "bucket", bucketName, "project", projectID)
	return &GCSClient{
		client:     client,
		bucketName: bucketName,
	}, nil
}

func (g *GCSClient) UploadFile(ctx context.Context, reader io.Reader, objectName, contentType string) (*UploadResult, error) {
	obj := g.client.Bucket(g.bucketName).Object(objectName)
	writer := obj.NewWriter(ctx)

	if contentType != "" {
		writer.ContentType = contentType
	}

	size, err := io.Copy(writer, reader)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to copy data to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return &UploadResult{
		ObjectName: objectName,
		PublicURL:  g.publicURL(objectName),
		Size:       size,
	}, nil
}

// SaveAtomically writes the object only if it does not exist yet. An existing
// object is left as is and reported with created=false, which makes repeated
// generation of the same document a no-op.
func (g *GCSClient) SaveAtomically(ctx context.Context, reader io.Reader, objectName, contentType string) (bool, error) {
	writer := g.client.Bucket(g.bucketName).Object(objectName).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}

	if _, err := io.Copy(writer, reader); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("object already exists, skipping write", "object", objectName)
			return false, nil
		}
		return false, fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("object already exists, skipping write", "object", objectName)
			return false, nil
		}
		return false, fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return true, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (g *GCSClient) DeleteFile(ctx context.Context, objectName string) error {
	obj := g.client.Bucket(g.bucketName).Object(objectName)
	return obj.Delete(ctx)
}

func (g *GCSClient) ReadFile(ctx context.Context, objectName string) (io.ReadCloser, error) {
	obj := g.client.Bucket(g.bucketName).Object(objectName)
	rc, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectName)
	}
	return rc, err
}

func (g *GCSClient) GetSignedURL(objectName string, expiry time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(expiry),
	}

	return g.client.Bucket(g.bucketName).SignedURL(objectName, opts)
}

func (g *GCSClient) Close() error {
	return g.client.Close()
}

func (g *GCSClient) publicURL(objectName string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucketName, objectName)
}

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and collapses everything but letters and digits into
// single dashes. It returns "document" for input with nothing usable.
func Slug(s string) string {
	slug := strings.Trim(unsafeNameChars.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if slug == "" {
		return "document"
	}
	return slug
}

// TemplateSourceObjectName is where a template's base document is kept.
func TemplateSourceObjectName(templateID, filename string) string {
	timestamp := time.Now().Unix()
	ext := strings.ToLower(path.Ext(filename))
	return fmt.Sprintf("templates/%s/%d_%s%s", templateID, timestamp, Slug(strings.TrimSuffix(filename, path.Ext(filename))), ext)
}

// SignatureObjectName is where an instance's captured signature image is kept.
func SignatureObjectName(instanceID, ext string) string {
	timestamp := time.Now().Unix()
	return fmt.Sprintf("%s%d%s", SignaturePrefix(instanceID), timestamp, ext)
}

// SignaturePrefix is the folder holding an instance's signature images.
func SignaturePrefix(instanceID string) string {
	return "signatures/" + instanceID + "/"
}

// DocumentObjectName names one rendering of an instance's document. revision
// identifies the rendered content, so a retry of the same request lands on the
// same object while a changed request gets a new one.
func DocumentObjectName(instanceID, title, revision string) string {
	return fmt.Sprintf("documents/%s/%s-%s.pdf", instanceID, Slug(title), revision)
}
