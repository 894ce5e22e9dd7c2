package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"CF-FORMS/internal/storage"
)

// ObjectStore is the part of *storage.GCSClient the services use.
type ObjectStore interface {
	UploadFile(ctx context.Context, reader io.Reader, objectName, contentType string) (*storage.UploadResult, error)
	SaveAtomically(ctx context.Context, reader io.Reader, objectName, contentType string) (bool, error)
	ReadFile(ctx context.Context, objectName string) (io.ReadCloser, error)
	DeleteFile(ctx context.Context, objectName string) error
	GetSignedURL(objectName string, expiry time.Duration) (string, error)
}

var _ ObjectStore = (*storage.GCSClient)(nil)

func readObject(ctx context.Context, objects ObjectStore, name string) ([]byte, error) {
	rc, err := objects.ReadFile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
