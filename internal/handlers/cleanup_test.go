package handlers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCleanupService_RemovesOnlyOldFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale.pdf")
	fresh := filepath.Join(dir, "fresh.pdf")
	require.NoError(t, os.WriteFile(stale, []byte("%PDF"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("%PDF"), 0o644))

	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	svc := NewFileCleanupService(time.Hour, dir, filepath.Join(dir, "missing"))
	assert.Equal(t, 1, svc.CleanupOldFiles())

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestFileCleanupService_StartStop(t *testing.T) {
	svc := NewFileCleanupService(time.Hour, t.TempDir())
	svc.Start()
	svc.Stop()
}
