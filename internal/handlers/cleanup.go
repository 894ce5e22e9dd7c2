package handlers

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FileCleanupService removes renderer scratch files left behind by
// interrupted conversions.
type FileCleanupService struct {
	dirs     []string
	maxAge   time.Duration
	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
}

func NewFileCleanupService(maxAge time.Duration, dirs ...string) *FileCleanupService {
	return &FileCleanupService{
		dirs:     dirs,
		maxAge:   maxAge,
		interval: time.Hour,
		done:     make(chan struct{}),
	}
}

func (fcs *FileCleanupService) Start() {
	fcs.ticker = time.NewTicker(fcs.interval)
	go func() {
		for {
			select {
			case <-fcs.done:
				return
			case <-fcs.ticker.C:
				fcs.CleanupOldFiles()
			}
		}
	}()
	slog.Info("file cleanup service started", "dirs", fcs.dirs, "maxAge", fcs.maxAge)
}

func (fcs *FileCleanupService) Stop() {
	if fcs.ticker != nil {
		fcs.ticker.Stop()
	}
	close(fcs.done)
	slog.Info("file cleanup service stopped")
}

// CleanupOldFiles deletes files older than maxAge and returns how many were removed.
func (fcs *FileCleanupService) CleanupOldFiles() int {
	removed := 0
	for _, dir := range fcs.dirs {
		removed += fcs.cleanupDirectory(dir)
	}
	return removed
}

func (fcs *FileCleanupService) cleanupDirectory(dir string) int {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0
	}

	removed := 0
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && time.Since(info.ModTime()) > fcs.maxAge {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		slog.Error("error during cleanup", "dir", dir, "error", err)
	}
	if removed > 0 {
		slog.Info("removed old scratch files", "dir", dir, "count", removed)
	}
	return removed
}
