package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// screenshotPath builds the on-disk path for a (session id, capture id)
// screenshot blob.
func (s *Store) screenshotPath(sessionID, captureID string) string {
	return filepath.Join(s.ScreenshotsDir(), sessionID, captureID+".png")
}

// SaveScreenshot writes a captured blob to the filesystem directory rooted
// at the project.
func (s *Store) SaveScreenshot(sessionID, captureID string, data []byte) error {
	path := s.screenshotPath(sessionID, captureID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: save screenshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("store: save screenshot: %w", err)
	}
	return nil
}

// LoadScreenshot reads a previously saved blob.
func (s *Store) LoadScreenshot(sessionID, captureID string) ([]byte, error) {
	data, err := os.ReadFile(s.screenshotPath(sessionID, captureID))
	if err != nil {
		return nil, fmt.Errorf("store: load screenshot: %w", err)
	}
	return data, nil
}

// ReapScreenshots deletes blobs older than ttl, run on startup and hourly
// thereafter. It never aborts on a single bad entry: a stat or
// remove failure for one file is logged and skipped so the sweep still
// covers the rest of the tree.
func (s *Store) ReapScreenshots(ttl time.Duration) {
	cutoff := Now().Add(-ttl)
	root := s.ScreenshotsDir()

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("screenshot reaper: walk error", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			s.logger.Warn("screenshot reaper: stat error", zap.String("path", path), zap.Error(err))
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("screenshot reaper: remove error", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("screenshot reaper: sweep failed", zap.Error(err))
	}
}
