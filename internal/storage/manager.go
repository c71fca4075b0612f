/**
 * Storage Manager for the scanocr worker
 *
 * Coordinates the result store with the image files results point at:
 * - saved results get their image copied into the artifact directory
 * - results whose image disappeared are pruned on listing
 * - deleting a result removes the files it owns
 */

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

// Manager wraps a ResultStore with artifact file handling
type Manager struct {
	store       ResultStore
	artifactDir string
	tempDir     string
	logger      *logging.Logger
}

// NewManager creates a new storage manager. artifactDir is created if missing.
func NewManager(store ResultStore, artifactDir, tempDir string, logger *logging.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if artifactDir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}

	absArtifacts, err := filepath.Abs(artifactDir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	if err := os.MkdirAll(absArtifacts, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	absTemp := ""
	if tempDir != "" {
		if absTemp, err = filepath.Abs(tempDir); err != nil {
			return nil, fmt.Errorf("resolve temp dir: %w", err)
		}
	}

	if logger == nil {
		logger = logging.NewLogger("StorageManager")
	}

	return &Manager{
		store:       store,
		artifactDir: absArtifacts,
		tempDir:     absTemp,
		logger:      logger,
	}, nil
}

// Save persists the result after making sure its image lives in the artifact directory.
// Returns the stored copy, whose ImageRef may differ from the input.
func (m *Manager) Save(ctx context.Context, result *ocr.RecognitionResult) (*ocr.RecognitionResult, error) {
	if result == nil {
		return nil, fmt.Errorf("result is required")
	}
	if result.Failed() {
		return nil, fmt.Errorf("failed results are not persisted")
	}

	stored := *result
	ref, err := m.ensureArtifact(result.ID, result.ImageRef)
	if err != nil {
		return nil, fmt.Errorf("failed to store image artifact: %w", err)
	}
	stored.ImageRef = ref

	if err := m.store.Save(ctx, &stored); err != nil {
		if ref != result.ImageRef {
			os.Remove(ref)
		}
		return nil, err
	}

	m.logger.Debug("Result saved", "result_id", stored.ID, "image_ref", stored.ImageRef)
	return &stored, nil
}

// ListAll returns results whose image still exists, pruning the rest from the store
func (m *Manager) ListAll(ctx context.Context) ([]*ocr.RecognitionResult, error) {
	results, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	valid := make([]*ocr.RecognitionResult, 0, len(results))
	for _, r := range results {
		if fileExists(r.ImageRef) {
			valid = append(valid, r)
			continue
		}

		m.logger.Warn("Pruning result with missing image", "result_id", r.ID, "image_ref", r.ImageRef)
		if err := m.store.DeleteByID(ctx, r.ID); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("Failed to prune result", "result_id", r.ID, "error", err)
		}
	}

	return valid, nil
}

// GetByID returns one result
func (m *Manager) GetByID(ctx context.Context, id string) (*ocr.RecognitionResult, error) {
	return m.store.GetByID(ctx, id)
}

// DeleteByID removes the result along with its artifact and prepared files
func (m *Manager) DeleteByID(ctx context.Context, id string) error {
	result, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := m.store.DeleteByID(ctx, id); err != nil {
		return err
	}

	m.removeOwnedFiles(result)
	return nil
}

// Clear removes every result and the files they own
func (m *Manager) Clear(ctx context.Context) error {
	results, err := m.store.ListAll(ctx)
	if err != nil {
		return err
	}

	if err := m.store.Clear(ctx); err != nil {
		return err
	}

	for _, r := range results {
		m.removeOwnedFiles(r)
	}

	m.logger.Info("All results cleared", "count", len(results))
	return nil
}

// Close closes the underlying store
func (m *Manager) Close() error {
	return m.store.Close()
}

// ArtifactDir returns the absolute directory images are copied into
func (m *Manager) ArtifactDir() string {
	return m.artifactDir
}

func (m *Manager) ensureArtifact(id, imageRef string) (string, error) {
	if imageRef == "" {
		return "", fmt.Errorf("image reference is empty")
	}
	if isUnder(imageRef, m.artifactDir) {
		return imageRef, nil
	}

	src, err := os.Open(imageRef)
	if err != nil {
		return "", err
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(imageRef))
	if ext == "" {
		ext = ".jpg"
	}
	dest := filepath.Join(m.artifactDir, id+ext)

	dst, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dest)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}

	return dest, nil
}

// removeOwnedFiles deletes files inside the directories this manager owns. Failures are logged only.
func (m *Manager) removeOwnedFiles(r *ocr.RecognitionResult) {
	if isUnder(r.ImageRef, m.artifactDir) {
		if err := os.Remove(r.ImageRef); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Could not delete image file", "path", r.ImageRef, "error", err)
		}
	}
	if m.tempDir != "" && r.PreparedRef != "" && isUnder(r.PreparedRef, m.tempDir) {
		if err := os.Remove(r.PreparedRef); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Could not delete prepared file", "path", r.PreparedRef, "error", err)
		}
	}
}

func isUnder(path, dir string) bool {
	if path == "" || dir == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
