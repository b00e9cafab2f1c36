package bundle

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/LaCreArthur/claude-bridge/logger"
)

const (
	// removeAttempts bounds how many times a stale target directory is
	// retried before extraction proceeds anyway. Virus scanners and editor
	// indexers hold transient locks on extracted files.
	removeAttempts = 3
	removeBackoff  = 100 * time.Millisecond
)

// Extract unpacks the bundle's archive into targetDir and writes the
// signature file. Any existing content at targetDir is removed first. A
// hostile archive entry (absolute path or parent-directory escape) aborts
// the whole extraction and removes the partial target.
func Extract(b Bundle, targetDir string) error {
	log := logger.WithComponent("bundle")
	start := time.Now()

	reader, err := zip.OpenReader(b.ArchivePath)
	if err != nil {
		return fmt.Errorf("%w: opening archive %s: %v", ErrExtractionFailed, b.ArchivePath, err)
	}
	defer reader.Close()

	if err := removeStale(targetDir, log); err != nil {
		return err
	}
	os.Remove(signaturePath(targetDir))

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrExtractionFailed, targetDir, err)
	}

	for _, entry := range reader.File {
		if err := extractEntry(entry, targetDir); err != nil {
			os.RemoveAll(targetDir)
			return err
		}
	}

	// Signature is written last so a crash mid-extraction leaves no
	// signature and the next resolve re-extracts.
	if err := os.WriteFile(signaturePath(targetDir), []byte(b.Signature()), 0644); err != nil {
		return fmt.Errorf("%w: writing signature: %v", ErrExtractionFailed, err)
	}

	log.Info("runtime extracted",
		"version", b.Version,
		"target", targetDir,
		"entries", len(reader.File),
		"elapsed", time.Since(start))
	return nil
}

// removeStale deletes an existing target directory, retrying briefly when
// something holds files open. Persistent failure is logged and tolerated:
// extraction overwrites in place rather than giving up.
func removeStale(targetDir string, log *slog.Logger) error {
	if _, err := os.Stat(targetDir); os.IsNotExist(err) {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < removeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(removeBackoff * time.Duration(attempt))
		}
		if lastErr = os.RemoveAll(targetDir); lastErr == nil {
			return nil
		}
	}

	log.Warn("could not remove stale runtime directory, extracting over it",
		"target", targetDir, "error", lastErr)
	return nil
}

// extractEntry writes one archive entry under targetDir. Entries that would
// resolve outside targetDir are rejected.
func extractEntry(entry *zip.File, targetDir string) error {
	dest, err := safeJoin(targetDir, entry.Name)
	if err != nil {
		return err
	}

	if entry.FileInfo().IsDir() {
		if err := os.MkdirAll(dest, entry.Mode().Perm()|0700); err != nil {
			return fmt.Errorf("%w: creating directory %s: %v", ErrExtractionFailed, entry.Name, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("%w: creating parent of %s: %v", ErrExtractionFailed, entry.Name, err)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: opening entry %s: %v", ErrExtractionFailed, entry.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, entry.Mode().Perm()|0600)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrExtractionFailed, entry.Name, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("%w: writing %s: %v", ErrExtractionFailed, entry.Name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrExtractionFailed, entry.Name, err)
	}
	return nil
}

// safeJoin resolves an archive entry name under targetDir, rejecting
// absolute names and any path that escapes the target.
func safeJoin(targetDir, name string) (string, error) {
	if filepath.IsAbs(name) || filepath.IsAbs(filepath.FromSlash(name)) {
		return "", fmt.Errorf("%w: absolute entry path %q", ErrExtractionFailed, name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry path %q escapes target", ErrExtractionFailed, name)
	}
	return filepath.Join(targetDir, cleaned), nil
}
