// Package bundle locates, validates, and extracts the versioned agent
// runtime bundle that ships with the host plugin.
//
// The runtime is a Node.js application packaged as a zip archive. Extraction
// happens at most once per bundle version: a sibling signature file records
// "<version>:<archiveModifiedTime>" and an unchanged signature means the
// cached directory is reused as-is. Concurrent resolvers join a single
// in-flight extraction instead of racing each other.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sentinel errors for the resolver. ErrRuntimeUnavailable means every
// candidate source was exhausted; ErrExtractionFailed means the archive
// itself is unusable (corrupt, hostile entry, persistent lock). Both are
// fatal to starting a session and are never silently retried.
var (
	ErrRuntimeUnavailable = errors.New("agent runtime unavailable")
	ErrExtractionFailed   = errors.New("runtime extraction failed")
)

// EntryScript is the file that must exist at the root of a valid runtime
// directory. The transport invokes it with node.
const EntryScript = "cli.js"

// depsDir is the dependency subtree that must accompany the entry script.
const depsDir = "node_modules"

// signatureSuffix names the sibling file recording the extracted signature.
const signatureSuffix = ".signature"

// Bundle describes one installed runtime archive.
type Bundle struct {
	// Version of the packaged runtime, e.g. "1.0.33".
	Version string
	// ArchivePath is the absolute path of the zip archive.
	ArchivePath string
	// ArchiveModTime is the archive's mtime in unix milliseconds. Combined
	// with Version it forms the extraction signature, so a reinstalled
	// archive with the same version string still triggers re-extraction.
	ArchiveModTime int64
}

// Signature returns the "<version>:<archiveModifiedTime>" string written to
// the signature file after a successful extraction.
func (b Bundle) Signature() string {
	return fmt.Sprintf("%s:%d", b.Version, b.ArchiveModTime)
}

// Describe loads archive metadata for the given path. The version is taken
// from the archive filename when not supplied: "claude-runtime-1.0.33.zip"
// yields "1.0.33".
func Describe(archivePath, version string) (Bundle, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return Bundle{}, err
	}
	if version == "" {
		version = versionFromFilename(archivePath)
	}
	return Bundle{
		Version:        version,
		ArchivePath:    archivePath,
		ArchiveModTime: info.ModTime().UnixMilli(),
	}, nil
}

// versionFromFilename extracts a trailing version from an archive filename.
// Falls back to the bare stem when no dashed version suffix is present.
func versionFromFilename(archivePath string) string {
	stem := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))
	if idx := strings.LastIndex(stem, "-"); idx >= 0 && idx < len(stem)-1 {
		candidate := stem[idx+1:]
		if candidate != "" && candidate[0] >= '0' && candidate[0] <= '9' {
			return candidate
		}
	}
	return stem
}

// Validate reports whether dir holds a usable runtime: the entry script and
// the dependency subtree must both be present.
func Validate(dir string) bool {
	if info, err := os.Stat(filepath.Join(dir, EntryScript)); err != nil || info.IsDir() {
		return false
	}
	if info, err := os.Stat(filepath.Join(dir, depsDir)); err != nil || !info.IsDir() {
		return false
	}
	return true
}

// signaturePath returns the sibling signature file for a target directory.
func signaturePath(targetDir string) string {
	return targetDir + signatureSuffix
}

// readSignature returns the recorded signature for a target directory, or
// empty string when absent/unreadable.
func readSignature(targetDir string) string {
	data, err := os.ReadFile(signaturePath(targetDir))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
