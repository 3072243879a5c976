// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package staging owns the on-disk lifecycle of one pipeline run: the
// long-lived build cache, a per-run scratch directory, and the diagnostic
// log that collects all delegated-process output. The workspace is acquired
// once at pipeline start and released on every exit route.
package staging // import "github.com/lpbuild/lpbuild/internal/staging"

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
)

const versionTagFile = "version.tag"

// Workspace is the scoped run resource. Release must be called on every exit
// path; it is idempotent.
type Workspace struct {
	// CacheDir persists across runs and holds the baseline build tree.
	CacheDir string
	// ScratchDir holds this run's intermediate artifacts.
	ScratchDir string
	// LogPath is the diagnostic log file.
	LogPath string

	logFile  *os.File
	debug    bool
	released bool
}

// Open acquires a workspace under cacheRoot for the given target version
// tag. A cache left behind by a different version is invalidated whole: its
// contents are removed and the tag rewritten. Fine-grained eviction is
// deliberately not attempted.
func Open(cacheRoot, versionTag string, debug bool) (*Workspace, error) {
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return nil, err
	}

	tagPath := filepath.Join(cacheRoot, versionTagFile)
	tag, err := os.ReadFile(tagPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if got := strings.TrimSpace(string(tag)); got != versionTag {
		if got != "" {
			log.Infof("cache is for %s, rebuilding for %s", got, versionTag)
		}
		if err := clearDir(cacheRoot); err != nil {
			return nil, fmt.Errorf("failed to invalidate cache: %w", err)
		}
		if err := os.WriteFile(tagPath, []byte(versionTag+"\n"), 0o644); err != nil {
			return nil, err
		}
	}

	scratch := filepath.Join(os.TempDir(), "lpbuild-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, err
	}

	logPath := filepath.Join(scratch, "build.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, err
	}

	return &Workspace{
		CacheDir:   cacheRoot,
		ScratchDir: scratch,
		LogPath:    logPath,
		logFile:    logFile,
		debug:      debug,
	}, nil
}

// Log returns the sink for delegated-process output.
func (w *Workspace) Log() io.Writer {
	return w.logFile
}

// Release closes the log and reclaims scratch storage. On failure the
// diagnostic log is archived next to the cache so it survives the scratch
// directory's removal; in debug mode the whole scratch directory is kept.
// The returned path, when non-empty, names the retained log.
func (w *Workspace) Release(failed bool) (string, error) {
	if w.released {
		return "", nil
	}
	w.released = true
	w.logFile.Close()

	if w.debug {
		log.Infof("debug mode: scratch directory retained at %s", w.ScratchDir)
		return w.LogPath, nil
	}
	var retained string
	if failed {
		archive := filepath.Join(w.CacheDir, "build.log.gz")
		if err := gzipFile(w.LogPath, archive); err != nil {
			// Fall back to leaving the scratch dir in place rather
			// than losing the only failure record.
			return w.LogPath, nil //nolint:nilerr
		}
		retained = archive
	}
	return retained, os.RemoveAll(w.ScratchDir)
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
