package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"passfiles/internal/pf"
)

const (
	manifestName    = "manifest.json"
	contentDirName  = "content"
	oldSuffix       = ".old"
	corruptInfix    = ".corrupt-"
	corruptStampFmt = "20060102T150405Z"

	// readRetries bounds how often a reader waits for a file that is being
	// replaced by a concurrent protected write.
	readRetries = 3
	readBackoff = 20 * time.Millisecond
)

// FileStorage is a filesystem-based implementation of the pf.Storage interface.
// Each user gets a directory, each record type a subdirectory:
//
//	<root>/
//	  <userID>/
//	    <type>/
//	      manifest.json          (record list without content)
//	      content/
//	        <id>.<version>       (encrypted content blobs)
//
// Every write goes through protectedWrite, which keeps the previous file as a
// .old sibling until the new one is in place.
type FileStorage struct {
	dir    string
	logger pf.Logger
	clock  pf.Clock
}

// NewFileStorage creates a filesystem storage for userID rooted at root.
func NewFileStorage(root, userID string, logger pf.Logger, clock pf.Clock) (*FileStorage, error) {
	if userID == "" {
		return nil, fmt.Errorf("filesystem storage requires a user id")
	}
	dir := filepath.Join(root, userID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if logger == nil {
		logger = pf.NewNopLogger()
	}
	if clock == nil {
		clock = pf.RealClock{}
	}
	return &FileStorage{dir: dir, logger: logger, clock: clock}, nil
}

// Dir returns the user's storage directory.
func (s *FileStorage) Dir() string { return s.dir }

func (s *FileStorage) typeDir(t pf.Type) string {
	return filepath.Join(s.dir, t.String())
}

func (s *FileStorage) contentDir(t pf.Type) string {
	return filepath.Join(s.typeDir(t), contentDirName)
}

func (s *FileStorage) contentPath(t pf.Type, id int64, version int) string {
	return filepath.Join(s.contentDir(t), contentName(id, version))
}

func contentName(id int64, version int) string {
	return strconv.FormatInt(id, 10) + "." + strconv.Itoa(version)
}

// LoadList reads the manifest for t.
func (s *FileStorage) LoadList(t pf.Type) ([]pf.Snapshot, error) {
	path := filepath.Join(s.typeDir(t), manifestName)

	data, err := s.readFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := s.SaveList(t, nil); err != nil {
			return nil, fmt.Errorf("creating empty manifest: %w", err)
		}
		return []pf.Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var records []pf.Snapshot
	if err := json.Unmarshal(data, &records); err != nil {
		s.quarantine(t, path, err)
		if err := s.SaveList(t, nil); err != nil {
			return nil, fmt.Errorf("replacing corrupt manifest: %w", err)
		}
		return []pf.Snapshot{}, nil
	}
	if records == nil {
		records = []pf.Snapshot{}
	}
	return records, nil
}

// quarantine moves an unreadable manifest aside so it can be inspected.
func (s *FileStorage) quarantine(t pf.Type, path string, cause error) {
	dest := path + corruptInfix + s.clock.Now().UTC().Format(corruptStampFmt)
	if err := os.Rename(path, dest); err != nil {
		s.logger.Error("quarantining corrupt manifest failed", "type", t.String(), "path", path, "error", err)
		return
	}
	s.logger.Error("manifest is corrupt, starting with an empty list",
		"type", t.String(), "quarantined", dest, "error", cause)
}

// SaveList overwrites the manifest for t.
func (s *FileStorage) SaveList(t pf.Type, records []pf.Snapshot) error {
	if records == nil {
		records = []pf.Snapshot{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.MkdirAll(s.typeDir(t), 0700); err != nil {
		return fmt.Errorf("failed to create type directory: %w", err)
	}
	return protectedWrite(filepath.Join(s.typeDir(t), manifestName), data)
}

// LoadContent reads the encrypted blob of an exact version.
func (s *FileStorage) LoadContent(t pf.Type, id int64, version int) ([]byte, error) {
	data, err := s.readFile(s.contentPath(t, id, version))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &pf.VersionNotFoundError{Type: t, ID: id, Version: version}
	}
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return data, nil
}

// SaveContent writes the encrypted blob of a version.
func (s *FileStorage) SaveContent(t pf.Type, id int64, version int, data []byte) error {
	if err := os.MkdirAll(s.contentDir(t), 0700); err != nil {
		return fmt.Errorf("failed to create content directory: %w", err)
	}
	path := s.contentPath(t, id, version)
	if _, err := os.Stat(path); err == nil {
		s.logger.Warn("overwriting stored content version", "type", t.String(), "id", id, "version", version)
	}
	return protectedWrite(path, data)
}

// DeleteContent removes one version, or every version for pf.AllVersions.
// Missing versions are not an error.
func (s *FileStorage) DeleteContent(t pf.Type, id int64, version int) error {
	versions := []int{version}
	if version == pf.AllVersions {
		var err error
		versions, err = s.GetVersions(t, id)
		if err != nil {
			return err
		}
	}

	for _, v := range versions {
		path := s.contentPath(t, id, v)
		for _, p := range []string{path, path + oldSuffix} {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("removing content %s: %w", filepath.Base(p), err)
			}
		}
	}
	return nil
}

// GetVersions lists the stored versions of a record in ascending order.
func (s *FileStorage) GetVersions(t pf.Type, id int64) ([]int, error) {
	entries, err := os.ReadDir(s.contentDir(t))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing content: %w", err)
	}

	prefix := strconv.FormatInt(id, 10) + "."
	seen := make(map[int]bool)
	var versions []int
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), oldSuffix)
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		v, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil || v <= 0 || seen[v] {
			continue
		}
		seen[v] = true
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// PurgeQuarantine removes quarantined manifests of t older than maxAge and
// returns how many were removed.
func (s *FileStorage) PurgeQuarantine(t pf.Type, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.typeDir(t))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing %s directory: %w", t, err)
	}

	cutoff := s.clock.Now().Add(-maxAge)
	prefix := manifestName + corruptInfix
	removed := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		stamp, err := time.Parse(corruptStampFmt, strings.TrimPrefix(e.Name(), prefix))
		if err != nil || !stamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.typeDir(t), e.Name())); err != nil {
			return removed, fmt.Errorf("removing %s: %w", e.Name(), err)
		}
		s.logger.Info("removed quarantined manifest", "type", t.String(), "name", e.Name())
		removed++
	}
	return removed, nil
}

// readFile reads path, waiting out a concurrent protected write. If only the
// .old sibling is left after all retries, the previous write crashed and the
// sibling is read instead. Readers never move files; the next protected
// write of path clears the sibling.
func (s *FileStorage) readFile(path string) ([]byte, error) {
	old := path + oldSuffix
	for attempt := 1; ; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if _, statErr := os.Stat(old); statErr != nil {
			return nil, err
		}
		if attempt < readRetries {
			time.Sleep(readBackoff)
			continue
		}
		data, err = os.ReadFile(old)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filepath.Base(old), err)
		}
		s.logger.Warn("reading backup left by interrupted write", "path", path)
		return data, nil
	}
}

// protectedWrite replaces path with data. The current file is kept as
// path.old until the new content has been renamed into place, and restored
// if writing fails. A sibling left by a crashed write is dropped once the
// new file is in place.
func protectedWrite(path string, data []byte) error {
	old := path + oldSuffix
	hadOld := false
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, old); err != nil {
			return fmt.Errorf("failed to back up %s: %w", filepath.Base(path), err)
		}
		hadOld = true
	}

	if err := writeFile(path, data); err != nil {
		if hadOld {
			os.Rename(old, path)
		}
		return err
	}

	os.Remove(old)
	return nil
}

// writeFile writes data to path using atomic write (temp file + rename).
func writeFile(path string, data []byte) error {
	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileStorage implements pf.Storage interface
var _ pf.Storage = (*FileStorage)(nil)
