package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileExt is the suffix of every state file.
const FileExt = ".state"

// Store reads and writes one state file per session in a directory.
type Store struct {
	dir string

	// Encoding is applied to buffer sections on Save.
	Encoding Encoding
}

// NewStore opens dir as a state directory, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty state directory", ErrIO)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create state directory %s: %w", ErrIO, dir, err)
	}
	return &Store{dir: dir, Encoding: EncodingNone}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the state file path for id.
func (s *Store) Path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: unusable session id %q for a file name", ErrIO, id)
	}
	return filepath.Join(s.dir, id+FileExt), nil
}

// Save writes rec atomically: the data goes to a temporary file in the
// same directory which is synced and then renamed over the old state file.
// A crash leaves either the previous or the new checkpoint, never a mix.
func (s *Store) Save(rec *Record) error {
	finalPath, err := s.Path(rec.ID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+rec.ID+FileExt+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp state file: %w", ErrIO, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := Encode(tmp, rec, s.Encoding); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write state file: %w", ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync state file: %w", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close state file: %w", ErrIO, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("%w: rename state file to %s: %w", ErrIO, finalPath, err)
	}
	success = true
	return nil
}

// Load reads the state file for id. A missing file returns an error that
// matches both ErrIO and fs.ErrNotExist.
func (s *Store) Load(id string) (*Record, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrIO, path, err)
	}
	defer f.Close()
	return Decode(f, id)
}

// Remove deletes the state file for id. A file that does not exist is not
// an error.
func (s *Store) Remove(id string) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", ErrIO, path, err)
	}
	return nil
}

// Exists reports whether a state file for id is present.
func (s *Store) Exists(id string) bool {
	path, err := s.Path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// IDs lists the ids of all state files in the directory, sorted. Temporary
// files from interrupted saves are skipped.
func (s *Store) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read state directory %s: %w", ErrIO, s.dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, FileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, FileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// SweepTemp removes temporary files left by saves that were interrupted
// before their rename. It returns the number of files removed.
func (s *Store) SweepTemp() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("%w: read state directory %s: %w", ErrIO, s.dir, err)
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".") || !strings.Contains(name, FileExt+".tmp-") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}
