package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/terrpan/reconcile/internal/graph"
)

// FileStore persists records as one JSON document per resource under a
// directory.  Commits write to a temp file and rename it into place,
// which is atomic on POSIX filesystems, so a crash mid-run leaves
// every previously-committed record intact.  The advisory lock is a
// lock file created with O_EXCL.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

const lockFileName = ".lock"

type lockFile struct {
	Owner string    `json:"owner"`
	PID   int       `json:"pid"`
	Since time.Time `json:"since"`
}

// NewFileStore opens (creating if needed) a file-backed store rooted
// at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Lock creates the lock file, failing fast with *LockError when
// another run holds it.
func (s *FileStore) Lock(_ context.Context, owner string) (func() error, error) {
	path := filepath.Join(s.dir, lockFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, s.lockError(path)
		}
		return nil, fmt.Errorf("acquiring state lock: %w", err)
	}

	lf := lockFile{Owner: owner, PID: os.Getpid(), Since: time.Now().UTC()}
	if encErr := json.NewEncoder(f).Encode(lf); encErr != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing state lock: %w", encErr)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing state lock: %w", err)
	}

	return func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("releasing state lock: %w", err)
		}
		return nil
	}, nil
}

func (s *FileStore) lockError(path string) error {
	lerr := &LockError{}
	if data, err := os.ReadFile(path); err == nil {
		var lf lockFile
		if json.Unmarshal(data, &lf) == nil {
			lerr.Holder = fmt.Sprintf("%s (pid %d)", lf.Owner, lf.PID)
			lerr.Since = lf.Since
		}
	}
	return lerr
}

// Load reads every record file in the directory.
func (s *FileStore) Load(_ context.Context) (map[graph.Identity]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading state directory: %w", err)
	}

	records := make(map[graph.Identity]Record)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading state record %s: %w", name, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parsing state record %s: %w", name, err)
		}
		if rec.Identity == (graph.Identity{}) {
			return nil, fmt.Errorf("state record %s has no identity", name)
		}
		records[rec.Identity] = rec
	}
	return records, nil
}

// Commit writes one record atomically via temp file + rename.
func (s *FileStore) Commit(_ context.Context, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state record %s: %w", rec.Identity, err)
	}

	final := filepath.Join(s.dir, recordFileName(rec.Identity))
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("committing state record %s: %w", rec.Identity, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("committing state record %s: %w", rec.Identity, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("committing state record %s: %w", rec.Identity, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("committing state record %s: %w", rec.Identity, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("committing state record %s: %w", rec.Identity, err)
	}
	return nil
}

// Delete removes one record file.  Missing records are not an error.
func (s *FileStore) Delete(_ context.Context, id graph.Identity) error {
	err := os.Remove(filepath.Join(s.dir, recordFileName(id)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting state record %s: %w", id, err)
	}
	return nil
}

// recordFileName maps an identity to its file name.  Identity segments
// are validated by the graph builder to a filesystem-safe character
// set, so "type.name.json" cannot escape the directory.
func recordFileName(id graph.Identity) string {
	return id.Type + "." + id.Name + ".json"
}
