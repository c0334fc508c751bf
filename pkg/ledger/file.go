package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockSuffix        = ".lock"
	lockRetryInterval = 50 * time.Millisecond
	fileMode          = 0o644
	dirMode           = 0o755
)

// FileStore persists the history as an append-only text file, one RFC3339
// timestamp per line, newest at the end. Exclusive access is coordinated via
// an advisory lock on a sibling lock file, so two processes racing on the
// same host serialise their read-decide-append sequences.
type FileStore struct {
	path string
}

// NewFileStore constructs a store rooted at path. The file and its parent
// directory are created lazily on first use.
func NewFileStore(path string) (*FileStore, error) {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return nil, fmt.Errorf("ledger file path must not be empty")
	}
	return &FileStore{path: cleaned}, nil
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

// Acquire implements Store. It takes the advisory lock, retrying until ctx is
// done.
func (s *FileStore) Acquire(ctx context.Context) (Lease, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return nil, &StorageError{Op: "prepare", Path: s.path, Err: err}
	}

	fl := flock.New(s.path + lockSuffix)
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StorageError{Op: "lock", Path: s.path, Err: err}
	}
	if !locked {
		return nil, &StorageError{Op: "lock", Path: s.path, Err: fmt.Errorf("advisory lock not acquired")}
	}
	return &fileLease{path: s.path, lock: fl}, nil
}

type fileLease struct {
	path string
	lock *flock.Flock
}

func (l *fileLease) Entries() ([]time.Time, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "read", Path: l.path, Err: err}
	}

	lines := strings.Split(string(data), "\n")
	entries := make([]time.Time, 0, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, trimmed)
		if err != nil {
			return nil, &StorageError{Op: "parse", Path: l.path, Err: fmt.Errorf("line %d: %w", i+1, err)}
		}
		entries = append(entries, ts)
	}
	return entries, nil
}

func (l *fileLease) Append(t time.Time) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return &StorageError{Op: "append", Path: l.path, Err: err}
	}
	if _, err := f.WriteString(formatEntry(t)); err != nil {
		_ = f.Close()
		return &StorageError{Op: "append", Path: l.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "append", Path: l.path, Err: err}
	}
	return nil
}

func (l *fileLease) Rewrite(entries []time.Time) error {
	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(formatEntry(entry))
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return &StorageError{Op: "rewrite", Path: l.path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &StorageError{Op: "rewrite", Path: l.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &StorageError{Op: "rewrite", Path: l.path, Err: err}
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		_ = os.Remove(tmpName)
		return &StorageError{Op: "rewrite", Path: l.path, Err: err}
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		_ = os.Remove(tmpName)
		return &StorageError{Op: "rewrite", Path: l.path, Err: err}
	}
	return nil
}

func (l *fileLease) Release() error {
	return l.lock.Unlock()
}

func formatEntry(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano) + "\n"
}

var _ Store = (*FileStore)(nil)
var _ Lease = (*fileLease)(nil)
