// Package atomicio implements crash-safe file writes.
//
// Writes go to a temporary file in the destination directory under an
// exclusive flock, are flushed to disk, then renamed over the target.
// Readers observe either the old or the new content, never a partial write.
package atomicio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"edison.dev/cli/cmd/edison/cli/jsonutil"
	"edison.dev/cli/cmd/edison/cli/yamlutil"
)

// WriteFile atomically replaces the file at path with data.
// The parent directory is created if missing.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	// Remove the temp file on any failure path. Rename makes this a no-op.
	defer os.Remove(tmpName) //nolint:errcheck

	if err := writeLocked(tmp, data); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	syncDir(dir)
	return nil
}

// writeLocked writes data to f while holding an exclusive flock on its
// descriptor, then fsyncs before returning.
func writeLocked(f *os.File, data []byte) error {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock temp file: %w", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN) //nolint:errcheck

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON with a trailing newline.
func WriteJSON(path string, v any, perm os.FileMode) error {
	data, err := jsonutil.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFile(path, data, perm)
}

// WriteYAML atomically writes v as YAML using the standard Edison encoding
// (sorted map keys, literal block style for multiline strings).
func WriteYAML(path string, v any, perm os.FileMode) error {
	data, err := yamlutil.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFile(path, data, perm)
}

// ReadFile reads path while holding a shared flock, so a concurrent locked
// writer is never observed mid-write on filesystems without atomic rename.
func ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // callers validate paths
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("failed to lock %s for reading: %w", path, err)
	}
	defer unix.Flock(fd, unix.LOCK_UN) //nolint:errcheck

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// syncDir flushes directory metadata so the rename survives a crash.
// Best effort: some filesystems reject fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir) //nolint:gosec // dir is the destination's parent
	if err != nil {
		return
	}
	defer d.Close() //nolint:errcheck
	_ = d.Sync()
}
