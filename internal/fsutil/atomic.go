// Package fsutil contains the file primitives shared by every on-disk store:
// atomic replacement of a file's content and eager creation of lock targets.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"credwrap/internal/errs"
)

const (
	// FilePerms restricts data files to owner-only read/write.
	FilePerms fs.FileMode = 0o600

	// DirPerms is used when creating parent directories.
	DirPerms fs.FileMode = 0o700

	// TempSuffix is appended to the target path for the staging file.
	TempSuffix = ".tmp"
)

type writeOptions struct {
	verifyMode bool
	expected   fs.FileMode
}

// WriteOption configures WriteFileAtomic.
type WriteOption func(*writeOptions)

// VerifyMode makes WriteFileAtomic stat the written file and fail with
// errs.KindPermission when its permission bits differ from mode.
func VerifyMode(mode fs.FileMode) WriteOption {
	return func(o *writeOptions) {
		o.verifyMode = true
		o.expected = mode.Perm()
	}
}

// WriteFileAtomic replaces path with data. The content is written to
// path+".tmp", synced, and renamed over path, so readers observe either the
// old or the new content and never a partial write.
//
// Callers that share path across processes must hold the file lock for path;
// the staging name is fixed.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode, opts ...WriteOption) error {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return errs.Wrap(errs.KindIO, "fsutil.write", err, "creating directory %s", dir)
	}

	tmpPath := path + TempSuffix

	// #nosec G304 -- path is owned by the caller's store, not user input
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return errs.Wrap(errs.KindIO, "fsutil.write", err, "creating temporary file %s", tmpPath)
	}

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	// OpenFile applies the umask and leaves an existing staging file's mode
	// untouched; set it explicitly before any data lands in the file.
	if err := file.Chmod(perm); err != nil {
		file.Close()
		return errs.Wrap(errs.KindIO, "fsutil.write", err, "setting permissions on %s", tmpPath)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return errs.Wrap(errs.KindIO, "fsutil.write", err, "writing %s", tmpPath)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return errs.Wrap(errs.KindIO, "fsutil.write", err, "syncing %s", tmpPath)
	}
	if err := file.Close(); err != nil {
		return errs.Wrap(errs.KindIO, "fsutil.write", err, "closing %s", tmpPath)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.KindIO, "fsutil.write", err, "renaming %s to %s", tmpPath, path)
	}
	success = true

	if o.verifyMode {
		if err := CheckMode(path, o.expected); err != nil {
			return err
		}
	}
	return nil
}

// CheckMode returns an errs.KindPermission error when path's permission bits
// are not exactly expected.
func CheckMode(path string, expected fs.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return errs.Wrap(errs.KindIO, "fsutil.verify", err, "stat %s", path)
	}
	if got := info.Mode().Perm(); got != expected.Perm() {
		return &errs.Error{
			Kind:    errs.KindPermission,
			Op:      "fsutil.verify",
			Message: fmt.Sprintf("%s has permissions %04o, expected %04o", path, got, expected.Perm()),
		}
	}
	return nil
}

// EnsureFile creates path with initial content if it does not exist. An
// existing file is left untouched. Concurrent callers race safely: exactly
// one creates the file and the others observe it.
func EnsureFile(path string, initial []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return errs.Wrap(errs.KindIO, "fsutil.ensure", err, "creating directory %s", dir)
	}

	// #nosec G304 -- path is owned by the caller's store, not user input
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return errs.Wrap(errs.KindIO, "fsutil.ensure", err, "creating %s", path)
	}
	defer file.Close()

	if len(initial) > 0 {
		if _, err := file.Write(initial); err != nil {
			return errs.Wrap(errs.KindIO, "fsutil.ensure", err, "initializing %s", path)
		}
	}
	return nil
}
