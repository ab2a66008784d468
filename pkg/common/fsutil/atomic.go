package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TempFilePrefix marks in-flight atomic writes so they are never mistaken for
// finished files.
const TempFilePrefix = ".ehrpipe-tmp-"

// WriteFileAtomic writes data to a temp file next to filename and renames it
// into place.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) error {
	return WriteAtomic(filename, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteAtomic streams content produced by write into a temp file in the
// target directory and renames it over filename only if write succeeds.
// Readers never observe a partial file.
func WriteAtomic(filename string, perm os.FileMode, write func(w io.Writer) error) error {
	return WriteAtomicVerified(filename, perm, write, nil)
}

// WriteAtomicVerified is WriteAtomic with a check run against the finished
// temp file. A failing verify leaves filename untouched.
func WriteAtomicVerified(filename string, perm os.FileMode, write func(w io.Writer) error, verify func(tmpPath string) error) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, TempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if err := write(tmpFile); err != nil {
		tmpFile.Close()
		return err
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if verify != nil {
		if err := verify(tmpFile.Name()); err != nil {
			return err
		}
	}

	if err := os.Chmod(tmpFile.Name(), perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), filename); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", filename, err)
	}

	return nil
}

// NonEmpty reports whether path exists as a regular file with content.
func NonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
