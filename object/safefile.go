package object

import (
	"fmt"
	"os"
	"path/filepath"
)

// safeWrite writes data to path atomically: tempfile -> optional fsync ->
// rename. The tempfile is created in the same directory as path so the
// rename stays on one filesystem.
func safeWrite(path string, data []byte, perm os.FileMode, sync bool) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if sync {
		if err = f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("fsync temp file: %w", err)
		}
	}
	if err = f.Chmod(perm); err != nil {
		f.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp to target: %w", err)
	}
	return nil
}
