package sshconfig

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// writeAtomic replaces path with data through a temporary file in the same
// directory, so readers see either the old or the new file.
func writeAtomic(path string, data []byte, mode fs.FileMode, rename func(string, string) error) error {
	dir := filepath.Dir(path)
	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".redock-*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmp := file.Name()

	if err := file.Chmod(mode); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("setting mode on temporary file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err := rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming into place: %w", err)
	}

	parent, err := os.Open(dir)
	if err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
