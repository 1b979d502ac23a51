package rotation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
)

// WritePIDFile writes the current process id to path so external tools can
// signal the recorder to rotate.
func WritePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// RemovePIDFile deletes path. A missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}
