package util

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	// ErrOutputDir is returned for download directories that cannot receive files.
	ErrOutputDir = errors.New("unusable output directory")

	// ErrUnsafeFileName is returned when an announced name has no usable base name.
	ErrUnsafeFileName = errors.New("unsafe file name")
)

// CheckOutputDir verifies that dir exists, is a directory and accepts new
// files.
func CheckOutputDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s does not exist", ErrOutputDir, dir)
	case err != nil:
		return fmt.Errorf("%w: %v", ErrOutputDir, err)
	case !info.IsDir():
		return fmt.Errorf("%w: %s is not a directory", ErrOutputDir, dir)
	}

	f, err := os.CreateTemp(dir, ".swarmshare-check-*")
	if err != nil {
		return fmt.Errorf("%w: %s is not writable: %v", ErrOutputDir, dir, err)
	}
	f.Close()
	os.Remove(f.Name())
	return nil
}

// OutputPath places an announced file name inside dir. Peers choose the
// name, so only its base name is kept.
func OutputPath(dir, name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == string(filepath.Separator) || base == "." {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFileName, name)
	}
	return filepath.Join(dir, base), nil
}
