package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxDuplicates caps the search for a free "name (n).ext" variant.
const maxDuplicates = 1000

// ErrInvalidFileName is returned for remote file names that reduce to nothing usable.
var ErrInvalidFileName = errors.New("invalid file name")

// SanitizeFileName reduces a name announced by a peer to a plain base name so
// it can never address anything outside the save directory.
func SanitizeFileName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: contains NUL", ErrInvalidFileName)
	}
	return name, nil
}

// ResolveDestination returns a path inside dir for the remote file name that
// does not overwrite an existing file: "report.pdf" becomes
// "report (1).pdf" when the former exists.
func ResolveDestination(dir, name string) (string, error) {
	base, err := SanitizeFileName(name)
	if err != nil {
		return "", err
	}

	candidate := filepath.Join(dir, base)
	if !exists(candidate) {
		return candidate, nil
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; i <= maxDuplicates; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("failed to find a free name for %s in %s", base, dir)
}

// ResolveSavePath turns a user supplied save path into a file path. An
// existing directory, or a path ending in a separator, receives the remote
// file name; anything else is taken as the file path itself.
func ResolveSavePath(savePath, name string) (string, error) {
	if savePath == "" {
		return "", fmt.Errorf("empty save path")
	}
	if strings.HasSuffix(savePath, "/") || strings.HasSuffix(savePath, string(filepath.Separator)) {
		return ResolveDestination(savePath, name)
	}
	if info, err := os.Stat(savePath); err == nil && info.IsDir() {
		return ResolveDestination(savePath, name)
	}
	return filepath.Clean(savePath), nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
