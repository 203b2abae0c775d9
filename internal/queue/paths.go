package queue

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// withinRoot cleans path and checks that it is inside root.
func withinRoot(root, path string) (string, error) {
	if path == "" {
		return "", errors.New("missing path")
	}
	if root == "" {
		return "", errors.New("missing output root")
	}
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		clean = filepath.Join(root, clean)
	}
	rel, err := filepath.Rel(filepath.Clean(root), clean)
	if err != nil {
		return "", errors.New("invalid path")
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("path must be within " + root)
	}
	return clean, nil
}

// removeArtifact deletes a produced file if it lives inside root. A missing
// file is not an error.
func removeArtifact(root, path string) error {
	clean, err := withinRoot(root, path)
	if err != nil {
		return err
	}
	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return errors.New("refusing to remove directory " + clean)
	}
	return os.Remove(clean)
}
