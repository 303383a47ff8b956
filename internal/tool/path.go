package tool

import (
	"path/filepath"
	"strings"

	"ami/internal/errors"
)

// ResolvePath resolves a tool-supplied path under workdir. Absolute paths and
// "~" prefixes are allowed only when they normalize inside workdir; anything
// escaping fails with PATH_TRAVERSAL. This guard runs at every tool entry
// that touches the filesystem.
func ResolvePath(workdir, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New(errors.KindInvalidInput, "path is empty")
	}

	cleanRoot := filepath.Clean(workdir)

	candidate := path
	if strings.HasPrefix(candidate, "~") {
		// The only home a task knows is its workspace.
		candidate = filepath.Join(cleanRoot, strings.TrimPrefix(strings.TrimPrefix(candidate, "~"), "/"))
	} else if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(cleanRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(cleanRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New(errors.KindPathTraversal, "path %q escapes the task working directory", path)
	}
	return candidate, nil
}
