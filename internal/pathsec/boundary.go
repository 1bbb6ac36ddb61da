// Package pathsec validates that a requested on-disk path resolves inside
// an expected base directory, rejecting traversal via ".." or symlinks.
package pathsec

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateBoundary resolves candidate (joined onto base if relative),
// follows symlinks, and returns an error if the resolved path escapes base.
func ValidateBoundary(base, candidate string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("pathsec: resolve base: %w", err)
	}
	resolvedBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		return "", fmt.Errorf("pathsec: resolve base symlinks: %w", err)
	}

	joined := candidate
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(absBase, candidate)
	}
	joined = filepath.Clean(joined)

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		// Path may not exist yet (e.g. a file about to be created); fall
		// back to a purely lexical check against the cleaned join. The
		// unresolved base is checked too, since joined was built from it.
		if !isWithinBase(resolvedBase, joined) && !isWithinBase(absBase, joined) {
			return "", fmt.Errorf("pathsec: %q escapes base %q", candidate, base)
		}
		return joined, nil
	}

	if !isWithinBase(resolvedBase, resolved) {
		return "", fmt.Errorf("pathsec: %q resolves outside base %q", candidate, base)
	}
	return resolved, nil
}

func isWithinBase(base, target string) bool {
	if target == base {
		return true
	}
	return strings.HasPrefix(target, base+string(filepath.Separator))
}
