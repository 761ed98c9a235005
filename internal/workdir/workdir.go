// Package workdir resolves the client store's root directory, supporting
// git worktree redirection via .ledgersync-root marker files.
package workdir

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	rootMarkerFile = ".ledgersync-root"
	storeDir       = ".ledgersync"
)

// ResolveBaseDir resolves the client store's root with conservative
// heuristics:
//  1. Honor .ledgersync-root in the current directory.
//  2. Use current directory if it already has a .ledgersync directory.
//  3. If inside git, check the git root for .ledgersync-root or .ledgersync.
//
// If no store markers are found, it returns the original baseDir unchanged.
func ResolveBaseDir(baseDir string) string {
	if baseDir == "" {
		return baseDir
	}
	baseDir = filepath.Clean(baseDir)

	if resolved, ok := readRootMarker(baseDir); ok {
		return resolved
	}
	if hasStoreDir(baseDir) {
		return baseDir
	}

	gitRoot, err := gitTopLevel(baseDir)
	if err != nil || gitRoot == "" {
		return baseDir
	}
	gitRoot = filepath.Clean(gitRoot)

	if resolved, ok := readRootMarker(gitRoot); ok {
		return resolved
	}
	if hasStoreDir(gitRoot) {
		return gitRoot
	}

	// Check main worktree (handles external worktrees without .ledgersync-root)
	mainRoot, err := gitMainWorktree(baseDir)
	if err == nil && mainRoot != "" && mainRoot != gitRoot {
		if resolved, ok := readRootMarker(mainRoot); ok {
			return resolved
		}
		if hasStoreDir(mainRoot) {
			return mainRoot
		}
	}

	return baseDir
}

func readRootMarker(dir string) (string, bool) {
	markerPath := filepath.Join(dir, rootMarkerFile)
	content, err := os.ReadFile(markerPath)
	if err != nil {
		return "", false
	}

	resolved := strings.TrimSpace(string(content))
	if resolved == "" {
		return "", false
	}
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(dir, resolved)
	}

	return filepath.Clean(resolved), true
}

func hasStoreDir(dir string) bool {
	fi, err := os.Stat(filepath.Join(dir, storeDir))
	return err == nil && fi.IsDir()
}

func gitTopLevel(dir string) (string, error) {
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// gitMainWorktree returns the root of the main worktree for external git
// worktrees. It returns ("", nil) when dir is already the main worktree.
func gitMainWorktree(dir string) (string, error) {
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--git-common-dir").Output()
	if err != nil {
		return "", err
	}
	commonDir := strings.TrimSpace(string(out))
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(dir, commonDir)
	}
	commonDir = filepath.Clean(commonDir)

	// The main worktree root is the parent of the common git dir.
	mainRoot := filepath.Dir(commonDir)

	// If the main root equals the current toplevel, we're already there.
	topLevel, err := gitTopLevel(dir)
	if err != nil {
		return "", err
	}
	if filepath.Clean(topLevel) == mainRoot {
		return "", nil
	}

	return mainRoot, nil
}
