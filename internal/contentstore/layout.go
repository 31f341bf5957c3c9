package contentstore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/unheardhq/ctxsync/internal/classify"
)

var layoutDirs = []string{ContextDir, "decisions", "experiments"}

const gitattributesContent = `# Large binary context files are tracked through Git LFS.
context/**/*.pdf filter=lfs diff=lfs merge=lfs -text
context/**/*.xlsx filter=lfs diff=lfs merge=lfs -text
`

const readmeContent = `# Project context

Files dropped into this project are ingested into context/ and mirrored to
the remote record store.

- context/     ingested source documents (append-only)
- decisions/   decision log
- experiments/ experiment notes
`

// EnsureLayout creates the standard project skeleton. Existing files and
// directories are left untouched, so it is safe to run on a live project.
func EnsureLayout(projectRoot string) error {
	if strings.TrimSpace(projectRoot) == "" {
		return errors.New("project root is required")
	}
	if err := os.MkdirAll(projectRoot, 0o755); err != nil {
		return errors.Errorf("create project root: %w", err)
	}
	for _, dir := range layoutDirs {
		if err := os.MkdirAll(filepath.Join(projectRoot, dir), 0o755); err != nil {
			return errors.Errorf("create %s: %w", dir, err)
		}
	}
	seed := map[string]string{
		".gitattributes": gitattributesContent,
		"README.md":      readmeContent,
	}
	for name, content := range seed {
		target := filepath.Join(projectRoot, name)
		if _, err := os.Stat(target); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return errors.Errorf("stat %s: %w", name, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return errors.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// ListContextFiles returns the absolute paths of supported documents already
// stored under the project's context directory, sorted by name.
func ListContextFiles(projectRoot string) ([]string, error) {
	contextDir := filepath.Join(projectRoot, ContextDir)
	entries, err := os.ReadDir(contextDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Errorf("read context dir: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !classify.Supported(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(contextDir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
