package contentstore

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const gitCommandTimeout = 30 * time.Second

// GitCommitter records ingested files in the project's git history via the
// git binary. Callers treat every failure as a warning: a machine without
// git or a project that is not a repository must never fail an ingest.
type GitCommitter struct {
	log zerolog.Logger
}

func NewGitCommitter(logger *zerolog.Logger) *GitCommitter {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &GitCommitter{log: log}
}

// Commit stages relativePath and commits it with the given message.
// Committing an unchanged file is treated as success.
func (g *GitCommitter) Commit(projectRoot, relativePath, message string) error {
	if _, err := exec.LookPath("git"); err != nil {
		return errors.Errorf("git binary not found: %w", err)
	}
	if !insideGitRepo(projectRoot) {
		return errors.New("not a git repository")
	}
	if _, err := g.run(projectRoot, "add", "--", relativePath); err != nil {
		return err
	}
	// No pathspec on the commit: a pathspec-limited commit cannot create
	// the first commit of a fresh repository (unborn branch).
	out, err := g.run(projectRoot, "commit", "-m", message)
	if err != nil && (strings.Contains(out, "nothing to commit") || strings.Contains(out, "nothing added to commit")) {
		return nil
	}
	return err
}

func insideGitRepo(dir string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), gitCommandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

func (g *GitCommitter) run(dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), gitCommandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	g.log.Debug().Str("dir", dir).Strs("args", args).Msg("running git")
	if err := cmd.Run(); err != nil {
		combined := strings.TrimSpace(out.String())
		if combined == "" {
			return "", errors.Errorf("git %s: %w", strings.Join(args, " "), err)
		}
		return combined, errors.Errorf("git %s: %s", strings.Join(args, " "), combined)
	}
	return strings.TrimSpace(out.String()), nil
}
