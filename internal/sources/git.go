package sources

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// GitRepo reports the time of the last commit in a repository, so a repo
// nobody has pushed to surfaces as stale data. It shells out to git.
type GitRepo struct {
	Base
	dir   string
	label string
	run   func(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// NewGitRepo creates a git adapter for the repository containing dir. An
// empty label uses the repository's directory name.
func NewGitRepo(b Base, dir, label string) *GitRepo {
	return &GitRepo{
		Base:  b,
		dir:   dir,
		label: label,
		run: func(ctx context.Context, dir string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, "git", args...)
			cmd.Dir = dir
			return cmd.Output()
		},
	}
}

// Poll reads HEAD's committer date.
func (g *GitRepo) Poll(ctx context.Context) (insights.SourceReading, error) {
	root, err := g.root(ctx)
	if err != nil {
		return insights.SourceReading{}, err
	}

	out, err := g.run(ctx, root, "log", "-1", "--format=%cI")
	if err != nil {
		return insights.SourceReading{}, fmt.Errorf("git log in %s: %w", root, err)
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		// No commits yet: nothing to be stale about.
		return reading(g.ID, insights.FreshnessPayload{Label: g.labelFor(root)}), nil
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return insights.SourceReading{}, fmt.Errorf("parse commit date %q: %w", raw, err)
	}
	return reading(g.ID, insights.FreshnessPayload{Label: g.labelFor(root), LastUpdated: last}), nil
}

func (g *GitRepo) root(ctx context.Context) (string, error) {
	out, err := g.run(ctx, g.dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%s is not a git repository: %w", g.dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitRepo) labelFor(root string) string {
	if g.label != "" {
		return g.label
	}
	return filepath.Base(root)
}
