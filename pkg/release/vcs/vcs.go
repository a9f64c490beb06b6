// Package vcs provides the version-control diff source consumed by the change
// classifier: the list of files that differ between two references and the
// commit messages between them.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// FileStatus is the change status of a path between two references.
type FileStatus string

const (
	StatusAdded    FileStatus = "A"
	StatusModified FileStatus = "M"
	StatusDeleted  FileStatus = "D"
)

// FileChange is one changed path.
type FileChange struct {
	Path   string     `json:"path"`
	Status FileStatus `json:"status"`
}

// DiffSource yields changed files and commit messages between references.
type DiffSource interface {
	// Diff returns the changed paths between base and head. Renames are
	// already expanded into a delete of the old path and an add of the new.
	Diff(ctx context.Context, base, head string) ([]FileChange, error)
	// CommitMessages returns the full messages of commits reachable from head
	// but not from base.
	CommitMessages(ctx context.Context, base, head string) ([]string, error)
	// ResolveCommit returns the full commit hash for ref.
	ResolveCommit(ctx context.Context, ref string) (string, error)
	// CurrentBranch returns the checked out branch, or "" on a detached HEAD.
	CurrentBranch(ctx context.Context) (string, error)
}

// GitSource is a DiffSource backed by a local Git repository.
type GitSource struct {
	repo *gogit.Repository
}

var _ DiffSource = (*GitSource)(nil)

// OpenGitSource opens the repository containing dir.
func OpenGitSource(dir string) (*GitSource, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}
	return &GitSource{repo: repo}, nil
}

func (g *GitSource) commit(ref string) (*object.Commit, error) {
	hash, err := g.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", ref, err)
	}
	c, err := g.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", hash, err)
	}
	return c, nil
}

// ResolveCommit implements DiffSource.
func (g *GitSource) ResolveCommit(_ context.Context, ref string) (string, error) {
	c, err := g.commit(ref)
	if err != nil {
		return "", err
	}
	return c.Hash.String(), nil
}

// CurrentBranch implements DiffSource.
func (g *GitSource) CurrentBranch(_ context.Context) (string, error) {
	head, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

// Diff implements DiffSource. An empty base diffs head against the empty tree.
func (g *GitSource) Diff(ctx context.Context, base, head string) ([]FileChange, error) {
	headCommit, err := g.commit(head)
	if err != nil {
		return nil, err
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree of %s: %w", head, err)
	}

	var baseTree *object.Tree
	if base != "" {
		baseCommit, err := g.commit(base)
		if err != nil {
			return nil, err
		}
		baseTree, err = baseCommit.Tree()
		if err != nil {
			return nil, fmt.Errorf("load tree of %s: %w", base, err)
		}
	}

	changes, err := object.DiffTreeWithOptions(ctx, baseTree, headTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", base, head, err)
	}

	var out []FileChange
	for _, ch := range changes {
		from, to := ch.From.Name, ch.To.Name
		if from != "" && to != "" && from != to {
			out = append(out,
				FileChange{Path: from, Status: StatusDeleted},
				FileChange{Path: to, Status: StatusAdded},
			)
			continue
		}
		action, err := ch.Action()
		if err != nil {
			return nil, fmt.Errorf("classify change %s: %w", ch, err)
		}
		switch action {
		case merkletrie.Insert:
			out = append(out, FileChange{Path: to, Status: StatusAdded})
		case merkletrie.Delete:
			out = append(out, FileChange{Path: from, Status: StatusDeleted})
		case merkletrie.Modify:
			out = append(out, FileChange{Path: to, Status: StatusModified})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// CommitMessages implements DiffSource.
func (g *GitSource) CommitMessages(ctx context.Context, base, head string) ([]string, error) {
	headCommit, err := g.commit(head)
	if err != nil {
		return nil, err
	}

	excluded := map[plumbing.Hash]bool{}
	if base != "" {
		baseCommit, err := g.commit(base)
		if err != nil {
			return nil, err
		}
		iter, err := g.repo.Log(&gogit.LogOptions{From: baseCommit.Hash})
		if err != nil {
			return nil, fmt.Errorf("log %s: %w", base, err)
		}
		err = iter.ForEach(func(c *object.Commit) error {
			excluded[c.Hash] = true
			return ctx.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", base, err)
		}
	}

	iter, err := g.repo.Log(&gogit.LogOptions{From: headCommit.Hash, Order: gogit.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", head, err)
	}
	var messages []string
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if excluded[c.Hash] {
			return nil
		}
		messages = append(messages, strings.TrimSpace(c.Message))
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, fmt.Errorf("walk %s: %w", head, err)
	}
	return messages, nil
}
