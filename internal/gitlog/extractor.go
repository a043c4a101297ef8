// Package gitlog walks a repository's commit history and yields structured
// commit records with per-file diffs.
package gitlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog/log"
)

// ErrInvalidRepo means the locator could not be resolved to a repository.
// Not retryable.
var ErrInvalidRepo = errors.New("invalid repository locator")

// FileDiff is one modified file's unified diff within a commit.
type FileDiff struct {
	Path string
	Diff string
}

// Commit is one commit of the walked history.
type Commit struct {
	Hash    string
	Author  string
	Message string
	When    object.Signature
	Files   []FileDiff
}

// Extractor reads commits from an opened repository. Close releases the
// temporary clone when the locator was remote.
type Extractor struct {
	repo    *git.Repository
	tempDir string
}

// Open resolves a repository locator: an existing local path is opened in
// place, anything else is shallow-cloned into a temp directory. A locator
// that resolves to neither yields ErrInvalidRepo.
func Open(ctx context.Context, locator string) (*Extractor, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, ErrInvalidRepo
	}

	if fi, err := os.Stat(locator); err == nil && fi.IsDir() {
		repo, err := git.PlainOpen(locator)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRepo, locator, err)
		}
		return &Extractor{repo: repo}, nil
	}

	dir, err := os.MkdirTemp("", "cbexplain-*")
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: locator})
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Warn().Err(rmErr).Str("dir", dir).Msg("failed to remove temp clone")
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRepo, locator, err)
	}
	return &Extractor{repo: repo, tempDir: dir}, nil
}

// Close removes the temporary clone, if any.
func (e *Extractor) Close() error {
	if e.tempDir == "" {
		return nil
	}
	return os.RemoveAll(e.tempDir)
}

// Commits returns the history reachable from HEAD in chronological order,
// oldest first. Timestamps are non-decreasing in the returned slice.
func (e *Extractor) Commits(ctx context.Context) ([]Commit, error) {
	head, err := e.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRepo, err)
	}

	iter, err := e.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var out []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		files, err := commitDiffs(ctx, c)
		if err != nil {
			return fmt.Errorf("diff %s: %w", c.Hash, err)
		}
		out = append(out, Commit{
			Hash:    c.Hash.String(),
			Author:  c.Author.Name,
			Message: strings.TrimSpace(c.Message),
			When:    c.Committer,
			Files:   files,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].When.When.Before(out[j].When.When)
	})
	return out, nil
}

// commitDiffs diffs a commit against its first parent (or the empty tree
// for root commits) and renders one unified diff per changed file.
func commitDiffs(ctx context.Context, c *object.Commit) ([]FileDiff, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, err
	}

	var parentTree *object.Tree
	if c.NumParents() > 0 {
		parent, err := c.Parent(0)
		if err != nil {
			return nil, err
		}
		parentTree, err = parent.Tree()
		if err != nil {
			return nil, err
		}
	}

	changes, err := object.DiffTreeWithOptions(ctx, parentTree, tree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, err
	}

	files := make([]FileDiff, 0, len(changes))
	for _, change := range changes {
		patch, err := change.PatchContext(ctx)
		if err != nil {
			// Binary or otherwise unpatchable content is skipped, not fatal.
			log.Debug().Err(err).Str("commit", c.Hash.String()).Msg("skipping unpatchable change")
			continue
		}
		path := change.To.Name
		if path == "" {
			path = change.From.Name
		}
		files = append(files, FileDiff{Path: path, Diff: patch.String()})
	}
	return files, nil
}
