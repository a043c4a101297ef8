package gitlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// makeRepo creates a throwaway repository with the given sequence of file
// writes, one commit per entry.
func makeRepo(t *testing.T, commits []map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit failed: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree failed: %v", err)
	}

	when := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, files := range commits {
		for name, content := range files {
			full := filepath.Join(dir, name)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				t.Fatalf("MkdirAll failed: %v", err)
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			if _, err := wt.Add(name); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
		}
		sig := &object.Signature{Name: "tester", Email: "t@example.com", When: when.Add(time.Duration(i) * time.Hour)}
		if _, err := wt.Commit("commit "+string(rune('a'+i)), &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	}
	return dir
}

func TestOpenRejectsBadLocator(t *testing.T) {
	for _, locator := range []string{"", "   ", t.TempDir()} {
		_, err := Open(context.Background(), locator)
		if !errors.Is(err, ErrInvalidRepo) {
			t.Errorf("Open(%q): expected ErrInvalidRepo, got %v", locator, err)
		}
	}
}

func TestCommitsChronologicalOrder(t *testing.T) {
	dir := makeRepo(t, []map[string]string{
		{"a.txt": "one\n"},
		{"a.txt": "one\ntwo\n"},
		{"b.txt": "other\n"},
	})

	ex, err := Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := ex.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}()

	commits, err := ex.Commits(context.Background())
	if err != nil {
		t.Fatalf("Commits failed: %v", err)
	}
	if len(commits) != 3 {
		t.Fatalf("Expected 3 commits, got %d", len(commits))
	}

	for i := 1; i < len(commits); i++ {
		if commits[i].When.When.Before(commits[i-1].When.When) {
			t.Errorf("Commit %d timestamp %v precedes commit %d timestamp %v",
				i, commits[i].When.When, i-1, commits[i-1].When.When)
		}
	}
	if commits[0].Message != "commit a" {
		t.Errorf("Expected oldest commit first, got message %q", commits[0].Message)
	}
}

func TestCommitsCarryPerFileDiffs(t *testing.T) {
	dir := makeRepo(t, []map[string]string{
		{"a.txt": "one\n"},
		{"a.txt": "one\ntwo\n", "b.txt": "other\n"},
	})

	ex, err := Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ex.Close()

	commits, err := ex.Commits(context.Background())
	if err != nil {
		t.Fatalf("Commits failed: %v", err)
	}

	// Root commit diffs against the empty tree.
	if len(commits[0].Files) != 1 {
		t.Fatalf("Expected 1 file in root commit, got %d", len(commits[0].Files))
	}
	if commits[0].Files[0].Path != "a.txt" {
		t.Errorf("Expected path a.txt, got %q", commits[0].Files[0].Path)
	}
	if commits[0].Files[0].Diff == "" {
		t.Error("Root commit diff is empty")
	}

	if len(commits[1].Files) != 2 {
		t.Fatalf("Expected 2 files in second commit, got %d", len(commits[1].Files))
	}

	if len(commits[0].Hash) != 40 {
		t.Errorf("Expected 40-hex commit hash, got %q", commits[0].Hash)
	}
	if commits[0].Author != "tester" {
		t.Errorf("Expected author tester, got %q", commits[0].Author)
	}
}
