// Package gitactor writes a file into a local repository and commits it.
package gitactor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/hemantsingh443/remote-commit/internal/fault"
	"github.com/hemantsingh443/remote-commit/internal/logging"
)

var log = logging.Logger("gitactor")

// ErrInvalidPath is returned for file paths that escape the worktree or
// point into the repository metadata.
var ErrInvalidPath = errors.New("invalid file path")

// Actor commits on behalf of remote peers with a fixed signature.
type Actor struct {
	authorName  string
	authorEmail string
	now         func() time.Time
}

// New returns an actor that signs commits with the given author.
func New(authorName, authorEmail string) *Actor {
	return &Actor{authorName: authorName, authorEmail: authorEmail, now: time.Now}
}

// Commit overwrites filePath (relative to the worktree of repoPath) with
// content, stages it and commits it with message. It returns the commit hash.
// All failures are repository faults.
func (a *Actor) Commit(_ context.Context, repoPath, filePath, content, message string) (string, error) {
	op := "commit " + repoPath

	name, err := cleanPath(filePath)
	if err != nil {
		return "", fault.E(fault.Repository, op, err)
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fault.E(fault.Repository, op, fmt.Errorf("failed to open repository: %w", err))
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fault.E(fault.Repository, op, fmt.Errorf("failed to open worktree: %w", err))
	}

	f, err := wt.Filesystem.Create(name)
	if err != nil {
		return "", fault.E(fault.Repository, op, fmt.Errorf("failed to create %s: %w", name, err))
	}
	if _, err := f.Write([]byte(content)); err != nil {
		f.Close()
		return "", fault.E(fault.Repository, op, fmt.Errorf("failed to write %s: %w", name, err))
	}
	if err := f.Close(); err != nil {
		return "", fault.E(fault.Repository, op, fmt.Errorf("failed to close %s: %w", name, err))
	}

	if _, err := wt.Add(name); err != nil {
		return "", fault.E(fault.Repository, op, fmt.Errorf("failed to stage %s: %w", name, err))
	}

	sig := object.Signature{
		Name:  a.authorName,
		Email: a.authorEmail,
		When:  a.now(),
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:    &sig,
		Committer: &sig,
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return "", fault.E(fault.Repository, op, fmt.Errorf("nothing to commit: %s is unchanged", name))
		}
		return "", fault.E(fault.Repository, op, fmt.Errorf("failed to commit: %w", err))
	}

	log.Debugw("committed", "repo", repoPath, "file", name, "hash", hash)
	return hash.String(), nil
}

// cleanPath turns a requested file path into a slash-separated worktree path.
func cleanPath(filePath string) (string, error) {
	native := filepath.FromSlash(filePath)
	if !filepath.IsLocal(native) {
		return "", fmt.Errorf("%w: %q is not inside the worktree", ErrInvalidPath, filePath)
	}
	name := path.Clean(filepath.ToSlash(native))
	if name == ".git" || strings.HasPrefix(name, ".git/") {
		return "", fmt.Errorf("%w: %q is repository metadata", ErrInvalidPath, filePath)
	}
	return name, nil
}
