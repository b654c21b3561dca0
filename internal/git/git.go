// Package git fetches source checkouts.
package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// CloneOptions selects what to fetch.
type CloneOptions struct {
	// Ref is a branch or tag name; empty means the remote HEAD.
	Ref string
	// Token authenticates HTTPS clones.
	Token string
}

// Clone performs a shallow clone of repoURL into dest and returns the checked-out commit.
func Clone(ctx context.Context, repoURL, dest string, opts CloneOptions) (string, error) {
	if strings.TrimSpace(repoURL) == "" {
		return "", errors.New("repository URL cannot be empty")
	}
	if dest == "" {
		return "", errors.New("destination cannot be empty")
	}
	cloneOpts := &gogit.CloneOptions{
		URL:          repoURL,
		Depth:        1,
		SingleBranch: true,
		Tags:         gogit.NoTags,
	}
	if opts.Token != "" {
		cloneOpts.Auth = &http.BasicAuth{Username: "x-access-token", Password: opts.Token}
	}
	if opts.Ref != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Ref)
	}
	repo, err := gogit.PlainCloneContext(ctx, dest, false, cloneOpts)
	if err != nil && opts.Ref != "" && errors.Is(err, plumbing.ErrReferenceNotFound) {
		cloneOpts.ReferenceName = plumbing.NewTagReferenceName(opts.Ref)
		repo, err = gogit.PlainCloneContext(ctx, dest, false, cloneOpts)
	}
	if err != nil {
		return "", fmt.Errorf("git clone %s: %w", repoURL, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}
