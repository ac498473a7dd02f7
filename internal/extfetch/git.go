// SPDX-License-Identifier: MPL-2.0

package extfetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// GitFetcher clones git extension sources on the host.
type GitFetcher struct {
	lookupEnv func(string) (string, bool)
	// sshKeys are tried in order for ssh URLs.
	sshKeys []string
}

// NewGitFetcher returns a fetcher reading tokens through lookupEnv.
func NewGitFetcher(lookupEnv func(string) (string, bool)) *GitFetcher {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	g := &GitFetcher{lookupEnv: lookupEnv}
	if home, err := os.UserHomeDir(); err == nil {
		for _, k := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
			g.sshKeys = append(g.sshKeys, filepath.Join(home, ".ssh", k))
		}
	}
	return g
}

// Clone checks out ref of url into dest, replacing anything there. An empty
// ref or HEAD takes the default branch; otherwise ref may be a branch, a tag
// or a commit hash. With sparse paths only those directories are checked
// out, and a single sparse directory becomes the root of dest.
func (g *GitFetcher) Clone(ctx context.Context, url, ref string, sparse []string, dest string) error {
	auth := g.auth(url)
	return replaceDir(dest, func(tmp string) error {
		repo, err := g.clone(ctx, url, ref, auth, len(sparse) > 0, tmp)
		if err != nil {
			return err
		}
		if err := g.checkout(repo, ref, sparse); err != nil {
			return err
		}
		// The fetched tree is a snapshot; history is not kept.
		if err := os.RemoveAll(filepath.Join(tmp, ".git")); err != nil {
			return err
		}
		if len(sparse) == 1 {
			return hoist(tmp, filepath.FromSlash(strings.Trim(sparse[0], "/")))
		}
		return nil
	})
}

func (g *GitFetcher) clone(ctx context.Context, url, ref string, auth transport.AuthMethod, noCheckout bool, dir string) (*git.Repository, error) {
	if ref == "" || ref == "HEAD" {
		return git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL: url, Auth: auth, Depth: 1, SingleBranch: true, NoCheckout: noCheckout,
		})
	}
	var lastErr error
	for _, name := range []plumbing.ReferenceName{plumbing.NewBranchReferenceName(ref), plumbing.NewTagReferenceName(ref)} {
		repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL: url, Auth: auth, ReferenceName: name, Depth: 1, SingleBranch: true, NoCheckout: noCheckout,
		})
		if err == nil {
			return repo, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := clearDir(dir); err != nil {
			return nil, err
		}
	}
	if !plumbing.IsHash(ref) {
		return nil, fmt.Errorf("cloning %s at %s: %w", url, ref, lastErr)
	}
	// Commits need full history to be reachable.
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: url, Auth: auth, NoCheckout: true})
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", url, err)
	}
	return repo, nil
}

func (g *GitFetcher) checkout(repo *git.Repository, ref string, sparse []string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	opts := &git.CheckoutOptions{Force: true, SparseCheckoutDirectories: sparse}
	if plumbing.IsHash(ref) {
		opts.Hash = plumbing.NewHash(ref)
	} else {
		head, err := repo.Head()
		if err != nil {
			return fmt.Errorf("resolving HEAD: %w", err)
		}
		if len(sparse) == 0 {
			return nil
		}
		opts.Hash = head.Hash()
	}
	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("checking out %s: %w", ref, err)
	}
	return nil
}

// auth picks credentials for url: GITHUB_TOKEN or GIT_TOKEN for https,
// the first usable key under ~/.ssh for ssh. Nil means anonymous.
func (g *GitFetcher) auth(url string) transport.AuthMethod {
	if isSSH(url) {
		for _, path := range g.sshKeys {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if keys, err := ssh.NewPublicKeysFromFile("git", path, ""); err == nil {
				return keys
			}
		}
		return nil
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return nil
	}
	if token, ok := g.lookupEnv("GITHUB_TOKEN"); ok && token != "" {
		return &http.BasicAuth{Username: "x-access-token", Password: token}
	}
	if token, ok := g.lookupEnv("GIT_TOKEN"); ok && token != "" {
		return &http.BasicAuth{Username: "git", Password: token}
	}
	return nil
}

func isSSH(url string) bool {
	if strings.HasPrefix(url, "ssh://") {
		return true
	}
	// scp-like syntax: user@host:path
	at := strings.Index(url, "@")
	colon := strings.Index(url, ":")
	return at > 0 && colon > at && !strings.Contains(url[:colon], "/")
}

// hoist makes the sub directory of dir its new root.
func hoist(dir, sub string) error {
	src := filepath.Join(dir, sub)
	info, err := os.Stat(src)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sparse path %s not found in repository", sub)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	staged := dir + ".sparse"
	if err := os.Rename(src, staged); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.Rename(staged, dir)
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
