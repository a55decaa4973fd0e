package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/pkg/models"
	"golang.org/x/oauth2"
)

// Checkout is a repository tree on local disk.
type Checkout struct {
	Dir     string
	Cleanup func()
}

// Fetcher makes a repository available on local disk.
type Fetcher interface {
	Fetch(ctx context.Context, ref Ref, credential string) (Checkout, error)
}

// GitFetcher clones remote repositories with the git CLI and passes local
// directories through untouched.
type GitFetcher struct {
	// Branch to clone; empty clones the remote HEAD.
	Branch string
	// MaxRepoSizeKB rejects GitHub repositories larger than this before cloning. Zero disables the check.
	MaxRepoSizeKB int
	// TempDir is the parent for checkouts; empty uses os.TempDir.
	TempDir string
	// GitBinary defaults to "git".
	GitBinary string
	// APIBaseURL overrides the GitHub API endpoint (GitHub Enterprise, tests).
	APIBaseURL string
}

// Fetch implements Fetcher.
func (f *GitFetcher) Fetch(ctx context.Context, ref Ref, credential string) (Checkout, error) {
	if ref.Local != "" {
		fi, err := os.Stat(ref.Local)
		if err != nil || !fi.IsDir() {
			return Checkout{}, fmt.Errorf("%w: local repository %s is not a directory", models.ErrBackend, ref.Local)
		}
		return Checkout{Dir: ref.Local, Cleanup: func() {}}, nil
	}

	if ref.IsGitHub() {
		if err := f.preflight(ctx, ref, credential); err != nil {
			return Checkout{}, err
		}
	}

	dir, err := os.MkdirTemp(f.TempDir, "repoqa-*")
	if err != nil {
		return Checkout{}, fmt.Errorf("%w: create checkout dir: %v", models.ErrBackend, err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to remove checkout")
		}
	}

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if f.Branch != "" {
		args = append(args, "--branch", f.Branch)
	}
	args = append(args, authURL(ref.URL, credential), dir)

	bin := f.GitBinary
	if bin == "" {
		bin = "git"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	log.Info().Str("repository", ref.String()).Str("branch", f.Branch).Msg("cloning repository")
	if err := cmd.Run(); err != nil {
		cleanup()
		msg := strings.TrimSpace(redact(stderr.String(), credential))
		if msg == "" {
			msg = redact(err.Error(), credential)
		}
		return Checkout{}, fmt.Errorf("%w: git clone: %s", models.ErrBackend, msg)
	}
	return Checkout{Dir: dir, Cleanup: cleanup}, nil
}

// preflight checks that the repository is reachable with the credential and is
// not larger than the configured ceiling.
func (f *GitFetcher) preflight(ctx context.Context, ref Ref, credential string) error {
	client, err := f.githubClient(ctx, credential)
	if err != nil {
		return err
	}
	repo, resp, err := client.Repositories.Get(ctx, ref.Owner, ref.Name)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: repository %s not found or not accessible", models.ErrBackend, ref)
		}
		var rle *github.RateLimitError
		if errors.As(err, &rle) {
			log.Warn().Err(err).Str("repository", ref.String()).Msg("github rate limited, skipping preflight")
			return nil
		}
		return fmt.Errorf("%w: github lookup: %s", models.ErrBackend, redact(err.Error(), credential))
	}
	log.Debug().
		Str("repository", ref.String()).
		Str("default_branch", repo.GetDefaultBranch()).
		Int("size_kb", repo.GetSize()).
		Bool("private", repo.GetPrivate()).
		Msg("repository preflight")
	if f.MaxRepoSizeKB > 0 && repo.GetSize() > f.MaxRepoSizeKB {
		return fmt.Errorf("%w: repository %s is %d KB, limit is %d KB", models.ErrBackend, ref, repo.GetSize(), f.MaxRepoSizeKB)
	}
	return nil
}

func (f *GitFetcher) githubClient(ctx context.Context, credential string) (*github.Client, error) {
	httpClient := http.DefaultClient
	if credential != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential}))
	}
	client := github.NewClient(httpClient)
	if f.APIBaseURL != "" {
		base, err := url.Parse(strings.TrimRight(f.APIBaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("%w: bad github api url: %v", models.ErrInvalidInput, err)
		}
		client.BaseURL = base
	}
	return client, nil
}

// authURL embeds the credential in an https clone URL.
func authURL(raw, credential string) string {
	if credential == "" || !strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://x-access-token:" + credential + "@" + strings.TrimPrefix(raw, "https://")
}

func redact(s, credential string) string {
	if credential == "" {
		return s
	}
	return strings.ReplaceAll(s, credential, "********")
}
