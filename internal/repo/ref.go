package repo

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/seanblong/repoqa/pkg/models"
)

// Ref identifies a repository: a remote git URL or, for the CLI, a local directory.
type Ref struct {
	Host  string
	Owner string
	Name  string
	URL   string // clone URL as given, without credentials
	Local string // absolute directory for local references
}

// Parse validates a repository reference. Remote references must be http(s) URLs whose
// path is at least owner/name. Local directories (plain paths or file:// URLs) are accepted
// only when allowLocal is set.
func Parse(raw string, allowLocal bool) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, models.InvalidInput("repository URL is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, models.InvalidInput("malformed repository URL %q", raw)
	}

	if u.Scheme == "" || u.Scheme == "file" {
		if !allowLocal {
			return Ref{}, models.InvalidInput("repository URL must be http(s): %q", raw)
		}
		p := raw
		if u.Scheme == "file" {
			p = u.Path
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return Ref{}, models.InvalidInput("bad local path %q", raw)
		}
		return Ref{Local: abs, Name: filepath.Base(abs), URL: "file://" + abs}, nil
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return Ref{}, models.InvalidInput("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Ref{}, models.InvalidInput("repository URL has no host: %q", raw)
	}
	if u.User != nil {
		return Ref{}, models.InvalidInput("repository URL must not embed credentials")
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return Ref{}, models.InvalidInput("repository URL must name owner and repository: %q", raw)
	}

	name := strings.TrimSuffix(parts[len(parts)-1], ".git")
	if name == "" {
		return Ref{}, models.InvalidInput("repository URL must name owner and repository: %q", raw)
	}
	owner := strings.Join(parts[:len(parts)-1], "/")

	return Ref{
		Host:  strings.ToLower(u.Host),
		Owner: owner,
		Name:  name,
		URL:   u.Scheme + "://" + u.Host + "/" + owner + "/" + name + ".git",
	}, nil
}

// IsGitHub reports whether the reference points at github.com.
func (r Ref) IsGitHub() bool {
	return r.Host == "github.com" || r.Host == "www.github.com"
}

// Canonical is the repository identity: two references to the same repository
// yield the same canonical form.
func (r Ref) Canonical() string {
	if r.Local != "" {
		return "file://" + r.Local
	}
	host := strings.TrimPrefix(r.Host, "www.")
	path := r.Owner + "/" + r.Name
	if r.IsGitHub() {
		// GitHub owner and repository names are case-insensitive
		path = strings.ToLower(path)
	}
	return "https://" + host + "/" + path
}

// CollectionID maps the repository identity onto its vector index collection.
func (r Ref) CollectionID() string {
	return "repo_" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(r.Canonical())).String()
}

// String returns a short display name.
func (r Ref) String() string {
	if r.Local != "" {
		return r.Local
	}
	return r.Owner + "/" + r.Name
}
