package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
)

// GitHub implements Provider with the go-github SDK.
type GitHub struct {
	client *gogithub.Client
	logger *slog.Logger
}

// NewGitHub creates a GitHub provider. A baseURL other than the public
// API is treated as a GitHub Enterprise server.
func NewGitHub(httpClient *http.Client, token, baseURL string, logger *slog.Logger) (*GitHub, error) {
	client := gogithub.NewClient(httpClient).WithAuthToken(token)
	if baseURL != "" && strings.TrimRight(baseURL, "/") != DefaultURL {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("forge: enterprise url: %w", err)
		}
	}
	return &GitHub{
		client: client,
		logger: logger.With("component", "forge", "provider", "github"),
	}, nil
}

// splitRepo splits "owner/repo".
func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return owner, name, nil
}

// checkRateLimit logs when remaining API calls drop low.
func (g *GitHub) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		g.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// CreateRepo creates an empty repository without an initial commit, so
// the sandbox history can be pushed as-is.
func (g *GitHub) CreateRepo(ctx context.Context, repo NewRepository) (*Repository, error) {
	if repo.Name == "" {
		return nil, fmt.Errorf("forge: repository name is required")
	}
	req := &gogithub.Repository{
		Name:     gogithub.Ptr(repo.Name),
		Private:  gogithub.Ptr(repo.Private),
		AutoInit: gogithub.Ptr(false),
	}
	if repo.Description != "" {
		req.Description = gogithub.Ptr(repo.Description)
	}

	created, resp, err := g.client.Repositories.Create(ctx, repo.Owner, req)
	if err != nil {
		return nil, fmt.Errorf("forge: create repository %s: %w", repo.Name, err)
	}
	g.checkRateLimit(resp)
	g.logger.Info("repository created", "repo", created.GetFullName(), "private", created.GetPrivate())
	return convertRepo(created), nil
}

// GetRepo fetches a repository.
func (g *GitHub) GetRepo(ctx context.Context, fullName string) (*Repository, error) {
	owner, name, err := splitRepo(fullName)
	if err != nil {
		return nil, err
	}
	r, resp, err := g.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("forge: get repository %s: %w", fullName, err)
	}
	g.checkRateLimit(resp)
	return convertRepo(r), nil
}

func convertRepo(r *gogithub.Repository) *Repository {
	return &Repository{
		FullName:      r.GetFullName(),
		HTMLURL:       r.GetHTMLURL(),
		CloneURL:      r.GetCloneURL(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
		CreatedAt:     r.GetCreatedAt().Time,
	}
}
