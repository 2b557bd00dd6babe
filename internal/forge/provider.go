package forge

import "context"

// Provider is the set of forge operations the agent needs. GitHub is
// the only implementation.
type Provider interface {
	// CreateRepo creates an empty repository.
	CreateRepo(ctx context.Context, repo NewRepository) (*Repository, error)

	// GetRepo fetches a repository by "owner/name".
	GetRepo(ctx context.Context, fullName string) (*Repository, error)
}
