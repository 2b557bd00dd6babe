// Package forge creates and inspects remote repositories on a code forge.
// The agent uses it to give a sandbox project somewhere to push.
package forge

import "time"

// Repository describes a remote repository.
type Repository struct {
	// FullName is "owner/name".
	FullName string `json:"fullName"`
	// HTMLURL is the web page of the repository.
	HTMLURL string `json:"htmlUrl"`
	// CloneURL is the HTTPS clone and push URL.
	CloneURL      string    `json:"cloneUrl"`
	DefaultBranch string    `json:"defaultBranch,omitempty"`
	Private       bool      `json:"private"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewRepository carries the fields for creating a repository.
type NewRepository struct {
	Name        string
	Description string
	Private     bool
	// Owner is an organization to create under. Empty means the
	// authenticated user.
	Owner string
}
