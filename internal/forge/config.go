package forge

import (
	"fmt"
	"net/url"
)

// DefaultURL is the public GitHub API.
const DefaultURL = "https://api.github.com"

// Config holds the forge account.
type Config struct {
	// Token is the API token. Empty disables forge tools.
	Token string `yaml:"token" toml:"token"`

	// Owner is the organization new repositories are created under.
	// Empty creates them under the token's user.
	Owner string `yaml:"owner" toml:"owner"`

	// URL is the API base URL. Set it for GitHub Enterprise.
	URL string `yaml:"base_url" toml:"base_url"`
}

// Configured reports whether a token is present.
func (c Config) Configured() bool {
	return c.Token != ""
}

// ApplyDefaults fills in the API URL.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
}

// Validate checks the base URL when a token is configured.
func (c Config) Validate() error {
	if !c.Configured() || c.URL == "" {
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("github.base_url %q is not an absolute URL", c.URL)
	}
	return nil
}
