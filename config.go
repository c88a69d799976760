package micropub

import (
	"net/url"
	"strings"
	"time"
)

// Config holds all configuration for the micropub endpoint.
type Config struct {
	BaseURL string // Required: canonical site URL; token identities must match its hostname
	Addr    string // Listen address (default ":3000")

	TokenEndpoint string // IndieAuth token introspection URL (default tokens.indieauth.com)
	ExpectedToken string // Static token override; when set, introspection is skipped

	GitHubToken string // API token for the content repository
	GitHubOwner string // Repository owner
	GitHubRepo  string // Repository name
	Branch      string // Branch commits target (default "master")

	LFSEndpoint   string // Git LFS server base URL; may carry userinfo credentials
	MediaEndpoint string // Advertised in q=config responses (default {BaseURL}/micropub/media)

	MaxPhotoWidth  int    // When >0, downscale uploaded photos to this width before upload
	PublishLogPath string // When set, record successful commits in a local SQLite log

	RequestTimeout time.Duration // Timeout for outbound HTTP calls (default 30s)
	Development    bool          // Expose 5xx error detail in responses
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.TokenEndpoint == "" {
		c.TokenEndpoint = "https://tokens.indieauth.com/token"
	}
	if c.Branch == "" {
		c.Branch = "master"
	}
	if c.MediaEndpoint == "" {
		c.MediaEndpoint = strings.TrimRight(c.BaseURL, "/") + "/micropub/media"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// hostname returns the host part of BaseURL, for identity checks.
func (c *Config) hostname() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// DefaultBranch resolves the commit branch from the environment: an
// explicit GITHUB_BRANCH wins; a CI deploy of a non-master ref falls
// back to the "testing" branch so preview deploys never write to the
// live site; otherwise master.
func DefaultBranch(getenv func(string) string) string {
	if b := getenv("GITHUB_BRANCH"); b != "" {
		return b
	}
	if ref := getenv("COMMIT_REF"); ref != "" && ref != "master" {
		return "testing"
	}
	return "master"
}

// Option configures additional App behavior.
type Option func(*App)

// WithRepository replaces the GitHub-backed repository client.
func WithRepository(repo Repository) Option {
	return func(a *App) {
		a.Repo = repo
	}
}

// WithUploader replaces the LFS upload client.
func WithUploader(uploader Uploader) Option {
	return func(a *App) {
		a.Uploader = uploader
	}
}

// WithVerifier replaces the IndieAuth token verifier.
func WithVerifier(v TokenVerifier) Option {
	return func(a *App) {
		a.Verifier = v
	}
}
