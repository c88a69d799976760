// Package gitrepo commits file trees to a GitHub-hosted repository
// through the git data API: resolve the branch head, create a tree on
// top of the parent tree, create a commit, then fast-forward the ref.
package gitrepo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

// ErrNotFound reports that a file does not exist on the given branch.
var ErrNotFound = errors.New("file not found")

const maxResponseBytes = 8 << 20

// CommitFile is one staged blob in a commit, in the tree API's wire
// shape.
type CommitFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode"`
	Type    string `json:"type"`
}

// Commit describes one atomic multi-file commit.
type Commit struct {
	Branch  string
	Message string
	Files   []CommitFile
}

// ClientOptions configures the repository client.
type ClientOptions struct {
	BaseURL string        // API base URL (default DefaultBaseURL); tests point this at a fake
	Timeout time.Duration // HTTP client timeout (default 30s)
}

// Client talks to one repository on a GitHub-compatible API.
type Client struct {
	baseURL string
	owner   string
	repo    string
	token   string

	httpClient *http.Client
}

// NewClient creates a client for the given repository.
func NewClient(owner, repo, token string, opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		owner:      owner,
		repo:       repo,
		token:      token,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

// GetFile returns the raw content of a file on a branch.
func (c *Client) GetFile(ctx context.Context, branch, path string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/contents/%s?ref=%s", c.repoURL(), path, url.QueryEscape(branch))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	req.Header.Set("Accept", "application/vnd.github.v3.raw")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotFound, path, branch)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(req, resp.StatusCode, body)
	}
	return body, nil
}

// Commit performs the four-step git data sequence. It is a no-op when
// the commit has no files. Any step failing aborts the rest; the branch
// ref only moves after every prior step succeeded, and the ref update
// is non-forced so a concurrent commit is rejected instead of
// overwritten.
func (c *Client) Commit(ctx context.Context, commit Commit) error {
	if len(commit.Files) == 0 {
		return nil
	}

	parentCommit, parentTree, err := c.getBranch(ctx, commit.Branch)
	if err != nil {
		return err
	}

	treeSHA, err := c.createTree(ctx, parentTree, commit.Files)
	if err != nil {
		return err
	}

	commitSHA, err := c.createCommit(ctx, commit.Message, treeSHA, parentCommit)
	if err != nil {
		return err
	}

	return c.updateRef(ctx, commit.Branch, commitSHA)
}

// getBranch resolves the branch head to its commit and tree SHAs.
func (c *Client) getBranch(ctx context.Context, branch string) (commitSHA, treeSHA string, err error) {
	var out struct {
		Commit struct {
			SHA    string `json:"sha"`
			Commit struct {
				Tree struct {
					SHA string `json:"sha"`
				} `json:"tree"`
			} `json:"commit"`
		} `json:"commit"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.repoURL()+"/branches/"+url.PathEscape(branch), nil, &out); err != nil {
		return "", "", fmt.Errorf("get branch %s: %w", branch, err)
	}
	return out.Commit.SHA, out.Commit.Commit.Tree.SHA, nil
}

// createTree creates a tree containing the changed files, merged onto
// the parent tree by the remote.
func (c *Client) createTree(ctx context.Context, baseTree string, files []CommitFile) (string, error) {
	payload := struct {
		BaseTree string       `json:"base_tree"`
		Tree     []CommitFile `json:"tree"`
	}{baseTree, files}

	var out struct {
		SHA string `json:"sha"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.repoURL()+"/git/trees", payload, &out); err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}
	return out.SHA, nil
}

func (c *Client) createCommit(ctx context.Context, message, tree, parent string) (string, error) {
	payload := struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}{message, tree, []string{parent}}

	var out struct {
		SHA string `json:"sha"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.repoURL()+"/git/commits", payload, &out); err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}
	return out.SHA, nil
}

func (c *Client) updateRef(ctx context.Context, branch, sha string) error {
	payload := struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}{sha, false}

	if err := c.doJSON(ctx, http.MethodPatch, c.repoURL()+"/git/refs/heads/"+url.PathEscape(branch), payload, nil); err != nil {
		return fmt.Errorf("update ref %s: %w", branch, err)
	}
	return nil
}

func (c *Client) repoURL() string {
	return fmt.Sprintf("%s/repos/%s/%s", c.baseURL, c.owner, c.repo)
}

func (c *Client) doJSON(ctx context.Context, method, reqURL string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(req, resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response from %s %s: %w", method, req.URL.Path, err)
		}
	}
	return nil
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func responseError(req *http.Request, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("github request failed (%s %s): %d %s", req.Method, req.URL.Path, status, msg)
}
