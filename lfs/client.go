// Package lfs uploads media objects to a Git LFS server through the
// batch transfer API. The server decides per object whether the bytes
// are needed; objects it already stores are skipped, the rest are PUT
// to one-time upload URLs.
package lfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const mediaType = "application/vnd.git-lfs+json"

const maxBatchResponseBytes = 4 << 20

// Object is one content-addressed blob to store.
type Object struct {
	Oid     string // SHA-256 hex digest of Content
	Size    int64
	Content []byte
}

// ClientOptions configures the LFS client.
type ClientOptions struct {
	Timeout time.Duration // HTTP client timeout (default 30s)
}

// Client talks to one Git LFS server.
type Client struct {
	endpoint string
	user     string
	pass     string

	httpClient *http.Client
}

// NewClient creates a client for the given LFS endpoint. Userinfo in
// the endpoint URL (e.g. access-token:secret@host) becomes basic auth
// on every request.
func NewClient(endpoint string, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse LFS endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("LFS endpoint must include scheme and host")
	}

	user := ""
	pass := ""
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	u.User = nil

	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	return &Client{
		endpoint:   strings.TrimRight(u.String(), "/"),
		user:       user,
		pass:       pass,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}, nil
}

type batchRequest struct {
	Operation string        `json:"operation"`
	Transfers []string      `json:"transfers"`
	Objects   []batchObject `json:"objects"`
}

type batchObject struct {
	Oid  string `json:"oid"`
	Size int64  `json:"size"`
}

type batchResponse struct {
	Objects []struct {
		Oid     string `json:"oid"`
		Size    int64  `json:"size"`
		Actions *struct {
			Upload *uploadAction `json:"upload"`
		} `json:"actions"`
	} `json:"objects"`
}

type uploadAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

// Upload stores the given objects. Batch negotiation completes fully
// before any bytes are transferred; the individual PUTs then run
// concurrently, and the first failure cancels the rest. With no
// objects it performs no network calls.
func (c *Client) Upload(ctx context.Context, objects []Object) error {
	if len(objects) == 0 {
		return nil
	}

	actions, err := c.negotiate(ctx, objects)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range objects {
		action := actions[i]
		if action == nil {
			// No upload action: the server already stores these bytes.
			continue
		}
		obj := objects[i]
		g.Go(func() error {
			return c.put(ctx, obj, action)
		})
	}
	return g.Wait()
}

// negotiate posts the batch request and returns the upload action for
// each object, index-aligned with the input; nil marks objects the
// server already has.
func (c *Client) negotiate(ctx context.Context, objects []Object) ([]*uploadAction, error) {
	payload := batchRequest{
		Operation: "upload",
		Transfers: []string{"basic"},
		Objects:   make([]batchObject, len(objects)),
	}
	for i, obj := range objects {
		payload.Objects[i] = batchObject{Oid: obj.Oid, Size: obj.Size}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/objects/batch", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", mediaType)
	req.Header.Set("Content-Type", mediaType)
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lfs batch request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBatchResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("lfs batch request failed: %d %s", resp.StatusCode, msg)
	}

	var batch batchResponse
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("decode lfs batch response: %w", err)
	}
	if len(batch.Objects) != len(objects) {
		return nil, fmt.Errorf("lfs batch response has %d objects, want %d", len(batch.Objects), len(objects))
	}

	actions := make([]*uploadAction, len(objects))
	for i, obj := range batch.Objects {
		if obj.Actions != nil {
			actions[i] = obj.Actions.Upload
		}
	}
	return actions, nil
}

func (c *Client) put(ctx context.Context, obj Object, action *uploadAction) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, action.Href, bytes.NewReader(obj.Content))
	if err != nil {
		return err
	}
	for k, v := range action.Header {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", obj.Oid, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload %s failed: %s", obj.Oid, resp.Status)
	}
	return nil
}
