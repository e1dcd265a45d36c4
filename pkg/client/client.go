package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/latch/pkg/authority"
	"github.com/pixperk/latch/pkg/types"
)

// Client talks to a latchd node over its JSON HTTP API.
type Client struct {
	baseURL string
	ownerID string
	httpc   *http.Client
}

type Option func(*Client)

// WithHTTPClient swaps the underlying http client (timeouts, transport).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

func NewClient(baseURL, ownerID string, opts ...Option) *Client {
	if ownerID == "" {
		ownerID = uuid.NewString()
	}
	c := &Client{
		baseURL: baseURL,
		ownerID: ownerID,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) OwnerID() string { return c.ownerID }

type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.status, e.message)
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, respBody any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return types.ErrLockNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return &apiError{status: resp.StatusCode, message: resp.Status}
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// AcquireOptions tunes a single acquisition.
type AcquireOptions struct {
	TTL         time.Duration
	Wait        time.Duration
	MaxRenewals int64
	AutoRenew   bool
	Metadata    map[string]string
}

type acquireResponse struct {
	Acquired     bool        `json:"acquired"`
	Lock         *types.Lock `json:"lock"`
	FenceToken   uint64      `json:"fence_token"`
	CurrentOwner string      `json:"current_owner"`
	Error        string      `json:"error"`
}

// Acquire takes the named lock, blocking server-side for up to opts.Wait.
// On contention the returned error wraps the current owner's identity.
func (c *Client) Acquire(ctx context.Context, namespace, name string, opts AcquireOptions) (*Lock, error) {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}

	var resp acquireResponse
	err := c.post(ctx, "/v1/locks/acquire", authority.AcquireRequest{
		Namespace:     namespace,
		Name:          name,
		Owner:         c.ownerID,
		TTLMs:         opts.TTL.Milliseconds(),
		WaitMs:        opts.Wait.Milliseconds(),
		MaxRenewals:   opts.MaxRenewals,
		AutoRenew:     opts.AutoRenew,
		OwnerMetadata: opts.Metadata,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Acquired {
		if resp.CurrentOwner != "" {
			return nil, fmt.Errorf("%s (held by %s)", resp.Error, resp.CurrentOwner)
		}
		return nil, fmt.Errorf("acquire %s/%s: %s", namespace, name, resp.Error)
	}

	return &Lock{
		client:     c,
		namespace:  namespace,
		name:       name,
		ttl:        opts.TTL,
		fenceToken: resp.FenceToken,
	}, nil
}

type releaseResponse struct {
	Released bool   `json:"released"`
	Error    string `json:"error"`
}

func (c *Client) Release(ctx context.Context, namespace, name string, fenceToken uint64) error {
	var resp releaseResponse
	err := c.post(ctx, "/v1/locks/release", authority.ReleaseRequest{
		Namespace:  namespace,
		Name:       name,
		Owner:      c.ownerID,
		FenceToken: fenceToken,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Released {
		return fmt.Errorf("release %s/%s: %s", namespace, name, resp.Error)
	}
	return nil
}

type renewResponse struct {
	Renewed      bool   `json:"renewed"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
	RenewalCount int64  `json:"renewal_count"`
	Error        string `json:"error"`
}

func (c *Client) Renew(ctx context.Context, namespace, name string, ttl time.Duration) (int64, error) {
	var resp renewResponse
	err := c.post(ctx, "/v1/locks/renew", authority.RenewRequest{
		Namespace: namespace,
		Name:      name,
		Owner:     c.ownerID,
		TTLMs:     ttl.Milliseconds(),
	}, &resp)
	if err != nil {
		return 0, err
	}
	if !resp.Renewed {
		return 0, fmt.Errorf("renew %s/%s: %s", namespace, name, resp.Error)
	}
	return resp.RenewalCount, nil
}

// Get fetches the current snapshot of a lock.
func (c *Client) Get(ctx context.Context, namespace, name string) (*types.Lock, error) {
	q := url.Values{}
	q.Set("namespace", namespace)
	q.Set("name", name)

	var lk types.Lock
	if err := c.get(ctx, "/v1/locks/get", q, &lk); err != nil {
		return nil, err
	}
	return &lk, nil
}

// Stats fetches the server's lock statistics.
func (c *Client) Stats(ctx context.Context) (*authority.StatsSnapshot, error) {
	var snap authority.StatsSnapshot
	if err := c.get(ctx, "/v1/stats", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
