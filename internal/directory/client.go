package directory

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

	"neighborly/go-backend/pkg/models"
)

const defaultClientTimeout = 10 * time.Second

// Client talks to a remote directory Server.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("directory url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("directory url: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultClientTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Get(ctx context.Context, userID string) (models.DirectoryEntry, error) {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return models.DirectoryEntry{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.keyURL(id), nil)
	if err != nil {
		return models.DirectoryEntry{}, err
	}
	var entry models.DirectoryEntry
	if err := c.do(req, &entry); err != nil {
		return models.DirectoryEntry{}, err
	}
	if entry.UserID != id {
		return models.DirectoryEntry{}, fmt.Errorf("%w: entry for another user", ErrUnavailable)
	}
	if _, err := validateEntry(entry.UserID, entry.PublicKey); err != nil {
		return models.DirectoryEntry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return entry, nil
}

func (c *Client) Publish(ctx context.Context, userID string, publicKey []byte) error {
	id, err := validateEntry(userID, publicKey)
	if err != nil {
		return err
	}
	body, err := json.Marshal(publishRequest{PublicKey: publicKey})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.keyURL(id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) keyURL(userID string) string {
	return c.baseURL.String() + "/api/v1/keys/" + url.PathEscape(userID)
}

// do sends req and decodes the data field of a successful response into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidPublicKey, body.Error)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, body.Error)
	}
	if out == nil {
		return nil
	}
	if len(body.Data) == 0 {
		return fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	if err := json.Unmarshal(body.Data, out); err != nil {
		return fmt.Errorf("%w: decode entry: %v", ErrUnavailable, err)
	}
	return nil
}
