package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/astromechza/keeplists/pkg/lists"
)

// TokenSource returns the bearer token for the next request, or "" when logged out.
type TokenSource func() string

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithToken(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// WithUnauthorizedHook installs the session teardown that runs whenever the backend answers 401.
func WithUnauthorizedHook(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client implements Gateway over JSON HTTP.
type Client struct {
	baseUrl        *url.URL
	http           *http.Client
	token          TokenSource
	onUnauthorized func()
	logger         *slog.Logger
}

var _ Gateway = (*Client)(nil)

func NewClient(baseUrl string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	c := &Client{
		baseUrl: u,
		http:    &http.Client{Timeout: 30 * time.Second},
		token:   func() string { return "" },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type errorBody struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method string, path []string, in any, out any) error {
	u := c.baseUrl.JoinPath(path...)

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "url", u.Path, "err", err)
		return fmt.Errorf("%s %s: %w: %w", method, u.Path, ErrTransient, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("request", "method", method, "url", u.Path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 300 {
		se := &StatusError{Method: method, Path: u.Path, Code: resp.StatusCode}
		var eb errorBody
		if raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && len(raw) > 0 {
			if json.Unmarshal(raw, &eb) == nil {
				se.Message = eb.Message
			}
		}
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return se
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s %s: empty response body", method, u.Path)
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) list(ctx context.Context, method string, path []string, in any) (lists.List, error) {
	var out lists.List
	if err := c.do(ctx, method, path, in, &out); err != nil {
		return lists.List{}, err
	}
	return lists.Normalize(out), nil
}

func (c *Client) collection(ctx context.Context, method string, path []string, in any) ([]lists.List, error) {
	var out []lists.List
	if err := c.do(ctx, method, path, in, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i] = lists.Normalize(out[i])
	}
	if out == nil {
		out = []lists.List{}
	}
	return out, nil
}

func (c *Client) CreateList(ctx context.Context, name string) (Created, error) {
	var out Created
	err := c.do(ctx, http.MethodPost, []string{"lists"}, map[string]string{"name": name}, &out)
	return out, err
}

func (c *Client) GetAllLists(ctx context.Context) ([]lists.List, error) {
	return c.collection(ctx, http.MethodGet, []string{"lists"}, nil)
}

func (c *Client) GetList(ctx context.Context, listID string) (lists.List, error) {
	return c.list(ctx, http.MethodGet, []string{"lists", listID}, nil)
}

func (c *Client) UpdateListName(ctx context.Context, listID, name string) (lists.List, error) {
	return c.list(ctx, http.MethodPut, []string{"lists", listID}, map[string]string{"name": name})
}

func (c *Client) DeleteList(ctx context.Context, listID string) error {
	return c.do(ctx, http.MethodDelete, []string{"lists", listID}, nil, nil)
}

func (c *Client) AddItem(ctx context.Context, listID, text string) (lists.List, error) {
	return c.list(ctx, http.MethodPost, []string{"lists", listID, "items"}, map[string]string{"text": text})
}

func (c *Client) UpdateItem(ctx context.Context, listID, itemID string, update ItemUpdate) (lists.List, error) {
	return c.list(ctx, http.MethodPut, []string{"lists", listID, "items", itemID}, update)
}

func (c *Client) DeleteItem(ctx context.Context, listID, itemID string) (lists.List, error) {
	return c.list(ctx, http.MethodDelete, []string{"lists", listID, "items", itemID}, nil)
}

func (c *Client) ReorderItems(ctx context.Context, listID string, itemIDs []string) (lists.List, error) {
	return c.list(ctx, http.MethodPut, []string{"lists", listID, "items", "reorder"}, map[string][]string{"itemIds": itemIDs})
}

func (c *Client) ArchiveList(ctx context.Context, listID string, archived bool) (lists.List, error) {
	return c.list(ctx, http.MethodPut, []string{"lists", listID, "archive"}, map[string]bool{"archived": archived})
}

func (c *Client) PinList(ctx context.Context, listID string, pinned bool) (lists.List, error) {
	return c.list(ctx, http.MethodPut, []string{"lists", listID, "pin"}, map[string]bool{"pinned": pinned})
}

func (c *Client) AddCollaborator(ctx context.Context, listID, email string) (lists.List, error) {
	return c.list(ctx, http.MethodPost, []string{"lists", listID, "collaborators"}, map[string]string{"email": email})
}

func (c *Client) RemoveCollaborator(ctx context.Context, listID, email string) (lists.List, error) {
	return c.list(ctx, http.MethodDelete, []string{"lists", listID, "collaborators"}, map[string]string{"email": email})
}

func (c *Client) UpdateCollaboratorPermission(ctx context.Context, listID, email string, permission lists.Permission) (lists.List, error) {
	return c.list(ctx, http.MethodPut, []string{"lists", listID, "collaborators"}, map[string]any{
		"email":      email,
		"permission": permission,
	})
}

func (c *Client) ReorderLists(ctx context.Context, listIDs []string) ([]lists.List, error) {
	return c.collection(ctx, http.MethodPut, []string{"lists", "reorder"}, map[string][]string{"listIds": listIDs})
}
