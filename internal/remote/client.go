// Package remote is the HTTP client for the cloud order replica.
package remote

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
	"sync"
	"time"
	"unicode/utf8"

	syncerrors "github.com/spinsirr/order-wizard-sub000/internal/errors"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. The order list is
	// the largest payload and stays well below this.
	maxAPIResponseBytes = 8 * 1024 * 1024

	// defaultBatchLimit bounds concurrent requests in SaveAll/DeleteAll.
	defaultBatchLimit = 4
)

// APIError is a non-2xx response from the orders API. It unwraps to the
// sentinel matching its class (ErrAuth, ErrNotFound, ErrNetwork or
// ErrValidation).
type APIError struct {
	Op      string
	Status  int
	Message string
	Kind    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Op, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// IsRetryable reports whether err is worth retrying after a backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, syncerrors.ErrNetwork)
}

// Client talks to the orders REST API. The bearer token is supplied by
// whoever owns authentication via SetAccessToken.
type Client struct {
	httpClient *http.Client
	baseURL    string
	batchLimit int

	mu    sync.RWMutex
	token string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never reaches a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns an http.Client with the given timeout that only
// follows redirects to the same host, so the bearer token never leaks.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates an API client rooted at baseURL. If httpClient is
// nil, NewHTTPClient with a 30-second timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(httpClientTimeout)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		batchLimit: defaultBatchLimit,
	}
}

// SetAccessToken replaces the bearer token used for every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
}

// SetBatchLimit bounds the number of concurrent requests issued by
// SaveAll and DeleteAll. Values below 1 are ignored.
func (c *Client) SetBatchLimit(n int) {
	if n >= 1 {
		c.batchLimit = n
	}
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

// GetAll returns every order of the authenticated user. The server may
// answer with a bare array or an {"orders": [...]} envelope.
func (c *Client) GetAll(ctx context.Context) ([]models.Order, error) {
	body, err := c.do(ctx, http.MethodGet, "/orders", nil)
	if err != nil {
		return nil, fmt.Errorf("listing remote orders: %w", err)
	}

	raw := gjson.ParseBytes(body)
	if !raw.IsArray() {
		raw = raw.Get("orders")
	}

	if !raw.IsArray() {
		return nil, fmt.Errorf("listing remote orders: unexpected body %s: %w", sanitizeResponseBody(body), syncerrors.ErrNetwork)
	}

	var orders []models.Order
	if err := json.Unmarshal([]byte(raw.Raw), &orders); err != nil {
		return nil, fmt.Errorf("decoding remote orders: %w", err)
	}

	return orders, nil
}

// Create posts a new order and returns the server's copy. When the
// server replies without a body the submitted order is returned.
func (c *Client) Create(ctx context.Context, order models.Order) (models.Order, error) {
	body, err := c.do(ctx, http.MethodPost, "/orders", order)
	if err != nil {
		return models.Order{}, fmt.Errorf("creating remote order %s: %w", order.OrderNumber, err)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return order, nil
	}

	var created models.Order
	if err := json.Unmarshal(body, &created); err != nil {
		return models.Order{}, fmt.Errorf("decoding created order %s: %w", order.OrderNumber, err)
	}

	return created, nil
}

// Update applies a partial update to the remote order with the given id.
func (c *Client) Update(ctx context.Context, id string, patch models.OrderPatch) error {
	if patch.Empty() {
		return fmt.Errorf("updating remote order %s: empty patch: %w", id, syncerrors.ErrValidation)
	}

	if _, err := c.do(ctx, http.MethodPatch, "/orders/"+url.PathEscape(id), patch); err != nil {
		return fmt.Errorf("updating remote order %s: %w", id, err)
	}

	return nil
}

// Delete removes the remote order with the given id.
func (c *Client) Delete(ctx context.Context, id string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(id), nil); err != nil {
		return fmt.Errorf("deleting remote order %s: %w", id, err)
	}

	return nil
}

// SaveAll creates every order concurrently. The returned slice has one
// entry per input, nil on success.
func (c *Client) SaveAll(ctx context.Context, orders []models.Order) []error {
	errs := make([]error, len(orders))

	var g errgroup.Group
	g.SetLimit(c.batchLimit)

	for i := range orders {
		g.Go(func() error {
			_, errs[i] = c.Create(ctx, orders[i])
			return nil
		})
	}

	_ = g.Wait()

	return errs
}

// DeleteAll deletes every id concurrently. The returned slice has one
// entry per input, nil on success.
func (c *Client) DeleteAll(ctx context.Context, ids []string) []error {
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(c.batchLimit)

	for i := range ids {
		g.Go(func() error {
			errs[i] = c.Delete(ctx, ids[i])
			return nil
		})
	}

	_ = g.Wait()

	return errs
}

// do sends a request with the bearer token and returns the response body
// of a 2xx reply. Failures are classified into the sync error sentinels.
func (c *Client) do(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	op := method + " " + endpoint

	token := c.accessToken()
	if token == "" {
		return nil, fmt.Errorf("%s: no access token: %w", op, syncerrors.ErrAuth)
	}

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts, refused connections and DNS failures all leave the
		// remote state unknown; retry later.
		return nil, fmt.Errorf("sending %s: %w: %w", op, syncerrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w: %w", op, syncerrors.ErrNetwork, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	msg := gjson.GetBytes(respBody, "error").String()
	if msg == "" {
		msg = sanitizeResponseBody(respBody)
	}

	return nil, &APIError{
		Op:      op,
		Status:  resp.StatusCode,
		Message: msg,
		Kind:    classifyStatus(resp.StatusCode),
	}
}

// classifyStatus maps a non-2xx status code to its error class.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return syncerrors.ErrAuth
	case code == http.StatusNotFound:
		return syncerrors.ErrNotFound
	case isTransientStatus(code):
		return syncerrors.ErrNetwork
	case code >= 400 && code < 500:
		return syncerrors.ErrValidation
	}

	return syncerrors.ErrNetwork
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return code >= 500
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
