package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"sandbox/internal/config"
	"sandbox/internal/logger"
	"sandbox/internal/pkg/jsonutil"
	"sandbox/internal/types"
)

const maxResponseBytes = 8 << 20

// SessionSource yields the current session, or nil when signed out.
type SessionSource interface {
	Session() *types.Session
}

// Client issues authenticated calls to the compute functions and the data
// store. It holds no domain state; every call reads the session afresh.
type Client struct {
	baseURL       *url.URL
	restPath      string
	functionsPath string
	anonKey       string
	httpClient    *http.Client
	limiter       *rate.Limiter
	sessions      SessionSource
	newRequestID  func() string
}

// NewClient constructs a Client from backend configuration.
func NewClient(cfg config.BackendConfig, sessions SessionSource) (*Client, error) {
	if sessions == nil {
		return nil, fmt.Errorf("remote client requires a session source")
	}
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("backend.base_url cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing backend.base_url failed: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}
	limit := rate.Inf
	burst := 1
	if cfg.RateLimitPerMin > 0 {
		limit = rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
		burst = max(1, cfg.RateLimitPerMin/10)
	}
	return &Client{
		baseURL:       parsed,
		restPath:      cfg.RestPath,
		functionsPath: cfg.FunctionsPath,
		anonKey:       strings.TrimSpace(cfg.AnonKey),
		httpClient:    &http.Client{Timeout: cfg.Timeout(), Transport: transport},
		limiter:       rate.NewLimiter(limit, burst),
		sessions:      sessions,
		newRequestID:  uuid.NewString,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func (c *Client) requireSession(op string) (*types.Session, error) {
	sess := c.sessions.Session()
	if sess == nil || sess.AccessToken == "" {
		return nil, notAuthenticated(op)
	}
	return sess, nil
}

// bearer picks the session token when present and falls back to the anon
// key, which the data store accepts for policy-scoped anonymous reads.
func (c *Client) bearer() string {
	if sess := c.sessions.Session(); sess != nil && sess.AccessToken != "" {
		return sess.AccessToken
	}
	return c.anonKey
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	token   string
	headers map[string]string
}

// do sends req and returns the raw 2xx body. Non-2xx responses become
// RemoteRejected when the body carries a message and TransportFailure
// otherwise.
func (c *Client) do(ctx context.Context, op string, req request) ([]byte, error) {
	if c == nil || c.httpClient == nil {
		return nil, transport(op, 0, "remote client not initialized", nil)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transport(op, 0, "request throttled", err)
	}
	endpoint := c.resolveEndpoint(req.path, req.query)

	var body io.Reader
	if req.body != nil {
		buf, err := json.Marshal(req.body)
		if err != nil {
			return nil, validationf(op, "encoding request failed: %v", err)
		}
		body = bytes.NewReader(buf)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint.String(), body)
	if err != nil {
		return nil, transport(op, 0, "building request failed", err)
	}
	requestID := c.newRequestID()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.anonKey != "" {
		httpReq.Header.Set("apikey", c.anonKey)
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		logger.Debugf("remote %s %s id=%s failed: %v", req.method, endpoint.Path, requestID, err)
		return nil, transport(op, 0, "network error", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transport(op, resp.StatusCode, "reading response failed", err)
	}
	logger.Debugf("remote %s %s id=%s status=%d took=%s", req.method, endpoint.Path, requestID, resp.StatusCode, time.Since(started).Round(time.Millisecond))

	if resp.StatusCode >= 300 {
		if msg := jsonutil.ErrorMessage(data); msg != "" {
			return nil, rejected(op, resp.StatusCode, msg)
		}
		logger.Debugf("remote %s unstructured error body: %s", op, jsonutil.Preview(data, 256))
		return nil, transport(op, resp.StatusCode, fmt.Sprintf("unexpected status %s", resp.Status), nil)
	}
	return data, nil
}

func (c *Client) resolveEndpoint(path string, query url.Values) *url.URL {
	base := *c.baseURL
	trimmed := strings.TrimSpace(path)
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + trimmed
	base.RawPath = ""
	base.RawQuery = ""
	if len(query) > 0 {
		base.RawQuery = query.Encode()
	}
	base.Fragment = ""
	return &base
}
