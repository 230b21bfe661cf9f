package auth

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"sandbox/internal/config"
	"sandbox/internal/logger"
	"sandbox/internal/pkg/jsonutil"
	"sandbox/internal/session"
	"sandbox/internal/types"
)

// refreshLeeway refreshes tokens slightly before they expire.
const refreshLeeway = 30 * time.Second

// Provider implements session.Provider against a GoTrue-style auth API.
// It keeps the session in memory only.
type Provider struct {
	baseURL    *url.URL
	anonKey    string
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	session *types.Session
	subs    map[uint64]func(session.Event)
	nextSub uint64
}

// NewProvider builds the adapter from backend configuration.
func NewProvider(cfg config.BackendConfig) (*Provider, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("backend.base_url cannot be empty")
	}
	parsed, err := url.Parse(raw + cfg.AuthPath)
	if err != nil {
		return nil, fmt.Errorf("parsing auth url failed: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}
	return &Provider{
		baseURL:    parsed,
		anonKey:    strings.TrimSpace(cfg.AnonKey),
		httpClient: &http.Client{Timeout: cfg.Timeout(), Transport: transport},
		now:        time.Now,
		subs:       make(map[uint64]func(session.Event)),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (p *Provider) SetHTTPClient(client *http.Client) {
	p.httpClient = client
}

// Subscribe registers fn for auth state changes.
func (p *Provider) Subscribe(fn func(session.Event)) func() {
	if fn == nil {
		return func() {}
	}
	p.mu.Lock()
	p.nextSub++
	id := p.nextSub
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// GetSession returns the in-memory session, refreshing it first when the
// access token is about to expire. A failed refresh signs the user out.
func (p *Provider) GetSession(ctx context.Context) (*types.Session, error) {
	p.mu.Lock()
	cur := p.session.Clone()
	p.mu.Unlock()
	if cur == nil {
		return nil, nil
	}
	if !cur.Expired(p.now().Add(refreshLeeway)) {
		return cur, nil
	}
	if cur.RefreshToken == "" {
		p.setSession(nil, session.EventSignedOut)
		return nil, nil
	}
	refreshed, err := p.refresh(ctx, cur.RefreshToken)
	if err != nil {
		logger.Warnf("auth: token refresh failed, signing out: %v", err)
		p.setSession(nil, session.EventSignedOut)
		return nil, nil
	}
	p.setSession(refreshed, session.EventTokenRefreshed)
	return refreshed.Clone(), nil
}

// Restore exchanges a stored refresh token for a fresh session.
func (p *Provider) Restore(ctx context.Context, refreshToken string) (*types.Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, &session.AuthError{Message: "refresh token is empty"}
	}
	sess, err := p.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	p.setSession(sess, session.EventSignedIn)
	return sess.Clone(), nil
}

// Refresh rotates the current access token.
func (p *Provider) Refresh(ctx context.Context) (*types.Session, error) {
	p.mu.Lock()
	cur := p.session.Clone()
	p.mu.Unlock()
	if cur == nil || cur.RefreshToken == "" {
		return nil, &session.AuthError{Message: "no session to refresh"}
	}
	sess, err := p.refresh(ctx, cur.RefreshToken)
	if err != nil {
		return nil, err
	}
	p.setSession(sess, session.EventTokenRefreshed)
	return sess.Clone(), nil
}

func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*types.Session, error) {
	body := map[string]string{"email": email, "password": password}
	var resp tokenResponse
	if err := p.post(ctx, "/token?grant_type=password", "", body, &resp); err != nil {
		return nil, err
	}
	sess, err := resp.toSession(p.now())
	if err != nil {
		return nil, err
	}
	p.setSession(sess, session.EventSignedIn)
	return sess.Clone(), nil
}

func (p *Provider) SignUp(ctx context.Context, email, password string) (session.SignUpResult, error) {
	body := map[string]string{"email": email, "password": password}
	var resp tokenResponse
	if err := p.post(ctx, "/signup", "", body, &resp); err != nil {
		return session.SignUpResult{}, err
	}
	if resp.AccessToken == "" {
		return session.SignUpResult{PendingConfirmation: true}, nil
	}
	sess, err := resp.toSession(p.now())
	if err != nil {
		return session.SignUpResult{}, err
	}
	p.setSession(sess, session.EventSignedIn)
	return session.SignUpResult{Session: sess.Clone()}, nil
}

// SignOut revokes the token remotely and always clears the local session.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	cur := p.session.Clone()
	p.mu.Unlock()
	var err error
	if cur != nil {
		err = p.post(ctx, "/logout", cur.AccessToken, nil, nil)
	}
	p.setSession(nil, session.EventSignedOut)
	return err
}

func (p *Provider) refresh(ctx context.Context, refreshToken string) (*types.Session, error) {
	var resp tokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := p.post(ctx, "/token?grant_type=refresh_token", "", body, &resp); err != nil {
		return nil, err
	}
	return resp.toSession(p.now())
}

func (p *Provider) setSession(sess *types.Session, kind session.EventKind) {
	p.mu.Lock()
	p.session = sess.Clone()
	subs := make([]func(session.Event), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	evt := session.Event{Kind: kind, Session: sess.Clone()}
	for _, fn := range subs {
		fn(evt)
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (r tokenResponse) toSession(now time.Time) (*types.Session, error) {
	if r.AccessToken == "" {
		return nil, &session.AuthError{Message: "auth response missing access_token"}
	}
	if r.User.ID == "" {
		return nil, &session.AuthError{Message: "auth response missing user id"}
	}
	sess := &types.Session{
		UserID:       r.User.ID,
		Email:        r.User.Email,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
	}
	switch {
	case r.ExpiresAt > 0:
		exp := time.Unix(r.ExpiresAt, 0)
		sess.ExpiresAt = &exp
	case r.ExpiresIn > 0:
		exp := now.Add(time.Duration(r.ExpiresIn) * time.Second)
		sess.ExpiresAt = &exp
	}
	return sess, nil
}

func (p *Provider) post(ctx context.Context, path, token string, payload any, out any) error {
	endpoint := p.resolve(path)
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding auth request failed: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("building auth request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.anonKey != "" {
		req.Header.Set("apikey", p.anonKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &session.AuthError{Message: "auth service unreachable", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &session.AuthError{Message: "reading auth response failed", Err: err}
	}
	if resp.StatusCode >= 300 {
		msg := jsonutil.ErrorMessage(data)
		if msg == "" {
			msg = fmt.Sprintf("auth request failed: %s", resp.Status)
		}
		return &session.AuthError{Message: msg}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &session.AuthError{Message: "malformed auth response", Err: err}
	}
	return nil
}

func (p *Provider) resolve(path string) string {
	base := *p.baseURL
	query := ""
	if idx := strings.Index(path, "?"); idx >= 0 {
		query = path[idx+1:]
		path = path[:idx]
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + path
	base.RawPath = ""
	base.RawQuery = query
	return base.String()
}
