package catalogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTokenTTL keeps a catalogue token one hour short of its 24h validity.
const DefaultTokenTTL = 23 * time.Hour

var (
	ErrNotConfigured = errors.New("catalogue not configured")
	ErrTokenExchange = errors.New("catalogue token exchange failed")
)

// TokenCache exchanges the catalogue API key for a bearer token and reuses it until it expires.
// It implements oauth2.TokenSource and is safe for concurrent use.
type TokenCache struct {
	baseURL    string
	apiKey     string
	ttl        time.Duration
	httpClient *http.Client
	now        func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
}

// NewTokenCache builds a cache. A nil now uses time.Now.
func NewTokenCache(baseURL, apiKey string, ttl time.Duration, httpClient *http.Client, now func() time.Time) *TokenCache {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if now == nil {
		now = time.Now
	}
	return &TokenCache{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		ttl:        ttl,
		httpClient: httpClient,
		now:        now,
	}
}

// Token returns the cached token or fetches a new one.
func (c *TokenCache) Token() (*oauth2.Token, error) {
	return c.TokenContext(context.Background())
}

// TokenContext is Token bounded by ctx.
func (c *TokenCache) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	if strings.TrimSpace(c.apiKey) == "" || c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && c.now().Before(c.token.Expiry) {
		return c.token, nil
	}

	raw, err := c.exchange(ctx)
	if err != nil {
		return nil, err
	}
	c.token = &oauth2.Token{
		AccessToken: raw,
		TokenType:   "Bearer",
		Expiry:      c.now().Add(c.ttl),
	}
	return c.token, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *TokenCache) exchange(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/connexion/", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-AUTH-TOKEN", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrTokenExchange, resp.StatusCode)
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	if strings.TrimSpace(parsed.Token) == "" {
		return "", fmt.Errorf("%w: empty token", ErrTokenExchange)
	}
	return parsed.Token, nil
}

var _ oauth2.TokenSource = (*TokenCache)(nil)
