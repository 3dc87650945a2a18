package catalogue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"grantmatch-backend/internal/shared/telemetry"
)

const (
	DefaultMaxResults = 300
	DefaultSiteURL    = "https://aides-territoires.beta.gouv.fr"
)

// Config configures a catalogue Client.
type Config struct {
	BaseURL    string
	SiteURL    string
	APIKey     string
	MaxResults int
	TokenTTL   time.Duration
	// HTTPClient is used for the token exchange and as the base transport for searches.
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client searches the public grants catalogue.
type Client struct {
	baseURL    string
	siteURL    string
	maxResults int
	tokens     *TokenCache
	httpClient *http.Client
}

// NewClient builds a Client whose requests carry a cached bearer token.
func NewClient(cfg Config) *Client {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	siteURL := strings.TrimRight(cfg.SiteURL, "/")
	if siteURL == "" {
		siteURL = DefaultSiteURL
	}
	tokens := NewTokenCache(cfg.BaseURL, cfg.APIKey, cfg.TokenTTL, base, cfg.Now)
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		siteURL:    siteURL,
		maxResults: maxResults,
		tokens:     tokens,
		httpClient: &http.Client{
			Timeout:   base.Timeout,
			Transport: &oauth2.Transport{Source: tokens, Base: base.Transport},
		},
	}
}

// Tokens exposes the token cache.
func (c *Client) Tokens() *TokenCache {
	return c.tokens
}

// Params are the search filters. Slice values are sent as repeated key[] parameters.
type Params struct {
	CategoryIDs           []string
	OrganizationTypeSlugs []string
	PerimeterCodes        []string
	Extra                 map[string]string
}

// Aide is one catalogue item.
type Aide struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	URL                string          `json:"url"`
	Description        string          `json:"description,omitempty"`
	IsActive           bool            `json:"isActive"`
	Financers          []string        `json:"financers,omitempty"`
	SubmissionDeadline string          `json:"submissionDeadline,omitempty"`
	Raw                json.RawMessage `json:"-"`
}

type pageResponse struct {
	Count   int               `json:"count"`
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

type rawAide struct {
	ID                 json.RawMessage `json:"id"`
	Name               string          `json:"name"`
	URL                string          `json:"url"`
	Description        string          `json:"description"`
	IsLive             *bool           `json:"is_live"`
	Financers          json.RawMessage `json:"financers"`
	SubmissionDeadline *string         `json:"submission_deadline"`
}

// Search fetches pages until there is no next page or MaxResults items were collected.
func (c *Client) Search(ctx context.Context, params Params) ([]Aide, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if _, err := c.tokens.TokenContext(ctx); err != nil {
		return nil, err
	}

	next := c.baseURL + "/aids/?" + encodeParams(params)
	out := make([]Aide, 0)
	pages := 0
	for next != "" && len(out) < c.maxResults {
		pages++
		page, err := c.fetchPage(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Results {
			aide, err := c.decodeAide(raw)
			if err != nil {
				return nil, fmt.Errorf("decode catalogue item: %w", err)
			}
			out = append(out, aide)
		}
		next = ""
		if page.Next != nil && *page.Next != "" {
			next = c.resolve(*page.Next)
		}
	}
	if len(out) > c.maxResults {
		out = out[:c.maxResults]
	}

	telemetry.Info("catalogue.search", map[string]any{
		"pages": pages,
		"items": len(out),
	})
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) (pageResponse, error) {
	resp, err := c.get(ctx, pageURL)
	if err != nil {
		return pageResponse{}, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.tokens.Invalidate()
		resp, err = c.get(ctx, pageURL)
		if err != nil {
			return pageResponse{}, err
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pageResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pageResponse{}, fmt.Errorf("catalogue search status %d", resp.StatusCode)
	}
	var page pageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return pageResponse{}, fmt.Errorf("catalogue response parse: %w", err)
	}
	return page, nil
}

func (c *Client) get(ctx context.Context, pageURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}

func (c *Client) decodeAide(raw json.RawMessage) (Aide, error) {
	var r rawAide
	if err := json.Unmarshal(raw, &r); err != nil {
		return Aide{}, err
	}
	aide := Aide{
		ID:          strings.Trim(string(r.ID), `"`),
		Name:        r.Name,
		URL:         c.absoluteURL(r.URL),
		Description: r.Description,
		IsActive:    r.IsLive != nil && *r.IsLive,
		Financers:   financerNames(r.Financers),
		Raw:         append(json.RawMessage(nil), raw...),
	}
	if r.SubmissionDeadline != nil {
		aide.SubmissionDeadline = *r.SubmissionDeadline
	}
	return aide, nil
}

func (c *Client) absoluteURL(u string) string {
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return c.siteURL + u
}

func (c *Client) resolve(next string) string {
	u, err := url.Parse(next)
	if err != nil || u.IsAbs() {
		return next
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return next
	}
	return base.ResolveReference(u).String()
}

// financerNames accepts either a list of names or a list of {name} objects.
func financerNames(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names
	}
	var objects []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil
	}
	out := make([]string, 0, len(objects))
	for _, o := range objects {
		if o.Name != "" {
			out = append(out, o.Name)
		}
	}
	return out
}

func encodeParams(p Params) string {
	q := url.Values{}
	for _, v := range p.CategoryIDs {
		q.Add("category_ids[]", v)
	}
	for _, v := range p.OrganizationTypeSlugs {
		q.Add("organization_type_slugs[]", v)
	}
	for _, v := range p.PerimeterCodes {
		q.Add("perimeter_codes[]", v)
	}
	for k, v := range p.Extra {
		q.Set(k, v)
	}
	return q.Encode()
}

// FilterActive keeps active items, preserving order.
func FilterActive(items []Aide) []Aide {
	out := make([]Aide, 0, len(items))
	for _, it := range items {
		if it.IsActive {
			out = append(out, it)
		}
	}
	return out
}

// OrganizationTypeSlugs maps a project organisation type to catalogue audience slugs.
func OrganizationTypeSlugs(orgType string) []string {
	switch strings.ToLower(strings.TrimSpace(orgType)) {
	case "association":
		return []string{"association"}
	case "entreprise", "entreprise_privee":
		return []string{"private-sector"}
	case "commune":
		return []string{"commune"}
	case "epci":
		return []string{"epci"}
	case "departement":
		return []string{"department"}
	case "region":
		return []string{"region"}
	default:
		return nil
	}
}
