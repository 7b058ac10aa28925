// Package gamma provides a slim client for the Polymarket Gamma API, used to
// resolve human-readable market slugs into clob token ids.
package gamma

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const (
	// DefaultBaseURL is the base URL for the Gamma API.
	DefaultBaseURL = "https://gamma-api.polymarket.com"
)

// Client is an HTTP client for the Gamma API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new Gamma API client.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    DefaultBaseURL,
	}
}

// WithBaseURL sets a custom base URL for the client.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = baseURL
	return c
}

// FetchMarkets fetches markets from the Gamma API.
func (c *Client) FetchMarkets(ctx context.Context, filter *Filter) ([]Market, error) {
	u := c.baseURL + "/markets"
	if filter != nil {
		u += "?" + buildQuery(filter)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var markets []Market
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return markets, nil
}

// FetchMarketBySlug fetches a single market by its slug.
func (c *Client) FetchMarketBySlug(ctx context.Context, slug string) (*Market, error) {
	markets, err := c.FetchMarkets(ctx, &Filter{Slug: slug})
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("market not found: %s", slug)
	}
	return &markets[0], nil
}

// ResolveAssetIDs resolves market slugs into the clob token ids of their
// outcomes, preserving slug order.
func (c *Client) ResolveAssetIDs(ctx context.Context, slugs []string) ([]string, error) {
	var assetIDs []string
	for _, slug := range slugs {
		market, err := c.FetchMarketBySlug(ctx, slug)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", slug, err)
		}
		tokenIDs, err := market.ParseTokenIDs()
		if err != nil {
			return nil, fmt.Errorf("parsing token ids for %s: %w", slug, err)
		}
		assetIDs = append(assetIDs, tokenIDs...)
	}
	return assetIDs, nil
}

// buildQuery builds URL query parameters from a Filter.
func buildQuery(f *Filter) string {
	v := url.Values{}
	if f.Active != nil {
		v.Set("active", strconv.FormatBool(*f.Active))
	}
	if f.Closed != nil {
		v.Set("closed", strconv.FormatBool(*f.Closed))
	}
	if f.Slug != "" {
		v.Set("slug", f.Slug)
	}
	if f.Limit > 0 {
		v.Set("_limit", strconv.Itoa(f.Limit))
	}
	return v.Encode()
}
