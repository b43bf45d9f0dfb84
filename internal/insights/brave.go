// Package insights retrieves live market research and commentary through the
// Brave web search API, backing the insight search tool when a key is set.
package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quantfolio/advisor-agent/internal/tools"
)

const (
	braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
	maxBodyBytes        = 2 << 20
	maxResults          = 10
)

// Client searches the web for market commentary. One instance is safe for
// concurrent use.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

func NewClient(apiKey string) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("missing search api key")
	}
	return &Client{
		apiKey:     apiKey,
		endpoint:   braveSearchEndpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PageAge     string `json:"page_age"`
		} `json:"results"`
	} `json:"web"`
}

// Search runs one query scoped to market and finance context.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]tools.Insight, error) {
	if c == nil || c.httpClient == nil {
		return nil, errors.New("client not initialized")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("missing query")
	}
	if limit <= 0 {
		limit = 5
	}
	if limit > maxResults {
		limit = maxResults
	}

	endpoint, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, errors.New("invalid search endpoint")
	}
	q := endpoint.Query()
	q.Set("q", query+" market analysis")
	q.Set("count", strconv.Itoa(limit))
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("insight search failed (status %d)", resp.StatusCode)
		}
		return nil, errors.New(msg)
	}

	var decoded braveResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.New("invalid insight search response")
	}

	out := make([]tools.Insight, 0, len(decoded.Web.Results))
	for _, item := range decoded.Web.Results {
		link := strings.TrimSpace(item.URL)
		if link == "" {
			continue
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = link
		}
		out = append(out, tools.Insight{
			Title:             title,
			Summary:           strings.TrimSpace(item.Description),
			Source:            link,
			PublishedAtUnixMs: parsePageAge(item.PageAge),
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func parsePageAge(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UnixMilli()
	}
	return 0
}

// PortfolioData layers live insight search over another data source. All
// account-scoped calls pass through untouched.
type PortfolioData struct {
	tools.PortfolioData
	client *Client
}

func WithLiveInsights(base tools.PortfolioData, client *Client) (*PortfolioData, error) {
	if base == nil {
		return nil, errors.New("missing base data source")
	}
	if client == nil {
		return nil, errors.New("missing search client")
	}
	return &PortfolioData{PortfolioData: base, client: client}, nil
}

func (p *PortfolioData) SearchInsights(ctx context.Context, query string, limit int) ([]tools.Insight, error) {
	results, err := p.client.Search(ctx, query, limit)
	if err != nil || len(results) == 0 {
		// Live search is an enhancement; fall back rather than fail the tool.
		return p.PortfolioData.SearchInsights(ctx, query, limit)
	}
	return results, nil
}
