// Package news fetches top headlines from NewsAPI and exposes them as an
// agent tool.
package news

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hldeng/parley/internal/httpkit"
)

// DefaultBaseURL is the public NewsAPI endpoint.
const DefaultBaseURL = "https://newsapi.org"

// Categories accepted by the top-headlines endpoint.
var Categories = []string{"business", "entertainment", "general", "health", "science", "sports", "technology"}

// ProviderError is a failed exchange with NewsAPI.
type ProviderError struct {
	StatusCode int
	Code       string // NewsAPI error code, e.g. apiKeyInvalid
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("newsapi: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("newsapi: %s", e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// HTTPStatus returns the upstream status code, zero if none.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// Article is a normalized headline.
type Article struct {
	Source      string
	Title       string
	Description string
	URL         string
	PublishedAt time.Time
}

// Query selects headlines. At least one of Country, Category or Query
// must be set; the client fills Country from its default otherwise.
type Query struct {
	Query    string
	Category string
	Country  string
	PageSize int
}

// Client queries NewsAPI.
type Client struct {
	baseURL        string
	defaultCountry string
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewClient creates a NewsAPI client. A nil httpClient gets a default
// httpkit client.
func NewClient(baseURL, defaultCountry string, httpClient *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		defaultCountry: defaultCountry,
		httpClient:     httpClient,
		logger:         logger,
	}
}

type apiResponse struct {
	Status       string `json:"status"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	TotalResults int    `json:"totalResults"`
	Articles     []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
	} `json:"articles"`
}

// TopHeadlines returns current headlines matching q.
func (c *Client) TopHeadlines(ctx context.Context, apiKey string, q Query) ([]Article, error) {
	if apiKey == "" {
		return nil, &ProviderError{Message: "api key not configured"}
	}

	params := url.Values{}
	if q.Query != "" {
		params.Set("q", q.Query)
	}
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	country := q.Country
	if country == "" && q.Query == "" {
		country = c.defaultCountry
	}
	if country != "" {
		params.Set("country", strings.ToLower(country))
	}
	if q.PageSize > 0 {
		params.Set("pageSize", strconv.Itoa(q.PageSize))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/top-headlines?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("newsapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ProviderError{Message: "request timed out", Err: err}
		}
		return nil, &ProviderError{Message: "request failed", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	c.logger.Debug("newsapi request",
		"status", resp.StatusCode,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		pe := &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(body)}
		var ar apiResponse
		if json.Unmarshal([]byte(body), &ar) == nil && ar.Message != "" {
			pe.Code = ar.Code
			pe.Message = ar.Message
		}
		return nil, pe
	}

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, &ProviderError{Message: "decode response", Err: err}
	}
	if ar.Status != "ok" {
		return nil, &ProviderError{Code: ar.Code, Message: fmt.Sprintf("status %q: %s", ar.Status, ar.Message)}
	}

	articles := make([]Article, 0, len(ar.Articles))
	for _, a := range ar.Articles {
		title := strings.TrimSpace(a.Title)
		if title == "" || title == "[Removed]" {
			continue
		}
		art := Article{
			Source:      a.Source.Name,
			Title:       title,
			Description: strings.TrimSpace(a.Description),
			URL:         a.URL,
		}
		if t, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
			art.PublishedAt = t
		}
		articles = append(articles, art)
	}
	return articles, nil
}

// FormatArticles renders at most maxItems articles as a numbered list.
func FormatArticles(articles []Article, maxItems int) string {
	if len(articles) == 0 {
		return "No headlines found."
	}
	if maxItems > 0 && len(articles) > maxItems {
		articles = articles[:maxItems]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Top %d headlines:", len(articles))
	for i, a := range articles {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, a.Title)
		if a.Source != "" && !strings.HasSuffix(a.Title, " - "+a.Source) {
			fmt.Fprintf(&sb, " (%s)", a.Source)
		}
		if a.Description != "" {
			fmt.Fprintf(&sb, "\n   %s", a.Description)
		}
		if a.URL != "" {
			fmt.Fprintf(&sb, "\n   %s", a.URL)
		}
	}
	return sb.String()
}
