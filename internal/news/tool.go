package news

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hldeng/parley/internal/tools"
)

// ToolName is the name of the headlines tool.
const ToolName = "get_news_headlines"

// CredentialKey is the executor credential injected as the API key.
const CredentialKey = "news.api_key"

// HeadlinesArgs are the arguments of get_news_headlines.
type HeadlinesArgs struct {
	Query    string `json:"query,omitempty" jsonschema_description:"Keywords to search headlines for"`
	Category string `json:"category,omitempty" jsonschema:"enum=business,enum=entertainment,enum=general,enum=health,enum=science,enum=sports,enum=technology" jsonschema_description:"News category"`
	Country  string `json:"country,omitempty" jsonschema_description:"Two-letter ISO 3166-1 country code, e.g. us or gb"`
	APIKey   string `json:"apiKey,omitempty" credential:"news.api_key"`
}

// Register adds the headlines tool to reg. maxItems caps the number of
// articles returned to the model.
func Register(reg *tools.Registry, c *Client, maxItems int) {
	reg.Register(&tools.Tool{
		Name:        ToolName,
		Description: "Get the latest news headlines, optionally filtered by keywords, category or country.",
		Args:        HeadlinesArgs{},
		Handler:     Handler(c, maxItems),
	})
}

// Handler returns the get_news_headlines tool handler.
func Handler(c *Client, maxItems int) tools.Handler {
	return func(ctx context.Context, raw map[string]any) (string, error) {
		var args HeadlinesArgs
		if err := tools.DecodeArgs(raw, &args); err != nil {
			return "", err
		}
		args.Category = strings.ToLower(strings.TrimSpace(args.Category))
		if args.Category != "" && !slices.Contains(Categories, args.Category) {
			return "", fmt.Errorf("unknown category %q: %w", args.Category, tools.ErrInvalidArguments)
		}
		args.Country = strings.TrimSpace(args.Country)
		if args.Country != "" && len(args.Country) != 2 {
			return "", fmt.Errorf("country must be a two-letter code: %w", tools.ErrInvalidArguments)
		}

		articles, err := c.TopHeadlines(ctx, args.APIKey, Query{
			Query:    strings.TrimSpace(args.Query),
			Category: args.Category,
			Country:  args.Country,
			PageSize: maxItems,
		})
		if err != nil {
			return "", err
		}
		return FormatArticles(articles, maxItems), nil
	}
}
