package memory

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"ami/internal/errors"
	"ami/internal/llm"
	"ami/internal/tool"
)

const pageOpsCacheSize = 64

// PageOpsTool lets a browser agent ask what operation sequences are known for
// a page before acting on it. Lookups are cached per URL for the lifetime of
// the agent.
type PageOpsTool struct {
	client *Client
	cache  *lru.Cache[string, string]
}

// NewPageOpsTool builds the tool. Panics are impossible: the cache size is a
// positive constant.
func NewPageOpsTool(client *Client) *PageOpsTool {
	cache, _ := lru.New[string, string](pageOpsCacheSize)
	return &PageOpsTool{client: client, cache: cache}
}

func (p *PageOpsTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "query_page_operations",
		Description: "Look up previously recorded operation sequences for a page URL. Call this before interacting with an unfamiliar page.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"url": {Type: "string", Description: "The page URL to look up"},
			},
			Required: []string{"url"},
		},
	}
}

func (p *PageOpsTool) Label() string { return "Querying page memory" }

func (p *PageOpsTool) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	url, ok := tool.StringParam(params, "url")
	if !ok || url == "" {
		return nil, errors.New(errors.KindInvalidInput, "query_page_operations requires a url")
	}

	if cached, ok := p.cache.Get(url); ok {
		return &tool.Result{Content: cached}, nil
	}

	formatted, err := p.client.QueryPageOperations(ctx, url)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}
	if formatted == "" {
		formatted = "No recorded operations for this page."
	}
	p.cache.Add(url, formatted)
	return &tool.Result{Content: formatted}, nil
}

// Lookup fetches the formatted operations for a URL through the same cache
// the tool uses, returning "" when nothing is recorded or the service is
// unreachable. This is the automatic-injection path: it never surfaces errors
// to the agent loop.
func (p *PageOpsTool) Lookup(ctx context.Context, url string) string {
	if cached, ok := p.cache.Get(url); ok {
		if cached == "No recorded operations for this page." {
			return ""
		}
		return cached
	}
	formatted, err := p.client.QueryPageOperations(ctx, url)
	if err != nil || formatted == "" {
		return ""
	}
	p.cache.Add(url, formatted)
	return formatted
}

// ResetCache drops cached lookups, for agent reuse across subtasks.
func (p *PageOpsTool) ResetCache() {
	p.cache.Purge()
}
