package builtin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ami/internal/errors"
	"ami/internal/llm"
	"ami/internal/tool"
)

const webFetchTimeout = 30 * time.Second

// WebFetch downloads a page and returns its readable text. Markup, scripts
// and styles are stripped; the result ceiling keeps long pages in check.
type WebFetch struct {
	Client *http.Client
}

func (w *WebFetch) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "web_fetch",
		Description: "Fetch a URL over HTTP and return the page text with markup removed.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"url": {Type: "string", Description: "The absolute URL to fetch"},
			},
			Required: []string{"url"},
		},
	}
}

func (w *WebFetch) Label() string { return "Fetching page" }

func (w *WebFetch) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return &http.Client{Timeout: webFetchTimeout}
}

func (w *WebFetch) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	rawURL, ok := tool.StringParam(params, "url")
	if !ok || rawURL == "" {
		return nil, errors.New(errors.KindInvalidInput, "web_fetch requires a url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, errors.New(errors.KindInvalidInput, "url must be absolute http(s): %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}
	req.Header.Set("User-Agent", "ami-daemon/1.0")

	resp, err := w.client().Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, errors.New(errors.KindToolFailure, "fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}
	doc.Find("script, style, noscript, svg").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	text := collapseWhitespace(doc.Find("body").Text())
	if text == "" {
		text = "(no readable text)"
	}
	return &tool.Result{Content: fmt.Sprintf("Title: %s\n\n%s", title, text)}, nil
}

// WebSearch queries DuckDuckGo's HTML endpoint and returns titles, URLs and
// snippets for the top results.
type WebSearch struct {
	Client  *http.Client
	BaseURL string // test override
}

const searchResultLimit = 8

func (w *WebSearch) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "web_search",
		Description: "Search the web and return the top results with titles, URLs and snippets.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"query": {Type: "string", Description: "The search query"},
			},
			Required: []string{"query"},
		},
	}
}

func (w *WebSearch) Label() string { return "Searching web" }

func (w *WebSearch) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return &http.Client{Timeout: webFetchTimeout}
}

func (w *WebSearch) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	query, ok := tool.StringParam(params, "query")
	if !ok || query == "" {
		return nil, errors.New(errors.KindInvalidInput, "web_search requires a query")
	}

	base := w.BaseURL
	if base == "" {
		base = "https://html.duckduckgo.com/html/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ami-daemon/1.0)")

	resp, err := w.client().Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, errors.New(errors.KindToolFailure, "search backend returned HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}

	var b strings.Builder
	count := 0
	doc.Find(".result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find(".result__a").First()
		href, _ := link.Attr("href")
		title := strings.TrimSpace(link.Text())
		snippet := collapseWhitespace(sel.Find(".result__snippet").Text())
		if title == "" || href == "" {
			return true
		}
		count++
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", count, title, cleanResultURL(href), snippet)
		return count < searchResultLimit
	})

	if count == 0 {
		return &tool.Result{Content: "No results found for: " + query}, nil
	}
	return &tool.Result{Content: b.String()}, nil
}

// cleanResultURL unwraps DuckDuckGo's redirect links back to the target URL.
func cleanResultURL(href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	lastBlank := true
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if !lastBlank {
				b.WriteByte('\n')
			}
			lastBlank = true
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
		lastBlank = false
	}
	return strings.TrimSpace(b.String())
}
