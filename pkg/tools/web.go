package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	webUserAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36"
	braveSearchURL    = "https://api.search.brave.com/res/v1/web/search"
	duckDuckGoURL     = "https://html.duckduckgo.com/html/"
	maxFetchRedirects = 5
	maxSearchResults  = 10
)

// SearchProvider answers one web search query with a formatted result list.
type SearchProvider interface {
	Search(ctx context.Context, query string, count int) (string, error)
}

// BraveSearchProvider queries the Brave Search API.
type BraveSearchProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewBraveSearchProvider(apiKey string) *BraveSearchProvider {
	return &BraveSearchProvider{
		apiKey:  apiKey,
		baseURL: braveSearchURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *BraveSearchProvider) Search(ctx context.Context, query string, count int) (string, error) {
	searchURL := fmt.Sprintf("%s?q=%s&count=%d", p.baseURL, url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search API returned status %d", resp.StatusCode)
	}

	var searchResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return "", fmt.Errorf("parse search response: %w", err)
	}

	results := searchResp.Web.Results
	if len(results) == 0 {
		return fmt.Sprintf("No results for: %s", query), nil
	}

	lines := []string{fmt.Sprintf("Results for: %s", query)}
	for i, item := range results {
		if i >= count {
			break
		}
		lines = append(lines, fmt.Sprintf("%d. %s\n   %s", i+1, item.Title, item.URL))
		if item.Description != "" {
			lines = append(lines, fmt.Sprintf("   %s", item.Description))
		}
	}

	return strings.Join(lines, "\n"), nil
}

// DuckDuckGoSearchProvider scrapes the HTML results page. It needs no API
// key and serves as the fallback when Brave is unavailable.
type DuckDuckGoSearchProvider struct {
	baseURL string
	client  *http.Client
}

func NewDuckDuckGoSearchProvider() *DuckDuckGoSearchProvider {
	return &DuckDuckGoSearchProvider{
		baseURL: duckDuckGoURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

var (
	ddgLinkPattern    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetPattern = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
)

func (p *DuckDuckGoSearchProvider) Search(ctx context.Context, query string, count int) (string, error) {
	searchURL := fmt.Sprintf("%s?q=%s", p.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}

	return extractDuckDuckGoResults(string(body), count, query), nil
}

func extractDuckDuckGoResults(page string, count int, query string) string {
	matches := ddgLinkPattern.FindAllStringSubmatch(page, count+5)
	if len(matches) == 0 {
		return fmt.Sprintf("No results for: %s", query)
	}

	snippets := ddgSnippetPattern.FindAllStringSubmatch(page, count+5)

	lines := []string{fmt.Sprintf("Results for: %s (via DuckDuckGo)", query)}
	for i, match := range matches {
		if i >= count {
			break
		}

		resultURL := match[1]
		title := strings.TrimSpace(stripHTMLTags(match[2]))

		// DDG wraps outbound links in a redirect with the target in uddg=.
		if strings.Contains(resultURL, "uddg=") {
			if u, err := url.QueryUnescape(resultURL); err == nil {
				if idx := strings.Index(u, "uddg="); idx != -1 {
					resultURL = u[idx+5:]
				}
			}
		}

		lines = append(lines, fmt.Sprintf("%d. %s\n   %s", i+1, title, resultURL))
		if i < len(snippets) {
			if snippet := strings.TrimSpace(stripHTMLTags(snippets[i][1])); snippet != "" {
				lines = append(lines, fmt.Sprintf("   %s", snippet))
			}
		}
	}

	return strings.Join(lines, "\n")
}

// WebSearchTool searches the web through a primary provider with an optional
// keyless fallback.
type WebSearchTool struct {
	provider   SearchProvider
	fallback   SearchProvider
	maxResults int
}

// NewWebSearchTool uses Brave when an API key is configured and DuckDuckGo
// otherwise. With Brave as primary, DuckDuckGo stays wired as the fallback.
func NewWebSearchTool(braveAPIKey string, maxResults int) *WebSearchTool {
	if maxResults <= 0 || maxResults > maxSearchResults {
		maxResults = 5
	}

	tool := &WebSearchTool{maxResults: maxResults}
	if braveAPIKey != "" {
		tool.provider = NewBraveSearchProvider(braveAPIKey)
		tool.fallback = NewDuckDuckGoSearchProvider()
	} else {
		tool.provider = NewDuckDuckGoSearchProvider()
	}

	return tool
}

func (t *WebSearchTool) Name() string {
	return "web_search"
}

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets."
}

func (t *WebSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results (1-10)",
				"minimum":     1,
				"maximum":     maxSearchResults,
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) string {
	query, _ := args["query"].(string)

	count := t.maxResults
	if c, ok := numericValue(args["count"]); ok && int(c) >= 1 && int(c) <= maxSearchResults {
		count = int(c)
	}

	result, err := t.provider.Search(ctx, query, count)
	if err != nil {
		if t.fallback != nil {
			slog.Default().Warn("Primary web search failed, attempting fallback",
				"component", "tools",
				"error", err.Error(),
			)
			if fallbackResult, fallbackErr := t.fallback.Search(ctx, query, count); fallbackErr == nil {
				return fallbackResult
			}
		}
		return fmt.Sprintf("Error: search failed: %v", err)
	}

	return result
}

// WebFetchTool fetches a URL and extracts readable content. The result is a
// JSON envelope so the model can see the final URL, status, and whether the
// text was truncated.
type WebFetchTool struct {
	maxChars int
	client   *http.Client
}

func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = 50000
	}

	return &WebFetchTool{
		maxChars: maxChars,
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxFetchRedirects {
					return fmt.Errorf("stopped after %d redirects", maxFetchRedirects)
				}
				return nil
			},
		},
	}
}

func (t *WebFetchTool) Name() string {
	return "web_fetch"
}

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract readable content (HTML to markdown/text)."
}

func (t *WebFetchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to fetch",
			},
			"extractMode": map[string]any{
				"type":        "string",
				"description": "Extraction mode for HTML pages",
				"enum":        []string{"markdown", "text"},
			},
			"maxChars": map[string]any{
				"type":        "integer",
				"description": "Maximum characters to extract",
				"minimum":     100,
			},
		},
		"required": []string{"url"},
	}
}

type fetchEnvelope struct {
	URL       string `json:"url"`
	FinalURL  string `json:"finalUrl"`
	Status    int    `json:"status"`
	Extractor string `json:"extractor"`
	Truncated bool   `json:"truncated"`
	Length    int    `json:"length"`
	Text      string `json:"text"`
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) string {
	rawURL, _ := args["url"].(string)

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fetchError(rawURL, fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fetchError(rawURL, fmt.Sprintf("only http/https URLs are allowed, got %q", parsed.Scheme))
	}
	if parsed.Host == "" {
		return fetchError(rawURL, "missing domain in URL")
	}

	extractMode, _ := args["extractMode"].(string)
	if extractMode == "" {
		extractMode = "markdown"
	}

	maxChars := t.maxChars
	if mc, ok := numericValue(args["maxChars"]); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fetchError(rawURL, fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return fetchError(rawURL, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetchError(rawURL, fmt.Sprintf("read response: %v", err))
	}

	contentType := resp.Header.Get("Content-Type")
	text, extractor := extractContent(body, contentType, extractMode)

	truncated := len(text) > maxChars
	if truncated {
		text = text[:maxChars]
	}

	envelope := fetchEnvelope{
		URL:       rawURL,
		FinalURL:  resp.Request.URL.String(),
		Status:    resp.StatusCode,
		Extractor: extractor,
		Truncated: truncated,
		Length:    len(text),
		Text:      text,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fetchError(rawURL, fmt.Sprintf("encode result: %v", err))
	}

	return string(payload)
}

func fetchError(rawURL string, message string) string {
	payload, _ := json.Marshal(map[string]string{
		"error": message,
		"url":   rawURL,
	})

	return string(payload)
}

func extractContent(body []byte, contentType string, extractMode string) (string, string) {
	head := strings.ToLower(string(body[:min(len(body), 256)]))

	switch {
	case strings.Contains(contentType, "application/json"):
		var jsonData any
		if err := json.Unmarshal(body, &jsonData); err == nil {
			formatted, _ := json.MarshalIndent(jsonData, "", "  ")
			return string(formatted), "json"
		}
		return string(body), "raw"

	case strings.Contains(contentType, "text/html"),
		strings.HasPrefix(head, "<!doctype"),
		strings.HasPrefix(head, "<html"):
		page := string(body)
		var content string
		if extractMode == "text" {
			content = normalizeWhitespace(stripHTMLTags(page))
		} else {
			content = htmlToMarkdown(page)
		}
		if title := pageTitle(page); title != "" {
			content = "# " + title + "\n\n" + content
		}
		return content, extractMode

	default:
		return string(body), "raw"
	}
}

var (
	scriptPattern     = regexp.MustCompile(`(?i)<script[\s\S]*?</script>`)
	stylePattern      = regexp.MustCompile(`(?i)<style[\s\S]*?</style>`)
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	titlePattern      = regexp.MustCompile(`(?i)<title[^>]*>([\s\S]*?)</title>`)
	anchorPattern     = regexp.MustCompile(`(?i)<a\s+[^>]*href=["']([^"']+)["'][^>]*>([\s\S]*?)</a>`)
	headingPattern    = regexp.MustCompile(`(?i)<h([1-6])[^>]*>([\s\S]*?)</h[1-6]>`)
	listItemPattern   = regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`)
	blockClosePattern = regexp.MustCompile(`(?i)</(p|div|section|article)>`)
	lineBreakPattern  = regexp.MustCompile(`(?i)<(br|hr)\s*/?>`)
	spacesPattern     = regexp.MustCompile(`[ \t]+`)
	blankLinesPattern = regexp.MustCompile(`\n{3,}`)
)

func stripHTMLTags(content string) string {
	out := scriptPattern.ReplaceAllString(content, "")
	out = stylePattern.ReplaceAllString(out, "")
	out = tagPattern.ReplaceAllString(out, "")

	return strings.TrimSpace(html.UnescapeString(out))
}

func normalizeWhitespace(text string) string {
	out := spacesPattern.ReplaceAllString(text, " ")
	out = blankLinesPattern.ReplaceAllString(out, "\n\n")

	return strings.TrimSpace(out)
}

func pageTitle(page string) string {
	match := titlePattern.FindStringSubmatch(page)
	if match == nil {
		return ""
	}

	return strings.TrimSpace(stripHTMLTags(match[1]))
}

func htmlToMarkdown(page string) string {
	text := anchorPattern.ReplaceAllStringFunc(page, func(m string) string {
		parts := anchorPattern.FindStringSubmatch(m)
		return fmt.Sprintf("[%s](%s)", stripHTMLTags(parts[2]), parts[1])
	})
	text = headingPattern.ReplaceAllStringFunc(text, func(m string) string {
		parts := headingPattern.FindStringSubmatch(m)
		level, _ := strconv.Atoi(parts[1])
		return "\n" + strings.Repeat("#", level) + " " + stripHTMLTags(parts[2]) + "\n"
	})
	text = listItemPattern.ReplaceAllStringFunc(text, func(m string) string {
		parts := listItemPattern.FindStringSubmatch(m)
		return "\n- " + stripHTMLTags(parts[1])
	})
	text = blockClosePattern.ReplaceAllString(text, "\n\n")
	text = lineBreakPattern.ReplaceAllString(text, "\n")

	return normalizeWhitespace(stripHTMLTags(text))
}
