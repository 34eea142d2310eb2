/**
 * @description
 * Client for the error-code catalog. It turns error codes into user-facing
 * messages and caches them in memory, since catalog entries change rarely.
 */
package errorcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Entry is a catalog record. Message may contain {name} placeholders.
type Entry struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]Entry
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 3 * time.Second},
		cache:      make(map[string]Entry),
	}
}

// Lookup fetches the entry for code.
func (c *Client) Lookup(ctx context.Context, code string) (Entry, error) {
	c.mu.RLock()
	entry, ok := c.cache[code]
	c.mu.RUnlock()
	if ok {
		return entry, nil
	}

	if c.baseURL == "" {
		return Entry{}, fmt.Errorf("error catalog base url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/errors/"+url.PathEscape(code), nil)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to execute request to error catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Entry{}, fmt.Errorf("error catalog returned status %d for %s", resp.StatusCode, code)
	}
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return Entry{}, fmt.Errorf("failed to decode response: %w", err)
	}

	c.mu.Lock()
	c.cache[code] = entry
	c.mu.Unlock()
	return entry, nil
}

// Message renders the catalog text for code, falling back to fallback when the
// catalog is unreachable or has no text.
func (c *Client) Message(ctx context.Context, code string, params map[string]string, fallback string) string {
	entry, err := c.Lookup(ctx, code)
	if err != nil || strings.TrimSpace(entry.Message) == "" {
		return Render(fallback, params)
	}
	return Render(entry.Message, params)
}

// Render substitutes {name} placeholders from params.
func Render(template string, params map[string]string) string {
	if len(params) == 0 {
		return template
	}
	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
