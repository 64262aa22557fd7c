package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://www.googleapis.com/customsearch/v1"
	defaultTimeout = 30 * time.Second
	defaultCount   = 5
)

// Result is one ranked search hit.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Link    string `json:"link"`
}

// Error is a typed search failure carrying the upstream status code.
type Error struct {
	Status int
	Msg    string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("search: status %d: %s", e.Status, e.Msg)
	}
	return "search: " + e.Msg
}

// IsRateLimited reports whether err is an upstream rate-limit rejection.
func IsRateLimited(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Status == http.StatusTooManyRequests
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500 || se.Status == 0
	}
	return false
}

// Client searches via the Google Custom Search JSON API.
type Client interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Options configures the Google client.
type Options struct {
	APIKey     string
	EngineID   string
	BaseURL    string
	HTTPClient *http.Client
	Count      int
}

// GoogleClient implements Client against the Custom Search JSON API.
type GoogleClient struct {
	apiKey   string
	engineID string
	baseURL  string
	client   *http.Client
	count    int
}

// NewGoogleClient constructs a search client. Configured reports whether the
// required credentials are present; an unconfigured client refuses to search.
func NewGoogleClient(opts Options) *GoogleClient {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	count := opts.Count
	if count <= 0 {
		count = defaultCount
	}
	return &GoogleClient{
		apiKey:   opts.APIKey,
		engineID: opts.EngineID,
		baseURL:  baseURL,
		client:   client,
		count:    count,
	}
}

// Configured reports whether API credentials were supplied.
func (g *GoogleClient) Configured() bool {
	return g.apiKey != "" && g.engineID != ""
}

func (g *GoogleClient) Search(ctx context.Context, query string) ([]Result, error) {
	if !g.Configured() {
		return nil, &Error{Msg: "api key or engine id not configured"}
	}
	params := url.Values{}
	params.Set("key", g.apiKey)
	params.Set("cx", g.engineID)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(g.count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("search: build request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &Error{Msg: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return nil, &Error{Status: resp.StatusCode, Msg: "search request rejected"}
	}

	var payload struct {
		Items []Result `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}
	return payload.Items, nil
}

var _ Client = (*GoogleClient)(nil)
