package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the provider has no metadata for a video.
var ErrNotFound = errors.New("video metadata not found")

// BaseClient is a thin HTTP client with shared headers and a bounded
// timeout, used by concrete metadata providers.
type BaseClient struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// NewBaseClient creates a client rooted at baseURL.
func NewBaseClient(baseURL string) *BaseClient {
	return &BaseClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		headers: make(map[string]string),
	}
}

// SetHeader adds a header sent on every request.
func (c *BaseClient) SetHeader(key, value string) {
	c.headers[key] = value
}

// Get performs a GET against the base URL plus endpoint and returns the
// response body for 2xx statuses.
func (c *BaseClient) Get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("metadata API returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// OEmbedProvider resolves video metadata through an oEmbed endpoint, the
// lookup protocol YouTube and most video hosts expose.
type OEmbedProvider struct {
	*BaseClient
	watchURLFormat string
}

// NewOEmbedProvider builds a provider against an oEmbed endpoint such as
// "https://www.youtube.com/oembed". watchURLFormat turns a video ID into the
// page URL the endpoint expects, e.g. "https://www.youtube.com/watch?v=%s".
func NewOEmbedProvider(endpoint, watchURLFormat string) *OEmbedProvider {
	return &OEmbedProvider{
		BaseClient:     NewBaseClient(endpoint),
		watchURLFormat: watchURLFormat,
	}
}

type oembedResponse struct {
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail_url"`
	HTML         string `json:"html"`
}

func (p *OEmbedProvider) Lookup(ctx context.Context, videoID string) (*VideoMetadata, error) {
	watchURL := fmt.Sprintf(p.watchURLFormat, videoID)
	body, err := p.Get(ctx, "?format=json&url="+url.QueryEscape(watchURL))
	if err != nil {
		return nil, err
	}

	var resp oembedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse oEmbed response: %w", err)
	}

	return &VideoMetadata{
		VideoID:      videoID,
		Title:        resp.Title,
		ThumbnailURL: resp.ThumbnailURL,
		EmbedURL:     watchURL,
	}, nil
}
