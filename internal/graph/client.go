// Package graph is a thin client for the Microsoft Graph OneNote API. It
// lists notebooks, sections and page headers, and fetches page content and
// image resources. It never retries and never sleeps: rate-limit responses
// are surfaced as *RateLimitError and retry policy belongs to the caller.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Pacer gates outbound requests. Acquire blocks until one more request
// may be sent or ctx is done. Every HTTP request the client issues takes
// exactly one slot, so a multi-request operation such as FetchPage or a
// paginated listing never outruns the pacer's rate.
type Pacer interface {
	Acquire(ctx context.Context) error
}

// Client is a Microsoft Graph API client scoped to the signed-in user's
// OneNote hierarchy.
type Client struct {
	baseURL    string
	token      string
	pacer      Pacer
	httpClient *http.Client
}

// NewClient creates a Graph client. baseURL is normally
// https://graph.microsoft.com/v1.0. pacer may be nil for an unpaced
// client.
func NewClient(baseURL, token string, pacer Pacer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		pacer:   pacer,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// listPage is the envelope Graph wraps every collection response in.
type listPage struct {
	Value    json.RawMessage `json:"value"`
	NextLink string          `json:"@odata.nextLink"`
}

// get performs one GET and returns the raw body. Response status is mapped
// to the error taxonomy: 429 → RateLimitError, 401/403 → AuthError,
// other non-2xx → StatusError.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	if c.pacer != nil {
		if err := c.pacer.Acquire(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// list follows @odata.nextLink pagination, unmarshalling each page's value
// array into out via collect.
func (c *Client) list(ctx context.Context, url string, collect func(json.RawMessage) error) error {
	for url != "" {
		body, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		var page listPage
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("unmarshal listing: %w", err)
		}
		if err := collect(page.Value); err != nil {
			return err
		}
		url = page.NextLink
	}
	return nil
}

// ListNotebooks fetches all notebooks for the current user.
func (c *Client) ListNotebooks(ctx context.Context) ([]Notebook, error) {
	var notebooks []Notebook
	url := fmt.Sprintf("%s/me/onenote/notebooks?$select=id,displayName", c.baseURL)
	err := c.list(ctx, url, func(raw json.RawMessage) error {
		var batch []Notebook
		if err := json.Unmarshal(raw, &batch); err != nil {
			return fmt.Errorf("unmarshal notebooks: %w", err)
		}
		notebooks = append(notebooks, batch...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list notebooks: %w", err)
	}
	return notebooks, nil
}

// ListSections fetches the sections of one notebook.
func (c *Client) ListSections(ctx context.Context, notebookID string) ([]Section, error) {
	var sections []Section
	url := fmt.Sprintf("%s/me/onenote/notebooks/%s/sections?$select=id,displayName", c.baseURL, notebookID)
	err := c.list(ctx, url, func(raw json.RawMessage) error {
		var batch []Section
		if err := json.Unmarshal(raw, &batch); err != nil {
			return fmt.Errorf("unmarshal sections: %w", err)
		}
		for i := range batch {
			batch[i].NotebookID = notebookID
		}
		sections = append(sections, batch...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sections for %s: %w", notebookID, err)
	}
	return sections, nil
}

// ListPageHeaders fetches id/title/lastModifiedDateTime for every page in a
// section. This is the cheap call incremental sync is built on.
func (c *Client) ListPageHeaders(ctx context.Context, sectionID string) ([]PageHeader, error) {
	var headers []PageHeader
	url := fmt.Sprintf(
		"%s/me/onenote/sections/%s/pages?$select=id,title,lastModifiedDateTime&$top=100",
		c.baseURL, sectionID,
	)
	err := c.list(ctx, url, func(raw json.RawMessage) error {
		var batch []PageHeader
		if err := json.Unmarshal(raw, &batch); err != nil {
			return fmt.Errorf("unmarshal page headers: %w", err)
		}
		headers = append(headers, batch...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pages for %s: %w", sectionID, err)
	}
	return headers, nil
}

// pageMetadata is the Graph page resource shape we care about.
type pageMetadata struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	CreatedAt  *time.Time `json:"createdDateTime"`
	ModifiedAt time.Time  `json:"lastModifiedDateTime"`
	CreatedBy  struct {
		User struct {
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"createdBy"`
	Links struct {
		OneNoteWebURL struct {
			Href string `json:"href"`
		} `json:"oneNoteWebUrl"`
	} `json:"links"`
}

// FetchPage fetches page metadata and raw HTML content. Two API calls.
func (c *Client) FetchPage(ctx context.Context, pageID string) (*Page, error) {
	metaURL := fmt.Sprintf("%s/me/onenote/pages/%s", c.baseURL, pageID)
	body, err := c.get(ctx, metaURL)
	if err != nil {
		return nil, fmt.Errorf("fetch page %s: %w", pageID, err)
	}
	var meta pageMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal page %s: %w", pageID, err)
	}

	contentURL := fmt.Sprintf("%s/me/onenote/pages/%s/content", c.baseURL, pageID)
	html, err := c.get(ctx, contentURL)
	if err != nil {
		return nil, fmt.Errorf("fetch content for %s: %w", pageID, err)
	}

	page := &Page{
		ID:         meta.ID,
		Title:      meta.Title,
		Author:     meta.CreatedBy.User.DisplayName,
		CreatedAt:  meta.CreatedAt,
		ModifiedAt: meta.ModifiedAt,
		WebURL:     meta.Links.OneNoteWebURL.Href,
		HTML:       string(html),
	}
	page.Images = ExtractImageRefs(page.HTML)
	return page, nil
}

// FetchImage downloads one image resource.
func (c *Client) FetchImage(ctx context.Context, url string) ([]byte, error) {
	data, err := c.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	return data, nil
}

// parseRetryAfter handles both forms of the Retry-After header:
// delta-seconds and HTTP-date. Unparseable or past values yield 0 and the
// caller falls back to its default.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
