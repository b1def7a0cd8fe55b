package graph

import "time"

// Notebook is a top-level OneNote notebook.
type Notebook struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Section is a section within a notebook.
type Section struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	NotebookID  string `json:"-"`
}

// PageHeader is the lightweight listing shape: enough to decide whether a
// page needs a full fetch, nothing more.
type PageHeader struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	ModifiedAt time.Time `json:"lastModifiedDateTime"`
}

// Page is a fully fetched page: metadata plus raw HTML content and the
// image resources referenced by it.
type Page struct {
	ID         string
	Title      string
	Author     string
	CreatedAt  *time.Time
	ModifiedAt time.Time
	WebURL     string
	HTML       string
	Images     []ImageRef
}

// ImageRef is an image resource referenced from page HTML. URL points at a
// Graph resource endpoint and requires an authenticated fetch.
type ImageRef struct {
	URL     string
	AltText string
}
