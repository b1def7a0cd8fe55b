package sync

import (
	"context"

	"onecache/internal/graph"
)

// Source is the remote API surface the orchestrator drives. *graph.Client
// implements it; tests substitute a fake. Implementations must not retry
// internally (retry policy lives here) and are responsible for pacing the
// requests they send against the shared limiter.
type Source interface {
	ListNotebooks(ctx context.Context) ([]graph.Notebook, error)
	ListSections(ctx context.Context, notebookID string) ([]graph.Section, error)
	ListPageHeaders(ctx context.Context, sectionID string) ([]graph.PageHeader, error)
	FetchPage(ctx context.Context, pageID string) (*graph.Page, error)
	FetchImage(ctx context.Context, url string) ([]byte, error)
}
