// Package index maintains the bleve full-text index over cached
// documents. It consumes the cache's indexing feed: documents are chunked,
// indexed, and stamped, and tombstoned documents are retracted. The index
// is derived state; deleting it and re-running the indexer rebuilds it.
package index

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Chunk is the unit stored in the index: one slice of a document's plain
// text plus enough metadata to render a result.
type Chunk struct {
	DocumentID   string
	Position     int
	Title        string
	Text         string
	Author       string
	NotebookName string
	SectionName  string
	SourceURL    string
	ModifiedAt   time.Time
}

// SearchResult is one hit, at chunk granularity.
type SearchResult struct {
	DocumentID   string
	Position     int
	Title        string
	Author       string
	NotebookName string
	SectionName  string
	SourceURL    string
	Score        float64
	Fragments    map[string][]string // highlighted snippets
}

// Index wraps a bleve index of document chunks.
type Index struct {
	index bleve.Index
}

// Open opens or creates a bleve index at path.
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	textFieldMapping := bleve.NewTextFieldMapping()

	// English analyzer on titles for stemming.
	titleFieldMapping := bleve.NewTextFieldMapping()
	titleFieldMapping.Analyzer = "en"

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("DocumentID", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("Title", titleFieldMapping)
	docMapping.AddFieldMappingsAt("Text", textFieldMapping)
	docMapping.AddFieldMappingsAt("Author", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("NotebookName", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("SectionName", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("SourceURL", bleve.NewKeywordFieldMapping())

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", docMapping)
	return indexMapping
}

// Close closes the underlying index.
func (i *Index) Close() error {
	return i.index.Close()
}

// chunkID is the stable index key for a document chunk.
func chunkID(documentID string, position int) string {
	return documentID + "::" + strconv.Itoa(position)
}

// IndexChunks replaces a document's chunks. prevCount chunks are deleted
// first so a shrinking document leaves no stale tail behind.
func (i *Index) IndexChunks(documentID string, prevCount int, chunks []Chunk) error {
	batch := i.index.NewBatch()
	for pos := len(chunks); pos < prevCount; pos++ {
		batch.Delete(chunkID(documentID, pos))
	}
	for _, c := range chunks {
		if err := batch.Index(chunkID(documentID, c.Position), c); err != nil {
			return fmt.Errorf("batch index %s: %w", documentID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// DeleteChunks removes all count chunks of a document.
func (i *Index) DeleteChunks(documentID string, count int) error {
	batch := i.index.NewBatch()
	for pos := 0; pos < count; pos++ {
		batch.Delete(chunkID(documentID, pos))
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	return nil
}

// Search runs a query string query (quotes, boolean operators and fuzzy ~
// all work) and returns up to limit highlighted chunk hits.
func (i *Index) Search(queryStr string, limit int) ([]*SearchResult, error) {
	query := bleve.NewQueryStringQuery(queryStr)
	search := bleve.NewSearchRequestOptions(query, limit, 0, false)
	search.Highlight = bleve.NewHighlightWithStyle("html")
	search.Fields = []string{"DocumentID", "Title", "Author", "NotebookName", "SectionName", "SourceURL"}

	results, err := i.index.Search(search)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var hits []*SearchResult
	for _, hit := range results.Hits {
		r := &SearchResult{
			Score:     hit.Score,
			Fragments: hit.Fragments,
		}
		if id, ok := hit.Fields["DocumentID"].(string); ok {
			r.DocumentID = id
		}
		if idx := strings.LastIndex(hit.ID, "::"); idx >= 0 {
			r.Position, _ = strconv.Atoi(hit.ID[idx+2:])
		}
		if title, ok := hit.Fields["Title"].(string); ok {
			r.Title = title
		}
		if author, ok := hit.Fields["Author"].(string); ok {
			r.Author = author
		}
		if nb, ok := hit.Fields["NotebookName"].(string); ok {
			r.NotebookName = nb
		}
		if sec, ok := hit.Fields["SectionName"].(string); ok {
			r.SectionName = sec
		}
		if url, ok := hit.Fields["SourceURL"].(string); ok {
			r.SourceURL = url
		}
		hits = append(hits, r)
	}
	return hits, nil
}

// Count returns the number of chunks in the index.
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}
