package index

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"onecache/internal/cache"
)

// Options tune the indexer.
type Options struct {
	// BatchSize is how many documents one pass pulls from the feed.
	BatchSize int
	// ChunkSize is the target chunk length in characters. Chunks break on
	// word boundaries, so individual chunks may run slightly long.
	ChunkSize int
	// PollInterval is the idle delay between passes of Run.
	PollInterval time.Duration
}

// Indexer drains the cache's indexing feed into the index. It is the only
// writer of the cache's indexed_at stamps.
type Indexer struct {
	index *Index
	store *cache.Store
	log   *zap.Logger
	opts  Options
}

// NewIndexer wires an indexer.
func NewIndexer(idx *Index, store *cache.Store, log *zap.Logger, opts Options) *Indexer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Indexer{index: idx, store: store, log: log, opts: opts}
}

// RunOnce retracts tombstoned documents, then indexes one batch from the
// feed. It returns the number of documents processed; zero means the feed
// is drained.
func (x *Indexer) RunOnce(ctx context.Context) (int, error) {
	processed, err := x.retractTombstoned()
	if err != nil {
		return processed, err
	}

	docs, err := x.store.DocumentsNeedingIndexing(x.opts.BatchSize)
	if err != nil {
		return processed, err
	}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := x.indexDocument(doc); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (x *Indexer) retractTombstoned() (int, error) {
	ids, err := x.store.TombstonedIndexedIDs(x.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		doc, err := x.store.GetDocument(id)
		if err != nil {
			return 0, err
		}
		if doc == nil {
			continue
		}
		if err := x.index.DeleteChunks(id, doc.ChunkCount); err != nil {
			return 0, err
		}
		if err := x.store.MarkRetracted(id); err != nil {
			return 0, err
		}
		x.log.Debug("retracted document", zap.String("document_id", id))
	}
	return len(ids), nil
}

func (x *Indexer) indexDocument(doc *cache.Document) error {
	texts := chunkText(doc.PlainText, x.opts.ChunkSize)
	chunks := make([]Chunk, len(texts))
	for pos, text := range texts {
		chunks[pos] = Chunk{
			DocumentID:   doc.ID,
			Position:     pos,
			Title:        doc.Title,
			Text:         text,
			Author:       doc.Author,
			NotebookName: doc.NotebookName,
			SectionName:  doc.SectionName,
			SourceURL:    doc.SourceURL,
			ModifiedAt:   doc.ModifiedAt,
		}
	}

	// doc.ChunkCount still holds the previous indexing's count.
	if err := x.index.IndexChunks(doc.ID, doc.ChunkCount, chunks); err != nil {
		return err
	}
	if err := x.store.MarkIndexed(doc.ID, len(chunks), doc.ImageCount); err != nil {
		return err
	}
	x.log.Debug("indexed document",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)))
	return nil
}

// Run polls the feed until ctx is done. Passes that process a full batch
// continue immediately; an empty pass sleeps for PollInterval.
func (x *Indexer) Run(ctx context.Context) {
	for {
		n, err := x.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			x.log.Error("indexing pass failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(x.opts.PollInterval):
		}
	}
}

// chunkText splits text into chunks of roughly size characters, breaking
// on whitespace. Empty input yields no chunks.
func chunkText(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var b strings.Builder
	for _, word := range strings.Fields(text) {
		if b.Len() > 0 && b.Len()+1+len(word) > size {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
