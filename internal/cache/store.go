// Package cache is the durable local mirror of the remote corpus. All
// reads downstream of sync go through this store, never through the remote
// API. Every write is committed before the call returns.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the latest schema version; bump when adding migrations.
const schemaVersion = 1

// Store wraps the SQLite database holding documents, images and sync
// bookkeeping.
type Store struct {
	db *sql.DB
}

// Open opens or creates the cache database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL so the indexing feed can read while a sync writes.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		plain_text TEXT NOT NULL DEFAULT '',
		notebook_id TEXT NOT NULL,
		notebook_name TEXT NOT NULL DEFAULT '',
		section_id TEXT NOT NULL,
		section_name TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		author TEXT,
		created_at TIMESTAMP,
		modified_at TIMESTAMP NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		source_url TEXT NOT NULL DEFAULT '',
		last_synced_at TIMESTAMP NOT NULL,
		sync_version INTEGER NOT NULL DEFAULT 1,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		indexed_at TIMESTAMP,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		image_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_documents_section ON documents(section_id);
	CREATE INDEX IF NOT EXISTS idx_documents_synced ON documents(last_synced_at);
	CREATE INDEX IF NOT EXISTS idx_documents_indexing ON documents(is_deleted, indexed_at, last_synced_at);

	CREATE TABLE IF NOT EXISTS images (
		document_id TEXT NOT NULL REFERENCES documents(id),
		position INTEGER NOT NULL,
		storage_path TEXT NOT NULL,
		byte_size INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		alt_text TEXT NOT NULL DEFAULT '',
		analyzed_at TIMESTAMP,
		PRIMARY KEY (document_id, position)
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		scope TEXT PRIMARY KEY,
		last_full_sync_at TIMESTAMP,
		last_incremental_sync_at TIMESTAMP,
		last_error TEXT NOT NULL DEFAULT '',
		last_error_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sync_jobs (
		id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		scope TEXT NOT NULL,
		status TEXT NOT NULL,
		triggered_by TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		fetched INTEGER NOT NULL DEFAULT 0,
		added INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		api_calls INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		failed_ids TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS sync_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		scope TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		fetched INTEGER NOT NULL DEFAULT 0,
		added INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		api_calls INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		rate_limit_hits INTEGER NOT NULL DEFAULT 0,
		wait_time_seconds REAL NOT NULL DEFAULT 0,
		triggered_by TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_history_started ON sync_history(started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

const documentColumns = `id, content, plain_text, notebook_id, notebook_name, section_id, section_name,
	title, author, created_at, modified_at, tags, source_url,
	last_synced_at, sync_version, is_deleted, indexed_at, chunk_count, image_count`

// GetDocument retrieves a document by ID. Returns (nil, nil) when absent.
func (s *Store) GetDocument(id string) (*Document, error) {
	row := s.db.QueryRow("SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// UpsertDocument writes doc if it is new or strictly newer than the cached
// row (by ModifiedAt). An equal-or-older payload leaves the content
// untouched; a genuine update bumps sync_version and clears indexed_at so
// the document is re-chunked downstream. Any tombstone is cleared
// regardless: a document observed in a listing is live even when its
// modified_at never advanced. The stored row is returned in all cases.
func (s *Store) UpsertDocument(doc *Document) (*Document, error) {
	tags, err := json.Marshal(doc.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	if doc.LastSyncedAt.IsZero() {
		doc.LastSyncedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO documents (
		id, content, plain_text, notebook_id, notebook_name, section_id, section_name,
		title, author, created_at, modified_at, tags, source_url,
		last_synced_at, sync_version, is_deleted, indexed_at, chunk_count, image_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, NULL, 0, ?)
	ON CONFLICT(id) DO UPDATE SET
		content = excluded.content,
		plain_text = excluded.plain_text,
		notebook_id = excluded.notebook_id,
		notebook_name = excluded.notebook_name,
		section_id = excluded.section_id,
		section_name = excluded.section_name,
		title = excluded.title,
		author = excluded.author,
		created_at = excluded.created_at,
		modified_at = excluded.modified_at,
		tags = excluded.tags,
		source_url = excluded.source_url,
		last_synced_at = excluded.last_synced_at,
		sync_version = documents.sync_version + 1,
		is_deleted = 0,
		indexed_at = NULL,
		image_count = excluded.image_count
	WHERE excluded.modified_at > documents.modified_at
	`
	_, err = s.db.Exec(query,
		doc.ID, doc.Content, doc.PlainText,
		doc.NotebookID, doc.NotebookName, doc.SectionID, doc.SectionName,
		doc.Title, nullString(doc.Author), doc.CreatedAt, doc.ModifiedAt.UTC(),
		string(tags), doc.SourceURL, doc.LastSyncedAt.UTC(), doc.ImageCount,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}

	// The monotonic guard above skips a resurrected document whose
	// modified_at never moved; clear its tombstone separately so it
	// re-enters the indexing feed.
	_, err = s.db.Exec(
		"UPDATE documents SET is_deleted = 0, indexed_at = NULL WHERE id = ? AND is_deleted = 1",
		doc.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("revive document %s: %w", doc.ID, err)
	}
	return s.GetDocument(doc.ID)
}

// MarkDeleted tombstones the given IDs. Rows are never removed here; hard
// deletion is PurgeDeleted, an explicit out-of-band operation.
func (s *Store) MarkDeleted(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"UPDATE documents SET is_deleted = 1 WHERE id IN (%s)",
		placeholders(len(ids)),
	)
	if _, err := s.db.Exec(query, toAny(ids)...); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// MarkIndexed stamps a document as indexed. Called by the downstream
// indexer only; this is the one mutation the indexing pipeline owns.
func (s *Store) MarkIndexed(id string, chunkCount, imageCount int) error {
	_, err := s.db.Exec(
		"UPDATE documents SET indexed_at = ?, chunk_count = ?, image_count = ? WHERE id = ?",
		time.Now().UTC(), chunkCount, imageCount, id,
	)
	if err != nil {
		return fmt.Errorf("mark indexed %s: %w", id, err)
	}
	return nil
}

// DocumentsNeedingIndexing returns live documents that were never indexed
// or were re-synced since their last indexing, oldest sync first. The
// cursor is restartable: callers poll, index, and stamp via MarkIndexed.
func (s *Store) DocumentsNeedingIndexing(limit int) ([]*Document, error) {
	rows, err := s.db.Query(`
		SELECT `+documentColumns+` FROM documents
		WHERE is_deleted = 0 AND (indexed_at IS NULL OR last_synced_at > indexed_at)
		ORDER BY last_synced_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query needing indexing: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// TombstonedIndexedIDs returns deleted documents that still carry an index
// stamp, so the indexer can retract them.
func (s *Store) TombstonedIndexedIDs(limit int) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT id FROM documents WHERE is_deleted = 1 AND indexed_at IS NOT NULL LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query tombstoned: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkRetracted clears the index stamp on a tombstoned document after the
// indexer has dropped it.
func (s *Store) MarkRetracted(id string) error {
	_, err := s.db.Exec(
		"UPDATE documents SET indexed_at = NULL, chunk_count = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark retracted %s: %w", id, err)
	}
	return nil
}

// LiveDocumentIDs returns the IDs of every non-tombstoned document,
// narrowed to one notebook when notebookID is non-empty. A sync pass diffs
// this before-image against the complete remote listing to detect
// deletions, including pages whose whole section or notebook went away.
func (s *Store) LiveDocumentIDs(notebookID string) ([]string, error) {
	query := "SELECT id FROM documents WHERE is_deleted = 0"
	var args []any
	if notebookID != "" {
		query += " AND notebook_id = ?"
		args = append(args, notebookID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query live documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SectionModifiedTimes returns id -> cached modified_at for every live
// document in a section. This is the comparison set for incremental sync.
func (s *Store) SectionModifiedTimes(sectionID string) (map[string]time.Time, error) {
	rows, err := s.db.Query(
		"SELECT id, modified_at FROM documents WHERE section_id = ? AND is_deleted = 0", sectionID)
	if err != nil {
		return nil, fmt.Errorf("query section %s: %w", sectionID, err)
	}
	defer rows.Close()

	times := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var modified time.Time
		if err := rows.Scan(&id, &modified); err != nil {
			return nil, err
		}
		times[id] = modified
	}
	return times, rows.Err()
}

// UpsertImage inserts or replaces one image row keyed by (document,
// position).
func (s *Store) UpsertImage(img *Image) error {
	query := `
	INSERT INTO images (document_id, position, storage_path, byte_size, content_hash, alt_text, analyzed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(document_id, position) DO UPDATE SET
		storage_path = excluded.storage_path,
		byte_size = excluded.byte_size,
		content_hash = excluded.content_hash,
		alt_text = excluded.alt_text,
		analyzed_at = excluded.analyzed_at
	`
	_, err := s.db.Exec(query,
		img.DocumentID, img.Position, img.StoragePath, img.ByteSize,
		img.ContentHash, img.AltText, img.AnalyzedAt)
	if err != nil {
		return fmt.Errorf("upsert image %s/%d: %w", img.DocumentID, img.Position, err)
	}
	return nil
}

// ImagesForDocument returns a document's images ordered by position.
// Images survive the document's tombstone until PurgeDeleted.
func (s *Store) ImagesForDocument(documentID string) ([]*Image, error) {
	rows, err := s.db.Query(`
		SELECT document_id, position, storage_path, byte_size, content_hash, alt_text, analyzed_at
		FROM images WHERE document_id = ? ORDER BY position`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query images for %s: %w", documentID, err)
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img := &Image{}
		if err := rows.Scan(&img.DocumentID, &img.Position, &img.StoragePath,
			&img.ByteSize, &img.ContentHash, &img.AltText, &img.AnalyzedAt); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// PurgeDeleted hard-deletes tombstoned documents and their images. Never
// called by any sync strategy; exposed only through the CLI.
func (s *Store) PurgeDeleted() (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM images WHERE document_id IN (SELECT id FROM documents WHERE is_deleted = 1)"); err != nil {
		return 0, fmt.Errorf("purge images: %w", err)
	}
	res, err := tx.Exec("DELETE FROM documents WHERE is_deleted = 1")
	if err != nil {
		return 0, fmt.Errorf("purge documents: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	doc := &Document{}
	var author sql.NullString
	var tags string
	var isDeleted int
	err := row.Scan(
		&doc.ID, &doc.Content, &doc.PlainText,
		&doc.NotebookID, &doc.NotebookName, &doc.SectionID, &doc.SectionName,
		&doc.Title, &author, &doc.CreatedAt, &doc.ModifiedAt,
		&tags, &doc.SourceURL,
		&doc.LastSyncedAt, &doc.SyncVersion, &isDeleted,
		&doc.IndexedAt, &doc.ChunkCount, &doc.ImageCount,
	)
	if err != nil {
		return nil, err
	}
	doc.Author = author.String
	doc.IsDeleted = isDeleted != 0
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags for %s: %w", doc.ID, err)
	}
	return doc, nil
}

func scanDocuments(rows *sql.Rows) ([]*Document, error) {
	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAny(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
