package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDocument(id string, modified time.Time) *Document {
	return &Document{
		ID:           id,
		Content:      "<html><body><p>body of " + id + "</p></body></html>",
		PlainText:    "body of " + id,
		NotebookID:   "nb1",
		NotebookName: "Personal",
		SectionID:    "sec1",
		SectionName:  "Recipes",
		Title:        "Doc " + id,
		Author:       "Sam",
		ModifiedAt:   modified,
		Tags:         []string{"cooking"},
		SourceURL:    "https://onenote.example/" + id,
	}
}

func TestUpsertInsertsNewDocument(t *testing.T) {
	s := openTestStore(t)
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	stored, err := s.UpsertDocument(testDocument("p1", modified))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.SyncVersion)
	assert.False(t, stored.IsDeleted)
	assert.Nil(t, stored.IndexedAt)
	assert.True(t, stored.ModifiedAt.Equal(modified))
	assert.Equal(t, []string{"cooking"}, stored.Tags)
	assert.False(t, stored.LastSyncedAt.IsZero())
}

func TestUpsertIsIdempotentForSameModifiedAt(t *testing.T) {
	s := openTestStore(t)
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first, err := s.UpsertDocument(testDocument("p1", modified))
	require.NoError(t, err)

	again := testDocument("p1", modified)
	again.Content = "changed but not newer"
	second, err := s.UpsertDocument(again)
	require.NoError(t, err)

	assert.Equal(t, first.SyncVersion, second.SyncVersion)
	assert.Equal(t, first.Content, second.Content)
}

func TestUpsertIgnoresOlderPayload(t *testing.T) {
	s := openTestStore(t)
	newer := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := s.UpsertDocument(testDocument("p1", newer))
	require.NoError(t, err)

	old := testDocument("p1", newer.Add(-time.Hour))
	old.Content = "stale copy"
	stored, err := s.UpsertDocument(old)
	require.NoError(t, err)

	assert.Equal(t, int64(1), stored.SyncVersion)
	assert.NotEqual(t, "stale copy", stored.Content)
	assert.True(t, stored.ModifiedAt.Equal(newer))
}

func TestUpsertNewerBumpsVersionAndClearsIndexStamp(t *testing.T) {
	s := openTestStore(t)
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := s.UpsertDocument(testDocument("p1", modified))
	require.NoError(t, err)
	require.NoError(t, s.MarkIndexed("p1", 4, 2))

	indexed, err := s.GetDocument("p1")
	require.NoError(t, err)
	require.NotNil(t, indexed.IndexedAt)
	assert.Equal(t, 4, indexed.ChunkCount)

	update := testDocument("p1", modified.Add(time.Hour))
	update.Content = "new content"
	stored, err := s.UpsertDocument(update)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stored.SyncVersion)
	assert.Equal(t, "new content", stored.Content)
	assert.Nil(t, stored.IndexedAt)
}

func TestMarkDeletedTombstonesWithoutRemovingRows(t *testing.T) {
	s := openTestStore(t)
	modified := time.Now().UTC()

	_, err := s.UpsertDocument(testDocument("p1", modified))
	require.NoError(t, err)
	require.NoError(t, s.UpsertImage(&Image{
		DocumentID: "p1", Position: 0, StoragePath: "images/p1/0", ByteSize: 42, ContentHash: "abc",
	}))

	require.NoError(t, s.MarkDeleted([]string{"p1"}))

	doc, err := s.GetDocument("p1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, doc.IsDeleted)

	// Images stay retrievable until an explicit purge.
	images, err := s.ImagesForDocument("p1")
	require.NoError(t, err)
	assert.Len(t, images, 1)
}

func TestUpsertClearsTombstoneOnReappearance(t *testing.T) {
	s := openTestStore(t)
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := s.UpsertDocument(testDocument("p1", modified))
	require.NoError(t, err)
	require.NoError(t, s.MarkDeleted([]string{"p1"}))

	stored, err := s.UpsertDocument(testDocument("p1", modified.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, stored.IsDeleted)
}

func TestUpsertClearsTombstoneWhenModifiedAtUnchanged(t *testing.T) {
	s := openTestStore(t)
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := s.UpsertDocument(testDocument("p1", modified))
	require.NoError(t, err)
	require.NoError(t, s.MarkIndexed("p1", 2, 0))
	require.NoError(t, s.MarkDeleted([]string{"p1"}))

	// A re-observed document is live again even when the payload is not
	// newer. The content stays monotonic but the tombstone must go, and
	// the row returns to the indexing feed.
	stored, err := s.UpsertDocument(testDocument("p1", modified))
	require.NoError(t, err)
	assert.False(t, stored.IsDeleted)
	assert.Equal(t, int64(1), stored.SyncVersion)
	assert.Nil(t, stored.IndexedAt)

	docs, err := s.DocumentsNeedingIndexing(10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "p1", docs[0].ID)
}

func TestUpsertNewerUpdatesImageCount(t *testing.T) {
	s := openTestStore(t)
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first := testDocument("p1", modified)
	first.ImageCount = 1
	_, err := s.UpsertDocument(first)
	require.NoError(t, err)

	second := testDocument("p1", modified.Add(time.Hour))
	second.ImageCount = 3
	stored, err := s.UpsertDocument(second)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ImageCount)
}

func TestLiveDocumentIDs(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err := s.UpsertDocument(testDocument("p1", base))
	require.NoError(t, err)
	other := testDocument("p2", base)
	other.NotebookID = "nb2"
	other.SectionID = "sec2"
	_, err = s.UpsertDocument(other)
	require.NoError(t, err)
	_, err = s.UpsertDocument(testDocument("p3", base))
	require.NoError(t, err)
	require.NoError(t, s.MarkDeleted([]string{"p3"}))

	ids, err := s.LiveDocumentIDs("")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids)

	ids, err = s.LiveDocumentIDs("nb2")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, ids)
}

func TestDocumentsNeedingIndexing(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := s.UpsertDocument(testDocument(id, base))
		require.NoError(t, err)
	}

	docs, err := s.DocumentsNeedingIndexing(10)
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	require.NoError(t, s.MarkIndexed("p1", 2, 0))
	require.NoError(t, s.MarkIndexed("p2", 2, 0))
	require.NoError(t, s.MarkIndexed("p3", 2, 0))

	docs, err = s.DocumentsNeedingIndexing(10)
	require.NoError(t, err)
	assert.Empty(t, docs)

	// A re-synced document reappears because the upsert cleared indexed_at.
	_, err = s.UpsertDocument(testDocument("p2", base.Add(time.Hour)))
	require.NoError(t, err)

	docs, err = s.DocumentsNeedingIndexing(10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "p2", docs[0].ID)

	// Tombstoned documents never surface on the feed.
	require.NoError(t, s.MarkDeleted([]string{"p2"}))
	docs, err = s.DocumentsNeedingIndexing(10)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestTombstonedIndexedIDsAndRetraction(t *testing.T) {
	s := openTestStore(t)
	_, err := s.UpsertDocument(testDocument("p1", time.Now().UTC()))
	require.NoError(t, err)
	require.NoError(t, s.MarkIndexed("p1", 2, 0))
	require.NoError(t, s.MarkDeleted([]string{"p1"}))

	ids, err := s.TombstonedIndexedIDs(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)

	require.NoError(t, s.MarkRetracted("p1"))
	ids, err = s.TombstonedIndexedIDs(10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSectionModifiedTimes(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err := s.UpsertDocument(testDocument("p1", base))
	require.NoError(t, err)
	other := testDocument("p2", base.Add(time.Minute))
	other.SectionID = "sec2"
	_, err = s.UpsertDocument(other)
	require.NoError(t, err)

	times, err := s.SectionModifiedTimes("sec1")
	require.NoError(t, err)
	require.Len(t, times, 1)
	assert.True(t, times["p1"].Equal(base))
}

func TestUpsertImageReplacesByPosition(t *testing.T) {
	s := openTestStore(t)
	_, err := s.UpsertDocument(testDocument("p1", time.Now().UTC()))
	require.NoError(t, err)

	require.NoError(t, s.UpsertImage(&Image{
		DocumentID: "p1", Position: 0, StoragePath: "images/a", ContentHash: "h1", ByteSize: 10,
	}))
	require.NoError(t, s.UpsertImage(&Image{
		DocumentID: "p1", Position: 0, StoragePath: "images/b", ContentHash: "h2", ByteSize: 20,
	}))

	images, err := s.ImagesForDocument("p1")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "images/b", images[0].StoragePath)
	assert.Equal(t, "h2", images[0].ContentHash)
	assert.Equal(t, int64(20), images[0].ByteSize)
}

func TestPurgeDeletedRemovesTombstonesAndImages(t *testing.T) {
	s := openTestStore(t)
	_, err := s.UpsertDocument(testDocument("p1", time.Now().UTC()))
	require.NoError(t, err)
	_, err = s.UpsertDocument(testDocument("p2", time.Now().UTC()))
	require.NoError(t, err)
	require.NoError(t, s.UpsertImage(&Image{DocumentID: "p1", Position: 0, StoragePath: "x"}))
	require.NoError(t, s.MarkDeleted([]string{"p1"}))

	n, err := s.PurgeDeleted()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	doc, err := s.GetDocument("p1")
	require.NoError(t, err)
	assert.Nil(t, doc)

	images, err := s.ImagesForDocument("p1")
	require.NoError(t, err)
	assert.Empty(t, images)

	doc, err = s.GetDocument("p2")
	require.NoError(t, err)
	assert.NotNil(t, doc)
}

func TestGetDocumentAbsent(t *testing.T) {
	s := openTestStore(t)
	doc, err := s.GetDocument("missing")
	require.NoError(t, err)
	assert.Nil(t, doc)
}
