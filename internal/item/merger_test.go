package item

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/feedtree/internal/model"
)

const testFeedID = "feed-1"

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func storedItem(externalID, title string, published, updated int64) model.CollectionItem {
	return model.CollectionItem{
		ID:            ItemID(testFeedID, externalID),
		CollectionID:  testFeedID,
		ExternalID:    externalID,
		Title:         title,
		DatePublished: ts(published),
		DateUpdated:   ts(updated),
	}
}

// apply はバッチを保存済み記事に適用した結果を返す。
func apply(existing []model.CollectionItem, batch model.UpsertBatch) []model.CollectionItem {
	byID := make(map[string]int, len(existing))
	out := append([]model.CollectionItem{}, existing...)
	for i, it := range out {
		byID[it.ID] = i
	}
	for _, it := range append(batch.ToInsert, batch.ToUpdate...) {
		if i, ok := byID[it.ID]; ok {
			out[i] = it
			continue
		}
		byID[it.ID] = len(out)
		out = append(out, it)
	}
	return out
}

func TestMerge_OlderUpdateIsIgnored(t *testing.T) {
	existing := []model.CollectionItem{storedItem("a", "X", 50, 100)}
	fetched := []model.NormalizedItem{{ExternalID: "a", Title: "X", DateUpdated: ts(90)}}

	batch := Merge(existing, fetched, testFeedID, ts(1000))
	assert.True(t, batch.Empty(), "expected no upsert, got %+v", batch)
}

func TestMerge_NewItem(t *testing.T) {
	fetched := []model.NormalizedItem{{
		ExternalID:    "new",
		Title:         "Hello",
		Link:          "https://example.com/hello",
		Summary:       "<p>summary</p>",
		FullText:      "<p>" + strings.Repeat("word ", 450) + "</p>",
		DatePublished: ts(500),
		Categories:    []string{"go"},
		Comments:      "https://example.com/hello#comments",
	}}

	batch := Merge(nil, fetched, testFeedID, ts(1000))
	require.Len(t, batch.ToInsert, 1)
	assert.Empty(t, batch.ToUpdate)

	got := batch.ToInsert[0]
	assert.Equal(t, ItemID(testFeedID, "new"), got.ID)
	assert.Equal(t, testFeedID, got.CollectionID)
	assert.Nil(t, got.DateRead)
	assert.Equal(t, ts(500), got.DatePublished)
	assert.Equal(t, ts(500), got.DateUpdated, "missing dateUpdated falls back to datePublished")
	assert.Equal(t, 3, got.ReadingTime)
	assert.Equal(t, []string{"go"}, got.Categories)
	assert.Equal(t, "https://example.com/hello#comments", got.Comments)
}

func TestMerge_NewItemWithoutDates(t *testing.T) {
	now := ts(1000)
	batch := Merge(nil, []model.NormalizedItem{{ExternalID: "x", Title: "t"}}, testFeedID, now)
	require.Len(t, batch.ToInsert, 1)
	assert.Equal(t, now, batch.ToInsert[0].DatePublished)
	assert.Equal(t, now, batch.ToInsert[0].DateUpdated)
}

func TestMerge_ChangedTitleUpdates(t *testing.T) {
	readAt := ts(300)
	old := storedItem("a", "Old", 50, 100)
	old.DateRead = &readAt

	batch := Merge([]model.CollectionItem{old},
		[]model.NormalizedItem{{ExternalID: "a", Title: "New", DatePublished: ts(50), DateUpdated: ts(80)}},
		testFeedID, ts(1000))

	require.Len(t, batch.ToUpdate, 1)
	assert.Empty(t, batch.ToInsert)
	got := batch.ToUpdate[0]
	assert.Equal(t, old.ID, got.ID)
	assert.Equal(t, "New", got.Title)
	assert.Equal(t, ts(100), got.DateUpdated, "dateUpdated must not regress")
	assert.Equal(t, &readAt, got.DateRead)
}

func TestMerge_NewerDateUpdates(t *testing.T) {
	existing := []model.CollectionItem{storedItem("a", "X", 50, 100)}
	fetched := []model.NormalizedItem{{ExternalID: "a", Title: "X", DatePublished: ts(50), DateUpdated: ts(150)}}

	batch := Merge(existing, fetched, testFeedID, ts(1000))
	require.Len(t, batch.ToUpdate, 1)
	assert.Equal(t, ts(150), batch.ToUpdate[0].DateUpdated)
	assert.Equal(t, ts(50), batch.ToUpdate[0].DatePublished)
}

func TestMerge_TimestampsNeverRegress(t *testing.T) {
	existing := []model.CollectionItem{
		storedItem("a", "A", 100, 200),
		storedItem("b", "B", 100, 200),
	}
	fetched := []model.NormalizedItem{
		{ExternalID: "a", Title: "A2", DatePublished: ts(10), DateUpdated: ts(20)},
		{ExternalID: "b", Title: "B2"},
	}

	batch := Merge(existing, fetched, testFeedID, ts(1000))
	require.Len(t, batch.ToUpdate, 2)
	for _, got := range batch.ToUpdate {
		assert.False(t, got.DatePublished.Before(ts(100)), "datePublished of %s", got.ExternalID)
		assert.False(t, got.DateUpdated.Before(ts(200)), "dateUpdated of %s", got.ExternalID)
	}
}

func TestMerge_AbsentItemsUntouched(t *testing.T) {
	existing := []model.CollectionItem{storedItem("a", "A", 1, 1), storedItem("b", "B", 1, 1)}
	fetched := []model.NormalizedItem{{ExternalID: "c", Title: "C", DatePublished: ts(5)}}

	batch := Merge(existing, fetched, testFeedID, ts(1000))
	assert.Len(t, batch.ToInsert, 1)
	assert.Empty(t, batch.ToUpdate)
}

func TestMerge_DuplicateExternalIDFirstWins(t *testing.T) {
	fetched := []model.NormalizedItem{
		{ExternalID: "a", Title: "first"},
		{ExternalID: "a", Title: "second"},
		{ExternalID: "", Title: "no id"},
	}

	batch := Merge(nil, fetched, testFeedID, ts(1000))
	require.Len(t, batch.ToInsert, 1)
	assert.Equal(t, "first", batch.ToInsert[0].Title)
}

func TestMerge_Idempotent(t *testing.T) {
	existing := []model.CollectionItem{storedItem("a", "A", 100, 200)}
	fetched := []model.NormalizedItem{
		{ExternalID: "a", Title: "A (edited)", DatePublished: ts(100), DateUpdated: ts(250)},
		{ExternalID: "b", Title: "B", DatePublished: ts(300)},
		{ExternalID: "c", Title: "C"},
	}

	first := Merge(existing, fetched, testFeedID, ts(1000))
	assert.Equal(t, 3, first.Len())

	second := Merge(apply(existing, first), fetched, testFeedID, ts(2000))
	assert.True(t, second.Empty(), "second merge should be a no-op, got %+v", second)
}

func TestItemID_Stable(t *testing.T) {
	assert.Equal(t, ItemID("f", "x"), ItemID("f", "x"))
	assert.NotEqual(t, ItemID("f", "x"), ItemID("g", "x"))
	assert.NotEqual(t, ItemID("fx", ""), ItemID("f", "x"))
}

func TestReadingTime(t *testing.T) {
	tests := []struct {
		name string
		html string
		want int
	}{
		{"空", "", 0},
		{"タグのみ", "<p></p><br/>", 0},
		{"短文", "<p>hello world</p>", 1},
		{"ちょうど200語", strings.Repeat("w ", 200), 1},
		{"201語", strings.Repeat("w ", 201), 2},
		{"ブロック要素の境界", strings.Repeat("<p>w</p>", 201), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReadingTime(tt.html))
		})
	}
}
