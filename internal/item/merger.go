// Package item は記事の管理機能を提供する。
package item

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/feedtree/internal/model"
)

// wordsPerMinute は読了時間の算出に使用する1分あたりの語数。
const wordsPerMinute = 200

// itemNamespace は記事IDを導出するUUIDv5の名前空間。
var itemNamespace = uuid.MustParse("6f1c3b2e-8d4a-5e7f-9a0b-1c2d3e4f5a6b")

// textPolicy は読了時間算出のためにHTMLからテキストのみを取り出す。
var textPolicy = bluemonday.StrictPolicy().AddSpaceWhenStrippingTag(true)

// ItemID はフィードIDと外部IDから安定した記事IDを導出する。
// 同じ組み合わせに対しては常に同じIDを返すため、UPSERTが冪等になる。
func ItemID(feedID, externalID string) string {
	return uuid.NewSHA1(itemNamespace, []byte(feedID+"\x00"+externalID)).String()
}

// ReadingTime はHTML本文の語数から読了時間（分）を算出する。
// テキストが空の場合は0、それ以外は切り上げで最低1分。
func ReadingTime(html string) int {
	words := len(strings.Fields(textPolicy.Sanitize(html)))
	if words == 0 {
		return 0
	}
	return (words + wordsPerMinute - 1) / wordsPerMinute
}

// Merge は保存済みの記事とフェッチした記事を外部IDで突き合わせ、UPSERTバッチを生成する。
//
//   - フェッチ結果に含まれない保存済み記事は変更しない
//   - 一致した記事はタイトル・サマリー・本文のいずれかが変化したか、
//     日時を統合した結果が保存値と異なる場合のみ更新対象とする
//   - 日時は保存値とフェッチ値の大きい方を採用し、巻き戻さない
//   - 一致しない記事は未読の新規記事として挿入対象とする
//
// 同一フェッチ内で外部IDが重複する場合は最初の記事を採用する。
func Merge(existing []model.CollectionItem, fetched []model.NormalizedItem, feedID string, now time.Time) model.UpsertBatch {
	stored := make(map[string]model.CollectionItem, len(existing))
	for _, it := range existing {
		stored[it.ExternalID] = it
	}

	var batch model.UpsertBatch
	seen := make(map[string]bool, len(fetched))

	for _, in := range fetched {
		if in.ExternalID == "" || seen[in.ExternalID] {
			continue
		}
		seen[in.ExternalID] = true

		old, ok := stored[in.ExternalID]
		if !ok {
			batch.ToInsert = append(batch.ToInsert, newItem(feedID, in, now))
			continue
		}

		if merged, changed := mergeItem(old, in); changed {
			batch.ToUpdate = append(batch.ToUpdate, merged)
		}
	}

	return batch
}

// newItem はフェッチした記事から未読の新規記事を作成する。
// 公開日時が未設定の場合は取得時刻を、更新日時が未設定の場合は公開日時を使用する。
func newItem(feedID string, in model.NormalizedItem, now time.Time) model.CollectionItem {
	published := in.DatePublished
	if published.IsZero() {
		published = now
	}
	updated := in.DateUpdated
	if updated.IsZero() {
		updated = published
	}

	return model.CollectionItem{
		ID:            ItemID(feedID, in.ExternalID),
		CollectionID:  feedID,
		ExternalID:    in.ExternalID,
		Title:         in.Title,
		Link:          in.Link,
		Summary:       in.Summary,
		FullText:      in.FullText,
		ThumbnailURL:  in.ThumbnailURL,
		DatePublished: published,
		DateUpdated:   updated,
		DateRead:      nil,
		Categories:    in.Categories,
		Comments:      in.Comments,
		ReadingTime:   ReadingTime(bodyOf(in.FullText, in.Summary)),
	}
}

// mergeItem は保存済み記事にフェッチ結果を統合する。
// IDと既読日時は保持する。更新が必要な場合のみ changed が true になる。
func mergeItem(old model.CollectionItem, in model.NormalizedItem) (model.CollectionItem, bool) {
	incomingUpdated := in.DateUpdated
	if incomingUpdated.IsZero() {
		incomingUpdated = in.DatePublished
	}

	merged := old
	merged.DatePublished = maxTime(old.DatePublished, in.DatePublished)
	merged.DateUpdated = maxTime(old.DateUpdated, incomingUpdated)

	contentChanged := old.Title != in.Title || old.Summary != in.Summary || old.FullText != in.FullText
	datesChanged := !merged.DatePublished.Equal(old.DatePublished) || !merged.DateUpdated.Equal(old.DateUpdated)
	if !contentChanged && !datesChanged {
		return old, false
	}

	merged.Title = in.Title
	merged.Summary = in.Summary
	merged.FullText = in.FullText
	if in.Link != "" {
		merged.Link = in.Link
	}
	if in.ThumbnailURL != "" {
		merged.ThumbnailURL = in.ThumbnailURL
	}
	if len(in.Categories) > 0 {
		merged.Categories = in.Categories
	}
	if in.Comments != "" {
		merged.Comments = in.Comments
	}
	merged.ReadingTime = ReadingTime(bodyOf(in.FullText, in.Summary))

	return merged, true
}

func bodyOf(fullText, summary string) string {
	if fullText != "" {
		return fullText
	}
	return summary
}

// maxTime は2つの時刻の大きい方を返す。ゼロ値は未設定として扱う。
func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
