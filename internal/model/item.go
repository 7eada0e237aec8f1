// Package model はドメインモデルを定義する。
package model

import "time"

// CollectionItem はフィードコレクションに属する1件の記事を表す。
// IDはフィードIDとExternalIDから導出される安定した値。
type CollectionItem struct {
	ID            string     `json:"id"`
	CollectionID  string     `json:"collectionId"`
	ExternalID    string     `json:"-"`
	Title         string     `json:"title"`
	Link          string     `json:"link"`
	Summary       string     `json:"summary"`
	FullText      string     `json:"fullText"`
	ThumbnailURL  string     `json:"thumbnailUrl,omitempty"`
	DatePublished time.Time  `json:"datePublished"`
	DateUpdated   time.Time  `json:"dateUpdated"`
	DateRead      *time.Time `json:"dateRead"` // nilなら未読
	Categories    []string   `json:"categories,omitempty"`
	Comments      string     `json:"comments,omitempty"`
	ReadingTime   int        `json:"readingTime"` // 分単位
}

// IsUnread は記事が未読かを返す。
func (i *CollectionItem) IsUnread() bool {
	return i.DateRead == nil
}

// NormalizedItem はフィードパーサーから取得した未保存の記事データを表す。
// FeedFetcherが生成し、ItemMergerに渡される。
type NormalizedItem struct {
	ExternalID    string
	Title         string
	Link          string
	Summary       string // サニタイズ済み
	FullText      string // サニタイズ済み
	ThumbnailURL  string
	DatePublished time.Time // ゼロ値は未設定
	DateUpdated   time.Time // ゼロ値は未設定
	Categories    []string
	Comments      string
}

// UpsertBatch はItemMergerが生成する挿入・更新の集合。
// どちらのリストも順序に依存せず、主キーで冪等に適用される。
type UpsertBatch struct {
	ToInsert []CollectionItem
	ToUpdate []CollectionItem
}

// Empty はバッチに適用すべき変更がないかを返す。
func (b UpsertBatch) Empty() bool {
	return len(b.ToInsert) == 0 && len(b.ToUpdate) == 0
}

// Len はバッチ内の記事数を返す。
func (b UpsertBatch) Len() int {
	return len(b.ToInsert) + len(b.ToUpdate)
}

// ItemCursor は記事一覧のカーソルベースページネーション位置を表す。
type ItemCursor struct {
	DatePublished time.Time
	ID            string
}
