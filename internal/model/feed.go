// Package model はドメインモデルを定義する。
package model

import "time"

// DueFeed はリフレッシュ対象として選択されたフィードを表す。
// CollectionStoreのListDueFeedsが返す。
type DueFeed struct {
	FeedID          string
	UserID          string
	URL             string
	ETag            string
	LastModified    string
	RefreshInterval int // 分単位
	LastRefreshedAt *time.Time
	Attempt         int      // 連続したリトライ可能エラーの回数
	Parents         []string // ルートから直近の親までの祖先ID
}

// Interval はリフレッシュ間隔をtime.Durationで返す。
func (f *DueFeed) Interval() time.Duration {
	return time.Duration(f.RefreshInterval) * time.Minute
}

// FeedRefreshState はリフレッシュ1回分の結果として永続化するフィード状態。
type FeedRefreshState struct {
	FeedID            string
	ETag              string
	LastModified      string
	Title             string // フィードから取得したタイトル（空なら更新しない）
	Health            FeedHealth
	ConsecutiveErrors int
	LastError         string
	LastRefreshedAt   *time.Time // nilなら更新しない
	NextRefreshAt     time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
