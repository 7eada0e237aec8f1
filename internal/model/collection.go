// Package model はドメインモデルを定義する。
package model

import "time"

// HomeCollectionTitle はユーザーごとに1つだけ存在するルートコレクションのタイトル。
const HomeCollectionTitle = "Home"

// CollectionLayout はコレクションの記事一覧の表示レイアウトを表す。
type CollectionLayout string

const (
	// LayoutList はリスト表示。
	LayoutList CollectionLayout = "list"
	// LayoutCard はカード表示。
	LayoutCard CollectionLayout = "card"
	// LayoutMagazine はマガジン表示。
	LayoutMagazine CollectionLayout = "magazine"
)

// Valid はレイアウトが既知の値かを返す。
func (l CollectionLayout) Valid() bool {
	switch l {
	case LayoutList, LayoutCard, LayoutMagazine:
		return true
	}
	return false
}

// FeedHealth はフィードのリフレッシュ健全性を表す。
type FeedHealth string

const (
	// FeedHealthOK は直近のリフレッシュが成功している状態。
	FeedHealthOK FeedHealth = "ok"
	// FeedHealthRetrying はリトライ可能なエラーでバックオフ中の状態。
	FeedHealthRetrying FeedHealth = "retrying"
	// FeedHealthUnhealthy はリトライ上限到達または恒久的エラーの状態。
	// 次の定期リフレッシュ間隔まで再取得しない。
	FeedHealthUnhealthy FeedHealth = "unhealthy"
)

// Collection はコレクション階層のノード（フォルダまたはフィード）を表す。
// URLが空でなければフィード、空ならフォルダ。ParentIDがnilなのはルート（Home）のみ。
type Collection struct {
	ID              string           `json:"id"`
	UserID          string           `json:"-"`
	Title           string           `json:"title"`
	Icon            string           `json:"icon,omitempty"`
	URL             string           `json:"url,omitempty"`
	Layout          CollectionLayout `json:"layout"`
	RefreshInterval int              `json:"refreshInterval,omitempty"` // 分単位。フィードのみ
	UnreadCount     int              `json:"unreadCount"`
	ParentID        *string          `json:"parentId"`

	// フィードのリフレッシュ状態
	Health            FeedHealth `json:"health,omitempty"`
	ConsecutiveErrors int        `json:"consecutiveErrors,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	LastRefreshedAt   *time.Time `json:"lastRefreshedAt,omitempty"`
	NextRefreshAt     *time.Time `json:"nextRefreshAt,omitempty"`
}

// IsFeed はコレクションがフィードかを返す。
func (c *Collection) IsFeed() bool {
	return c.URL != ""
}

// IsRoot はコレクションがルート（Home）かを返す。
func (c *Collection) IsRoot() bool {
	return c.ParentID == nil
}

// FlatCollection はツリーをフラット化したコレクション。
// 祖先・子・兄弟順序を事前計算して保持する。
type FlatCollection struct {
	Collection
	Parents     []string `json:"parents"`   // ルートから直近の親までの祖先ID
	Children    []string `json:"children"`  // 直接の子ID（兄弟順）
	Order       int      `json:"order"`     // 兄弟内の0始まりの位置
	OrderPath   []int    `json:"orderPath"` // ルートからこのノードまでのOrderの列
	Level       int      `json:"level"`     // 深さ。ルートは0
	IsLastChild bool     `json:"isLastChild"`
}

// ParentIDValue は直近の親IDを返す。ルートの場合は空文字列。
func (f *FlatCollection) ParentIDValue() string {
	if len(f.Parents) == 0 {
		return ""
	}
	return f.Parents[len(f.Parents)-1]
}

// ActiveViewHome はホーム表示を示すアクティブビュー値。
const ActiveViewHome = "home"

// Preferences はユーザーごとの表示設定を表す。
type Preferences struct {
	UserID                  string           `json:"-"`
	ExpandedCollectionIDs   []string         `json:"expandedCollectionIds"`
	ActiveCollectionID      *string          `json:"activeCollectionId"` // nilならホーム
	DefaultCollectionLayout CollectionLayout `json:"defaultCollectionLayout"`
	UpdatedAt               time.Time        `json:"-"`
}

// ActiveView はアクティブビューを "home" またはコレクションIDで返す。
func (p *Preferences) ActiveView() string {
	if p.ActiveCollectionID == nil {
		return ActiveViewHome
	}
	return *p.ActiveCollectionID
}

// Prune は存在しないコレクションへの参照を取り除く。
// valid に含まれないIDは展開状態から除外され、アクティブビューはホームに戻る。
// 変更があった場合は true を返す。
func (p *Preferences) Prune(valid map[string]bool) bool {
	changed := false
	kept := make([]string, 0, len(p.ExpandedCollectionIDs))
	for _, id := range p.ExpandedCollectionIDs {
		if valid[id] {
			kept = append(kept, id)
		} else {
			changed = true
		}
	}
	p.ExpandedCollectionIDs = kept
	if p.ActiveCollectionID != nil && !valid[*p.ActiveCollectionID] {
		p.ActiveCollectionID = nil
		changed = true
	}
	return changed
}
