// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/feedtree/internal/model"
)

// TreeMutation はフラット表現のツリーを受け取り、変更後のツリーを返す純粋関数。
// tree.Reorder や tree.Insert などを包んで MutateTree に渡す。
type TreeMutation func(flat []model.FlatCollection) ([]model.FlatCollection, error)

// CollectionRepository はコレクションツリーの永続化インターフェース。
// ツリーはフラット表現で保存され、部分的に書き込まれることはない。
type CollectionRepository interface {
	// GetFlatTree はユーザーのコレクションツリーをorderPath順で返す。
	// ツリーが未作成の場合は空のスライスを返す。
	GetFlatTree(ctx context.Context, userID string) ([]model.FlatCollection, error)

	// FindByID は指定IDのコレクションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID, id string) (*model.FlatCollection, error)

	// EnsureRoot はユーザーのルートコレクション（Home）が存在しなければ作成する。
	EnsureRoot(ctx context.Context, userID string) error

	// MutateTree はユーザー単位のロックを取得した1つのトランザクション内で
	// ツリーを読み込み、mutate を適用し、差分（追加・派生フィールドの変化・削除）を書き込む。
	// mutate がエラーを返した場合は何も書き込まずにそのエラーを返す。
	MutateTree(ctx context.Context, userID string, mutate TreeMutation) ([]model.FlatCollection, error)

	// ApplyReorder は movedID を newParentID の newIndex 番目へ移動する。
	// 循環する移動は *model.CyclicMoveError、存在しないIDは *model.NotFoundError を返す。
	ApplyReorder(ctx context.Context, userID, movedID, newParentID string, newIndex int) ([]model.FlatCollection, error)

	// UpdateIcon はコレクションのアイコンを更新する。
	UpdateIcon(ctx context.Context, userID, id, icon string) error
}

// RefreshStore はフィードリフレッシュに必要な永続化インターフェース。
type RefreshStore interface {
	// ListDueFeeds はリフレッシュ時期を迎えたフィードを取得する。
	// 他のワーカーと重複しないよう FOR UPDATE SKIP LOCKED で排他的に選択し、
	// 選択したフィードの次回リフレッシュ時刻をリース期間だけ先送りする。
	ListDueFeeds(ctx context.Context, now time.Time) ([]model.DueFeed, error)

	// ListUserFeeds は手動リフレッシュの対象フィードを取得する。
	// targetID が "all" ならユーザーの全フィード、フォルダなら配下の全フィード、
	// フィードならそのフィードのみを返す。存在しない場合は *model.NotFoundError を返す。
	ListUserFeeds(ctx context.Context, userID, targetID string) ([]model.DueFeed, error)

	// GetItemsForFeed はフィードの保存済み記事を全件返す。
	GetItemsForFeed(ctx context.Context, feedID string) ([]model.CollectionItem, error)

	// UpsertItems は記事を主キーで冪等にUPSERTする。
	UpsertItems(ctx context.Context, feedID string, batch model.UpsertBatch) error

	// UpdateFeedRefreshState はリフレッシュ結果のフィード状態を保存する。
	UpdateFeedRefreshState(ctx context.Context, state model.FeedRefreshState) error

	// RecomputeUnreadCounts は指定コレクションの未読数を再集計して保存し、IDごとの値を返す。
	// フォルダの未読数は配下フィードの合計。
	RecomputeUnreadCounts(ctx context.Context, collectionIDs []string) (map[string]int, error)

	// GetFeedParents はフィードの現在の祖先IDを返す。削除済みなら found は false。
	GetFeedParents(ctx context.Context, feedID string) (parents []string, found bool, err error)
}

// ItemRepository は記事の閲覧・既読管理の永続化インターフェース。
type ItemRepository interface {
	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID, itemID string) (*model.CollectionItem, error)

	// ListByCollection はコレクションの記事一覧を公開日時の降順で取得する。
	// フォルダの場合は配下の全フィードの記事を対象とする。
	// cursorがnilの場合は先頭から取得する。
	ListByCollection(ctx context.Context, userID, collectionID string, unreadOnly bool, cursor *model.ItemCursor, limit int) ([]model.CollectionItem, error)

	// SetRead は記事の既読状態を更新する。read が false の場合は未読に戻す。
	SetRead(ctx context.Context, userID, itemID string, read bool, at time.Time) (*model.CollectionItem, error)

	// DeleteReadBefore は before より前に既読になった記事を削除し、削除件数を返す。
	DeleteReadBefore(ctx context.Context, before time.Time) (int64, error)
}

// PreferencesRepository はユーザー設定の永続化インターフェース。
type PreferencesRepository interface {
	// Get はユーザー設定を取得する。未保存の場合はnilを返す。
	Get(ctx context.Context, userID string) (*model.Preferences, error)

	// Save はユーザー設定をUPSERTする。
	Save(ctx context.Context, prefs *model.Preferences) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
