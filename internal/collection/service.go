// Package collection はコレクションツリー・ユーザー設定・記事閲覧のユースケースを提供する。
//
// ツリーの変更（追加・削除・移動・OPMLインポート）はユーザー単位で直列化され、
// 永続化層では1つのトランザクションとして書き込まれる。
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedtree/internal/feed"
	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/notify"
	"github.com/hitoshi/feedtree/internal/repository"
	"github.com/hitoshi/feedtree/internal/tree"
	"github.com/hitoshi/feedtree/internal/worker/fetch"
)

// DefaultRefreshInterval は新しいフィードのリフレッシュ間隔（分）のデフォルト値。
const DefaultRefreshInterval = 60

const pruneAttempts = 3

// FeedResolver は入力URLをフィードURLとアイコンに解決する。
type FeedResolver interface {
	Resolve(ctx context.Context, inputURL string) (*feed.Resolution, error)
}

// Refresher は手動リフレッシュの開始を抽象化する。
type Refresher interface {
	TriggerManualRefresh(userID, targetID string) (int, error)
}

// UnreadCounter は未読数の再集計を抽象化する。
type UnreadCounter interface {
	RecomputeUnreadCounts(ctx context.Context, collectionIDs []string) (map[string]int, error)
}

// Notifier はイベント配信のインターフェース。
type Notifier interface {
	Publish(evt notify.Event)
}

// Deps はServiceの依存関係。
type Deps struct {
	Collections repository.CollectionRepository
	Counts      UnreadCounter
	Items       repository.ItemRepository
	Preferences repository.PreferencesRepository
	Resolver    FeedResolver
	Refresher   Refresher
	Notifier    Notifier
	Logger      *slog.Logger
}

// Config はServiceの設定。
type Config struct {
	DefaultRefreshInterval int // 分単位
}

// Service はコレクション関連のユースケースを実装する。
type Service struct {
	collections repository.CollectionRepository
	counts      UnreadCounter
	items       repository.ItemRepository
	prefs       repository.PreferencesRepository
	resolver    FeedResolver
	refresher   Refresher
	notifier    Notifier
	logger      *slog.Logger
	cfg         Config

	locks *userLocks
	now   func() time.Time
	newID func() string
}

// NewService はServiceを生成する。
func NewService(deps Deps, cfg Config) *Service {
	if cfg.DefaultRefreshInterval <= 0 {
		cfg.DefaultRefreshInterval = DefaultRefreshInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		collections: deps.Collections,
		counts:      deps.Counts,
		items:       deps.Items,
		prefs:       deps.Preferences,
		resolver:    deps.Resolver,
		refresher:   deps.Refresher,
		notifier:    deps.Notifier,
		logger:      logger,
		cfg:         cfg,
		locks:       newUserLocks(),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

// GetTree はユーザーのコレクションツリーをorderPath順で返す。
// フォルダの未読数は配下フィードの合計に集計される。初回はルート（Home）を作成する。
func (s *Service) GetTree(ctx context.Context, userID string) ([]model.FlatCollection, error) {
	flat, err := s.collections.GetFlatTree(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(flat) == 0 {
		if err := s.collections.EnsureRoot(ctx, userID); err != nil {
			return nil, err
		}
		if flat, err = s.collections.GetFlatTree(ctx, userID); err != nil {
			return nil, err
		}
	}
	return tree.RollupUnread(flat), nil
}

// MoveCollection は id を newParentID の newIndex 番目へ移動し、移動後のツリーを返す。
// 同じユーザーの移動は1つずつ処理される。拒否された移動はツリーを変更しない。
func (s *Service) MoveCollection(ctx context.Context, userID, id, newParentID string, newIndex int) ([]model.FlatCollection, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	after, err := s.collections.ApplyReorder(ctx, userID, id, newParentID, newIndex)
	if err != nil {
		return nil, err
	}

	s.logger.Info("collection moved",
		slog.String("user_id", userID),
		slog.String("collection_id", id),
		slog.String("new_parent_id", newParentID),
		slog.Int("new_index", newIndex),
	)

	s.recomputeFolders(ctx, after)
	return tree.RollupUnread(after), nil
}

// AddRequest はコレクション追加のリクエスト。URLが空ならフォルダを追加する。
type AddRequest struct {
	ParentID        string                 `json:"parentId"`
	Index           int                    `json:"index"`
	Title           string                 `json:"title"`
	URL             string                 `json:"url"`
	Layout          model.CollectionLayout `json:"layout"`
	RefreshInterval int                    `json:"refreshInterval"`
}

// AddCollection はフォルダまたはフィードを parentID の index 番目に追加する。
// parentID が空の場合はルート直下に追加する。
func (s *Service) AddCollection(ctx context.Context, userID string, req AddRequest) (*model.FlatCollection, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.URL = strings.TrimSpace(req.URL)

	if req.Layout != "" && !req.Layout.Valid() {
		return nil, model.NewInvalidRequestError("layout が不正です")
	}
	if req.RefreshInterval < 0 {
		return nil, model.NewInvalidRequestError("refreshInterval は0以上で指定してください")
	}
	if req.URL == "" && req.Title == "" {
		return nil, model.NewInvalidRequestError("フォルダ名を入力してください")
	}

	c := model.Collection{
		ID:     s.newID(),
		UserID: userID,
		Title:  req.Title,
		Layout: req.Layout,
	}
	if c.Layout == "" {
		c.Layout = s.defaultLayout(ctx, userID)
	}

	if req.URL != "" {
		res, err := s.resolver.Resolve(ctx, req.URL)
		if err != nil {
			return nil, err
		}
		c.URL = res.FeedURL
		c.Icon = res.Icon
		if c.Title == "" {
			c.Title = res.Title
		}
		c.RefreshInterval = req.RefreshInterval
		if c.RefreshInterval == 0 {
			c.RefreshInterval = s.cfg.DefaultRefreshInterval
		}
	}

	if err := s.collections.EnsureRoot(ctx, userID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(userID)
	after, err := s.collections.MutateTree(ctx, userID, func(flat []model.FlatCollection) ([]model.FlatCollection, error) {
		parentID := req.ParentID
		if parentID == "" {
			root, ok := tree.Root(flat)
			if !ok {
				return nil, &model.MalformedTreeError{Reason: "no root collection"}
			}
			parentID = root.ID
		}
		if c.IsFeed() {
			for _, f := range flat {
				if f.URL == c.URL {
					return nil, model.NewDuplicateFeedError(c.URL)
				}
			}
		}
		return tree.Insert(flat, c, parentID, req.Index)
	})
	unlock()
	if err != nil {
		return nil, err
	}

	added, ok := tree.Find(after, c.ID)
	if !ok {
		return nil, fmt.Errorf("追加したコレクションが見つかりません: %s", c.ID)
	}

	s.logger.Info("collection added",
		slog.String("user_id", userID),
		slog.String("collection_id", c.ID),
		slog.Bool("feed", c.IsFeed()),
	)

	if c.IsFeed() && s.refresher != nil {
		if _, err := s.refresher.TriggerManualRefresh(userID, c.ID); err != nil {
			s.logger.Warn("initial refresh could not be started",
				slog.String("collection_id", c.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return &added, nil
}

// DeleteCollection は id とその子孫を削除し、削除したIDを返す。
// 記事はカスケード削除され、ユーザー設定から削除されたIDへの参照が取り除かれる。
func (s *Service) DeleteCollection(ctx context.Context, userID, id string) ([]string, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	var removed, ancestors []string
	after, err := s.collections.MutateTree(ctx, userID, func(flat []model.FlatCollection) ([]model.FlatCollection, error) {
		target, ok := tree.Find(flat, id)
		if !ok {
			return nil, model.NewCollectionNotFound(id)
		}
		ancestors = target.Parents

		rest, ids, err := tree.Remove(flat, id)
		removed = ids
		return rest, err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("collection deleted",
		slog.String("user_id", userID),
		slog.String("collection_id", id),
		slog.Int("removed", len(removed)),
	)

	if len(ancestors) > 0 {
		if _, err := s.counts.RecomputeUnreadCounts(ctx, ancestors); err != nil {
			s.logger.Warn("unread count recompute failed", slog.String("error", err.Error()))
		}
	}
	s.prunePreferencesWithRetry(ctx, userID, after)
	return removed, nil
}

// TriggerRefresh はフィード、フォルダ配下、または "all" の手動リフレッシュを開始する。
// リフレッシャーを持たない構成（CLI）では fetch.ErrStopped を返す。
func (s *Service) TriggerRefresh(userID, target string) (int, error) {
	if s.refresher == nil {
		return 0, fetch.ErrStopped
	}
	return s.refresher.TriggerManualRefresh(userID, target)
}

// recomputeFolders はツリー変更後のフォルダの未読数を保存し直す。
func (s *Service) recomputeFolders(ctx context.Context, flat []model.FlatCollection) {
	var folders []string
	for _, f := range flat {
		if !f.IsFeed() {
			folders = append(folders, f.ID)
		}
	}
	if _, err := s.counts.RecomputeUnreadCounts(ctx, folders); err != nil {
		s.logger.Warn("unread count recompute failed", slog.String("error", err.Error()))
	}
}
