package collection

import (
	"context"
	"log/slog"

	"github.com/hitoshi/feedtree/internal/model"
)

// PreferencesUpdate は設定更新のリクエスト。nilのフィールドは変更しない。
type PreferencesUpdate struct {
	ActiveView              *string                 `json:"activeView"`
	DefaultCollectionLayout *model.CollectionLayout `json:"defaultCollectionLayout"`
	ExpandedCollectionIDs   []string                `json:"expandedCollectionIds"`
}

// GetPreferences はユーザー設定を返す。未保存の場合はデフォルト値を返す。
func (s *Service) GetPreferences(ctx context.Context, userID string) (*model.Preferences, error) {
	p, err := s.prefs.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = defaultPreferences(userID)
	}
	return p, nil
}

// UpdatePreferences はユーザー設定を更新する。
// アクティブビューと展開状態のIDは、ユーザーのツリーに存在するものだけを受け付ける。
func (s *Service) UpdatePreferences(ctx context.Context, userID string, upd PreferencesUpdate) (*model.Preferences, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	p, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	var valid map[string]bool
	if upd.ActiveView != nil || upd.ExpandedCollectionIDs != nil {
		if valid, err = s.collectionIDs(ctx, userID); err != nil {
			return nil, err
		}
	}

	if upd.ActiveView != nil {
		view := *upd.ActiveView
		switch {
		case view == model.ActiveViewHome || view == "":
			p.ActiveCollectionID = nil
		case valid[view]:
			p.ActiveCollectionID = &view
		default:
			return nil, model.NewCollectionNotFound(view)
		}
	}

	if upd.DefaultCollectionLayout != nil {
		if !upd.DefaultCollectionLayout.Valid() {
			return nil, model.NewInvalidRequestError("defaultCollectionLayout が不正です")
		}
		p.DefaultCollectionLayout = *upd.DefaultCollectionLayout
	}

	if upd.ExpandedCollectionIDs != nil {
		expanded := make([]string, 0, len(upd.ExpandedCollectionIDs))
		seen := make(map[string]bool, len(upd.ExpandedCollectionIDs))
		for _, id := range upd.ExpandedCollectionIDs {
			if !valid[id] {
				return nil, model.NewCollectionNotFound(id)
			}
			if !seen[id] {
				seen[id] = true
				expanded = append(expanded, id)
			}
		}
		p.ExpandedCollectionIDs = expanded
	}

	p.UpdatedAt = s.now().UTC()
	if err := s.prefs.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetExpanded はコレクションの展開状態を切り替える。
// 存在確認から保存までツリー変更と同じロックを保持し、削除済みIDが残らないようにする。
func (s *Service) SetExpanded(ctx context.Context, userID, id string, expanded bool) (*model.Preferences, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	c, err := s.collections.FindByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, model.NewCollectionNotFound(id)
	}

	p, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, e := range p.ExpandedCollectionIDs {
		if e == id {
			idx = i
			break
		}
	}
	switch {
	case expanded && idx < 0:
		p.ExpandedCollectionIDs = append(p.ExpandedCollectionIDs, id)
	case !expanded && idx >= 0:
		p.ExpandedCollectionIDs = append(p.ExpandedCollectionIDs[:idx], p.ExpandedCollectionIDs[idx+1:]...)
	default:
		return p, nil
	}

	p.UpdatedAt = s.now().UTC()
	if err := s.prefs.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// prunePreferencesWithRetry はツリー変更のコミット後に設定を整理する。
// コミット済みの削除は取り消せないため、失敗しても pruneAttempts 回まで再試行し、最後はログに残す。
func (s *Service) prunePreferencesWithRetry(ctx context.Context, userID string, flat []model.FlatCollection) {
	var err error
	for attempt := 1; attempt <= pruneAttempts; attempt++ {
		if err = s.prunePreferences(ctx, userID, flat); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		s.logger.Warn("preferences prune failed",
			slog.String("user_id", userID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Error("preferences left with stale collection ids",
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
}

// prunePreferences は削除後のツリーに存在しないIDへの参照を設定から取り除く。
func (s *Service) prunePreferences(ctx context.Context, userID string, flat []model.FlatCollection) error {
	p, err := s.prefs.Get(ctx, userID)
	if err != nil || p == nil {
		return err
	}

	valid := make(map[string]bool, len(flat))
	for _, f := range flat {
		valid[f.ID] = true
	}
	if !p.Prune(valid) {
		return nil
	}

	p.UpdatedAt = s.now().UTC()
	if err := s.prefs.Save(ctx, p); err != nil {
		return err
	}
	s.logger.Debug("preferences pruned", slog.String("user_id", userID))
	return nil
}

func (s *Service) defaultLayout(ctx context.Context, userID string) model.CollectionLayout {
	p, err := s.prefs.Get(ctx, userID)
	if err != nil || p == nil || !p.DefaultCollectionLayout.Valid() {
		return model.LayoutList
	}
	return p.DefaultCollectionLayout
}

func (s *Service) collectionIDs(ctx context.Context, userID string) (map[string]bool, error) {
	flat, err := s.collections.GetFlatTree(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(flat))
	for _, f := range flat {
		ids[f.ID] = true
	}
	return ids, nil
}

func defaultPreferences(userID string) *model.Preferences {
	return &model.Preferences{
		UserID:                  userID,
		ExpandedCollectionIDs:   []string{},
		DefaultCollectionLayout: model.LayoutList,
	}
}
