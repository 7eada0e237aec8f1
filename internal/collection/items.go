package collection

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/notify"
)

const (
	// DefaultItemLimit は記事一覧のデフォルト取得件数。
	DefaultItemLimit = 50
	// MaxItemLimit は記事一覧の最大取得件数。
	MaxItemLimit = 200
)

var errMalformedCursor = errors.New("malformed cursor")

// ItemPage は記事一覧の1ページ分。NextCursor が空なら最終ページ。
type ItemPage struct {
	Items      []model.CollectionItem `json:"items"`
	NextCursor string                 `json:"nextCursor,omitempty"`
}

// ListItemsParams は記事一覧の取得条件。
type ListItemsParams struct {
	CollectionID string
	UnreadOnly   bool
	Cursor       string
	Limit        int
}

// ListItems はコレクションの記事を新しい順に返す。フォルダは配下の全フィードの記事を含む。
func (s *Service) ListItems(ctx context.Context, userID string, params ListItemsParams) (*ItemPage, error) {
	c, err := s.collections.FindByID(ctx, userID, params.CollectionID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, model.NewCollectionNotFound(params.CollectionID)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = DefaultItemLimit
	}
	if limit > MaxItemLimit {
		limit = MaxItemLimit
	}

	var cursor *model.ItemCursor
	if params.Cursor != "" {
		cursor, err = DecodeCursor(params.Cursor)
		if err != nil {
			return nil, model.NewInvalidRequestError("cursor が不正です")
		}
	}

	items, err := s.items.ListByCollection(ctx, userID, params.CollectionID, params.UnreadOnly, cursor, limit+1)
	if err != nil {
		return nil, err
	}

	page := &ItemPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = EncodeCursor(model.ItemCursor{DatePublished: last.DatePublished, ID: last.ID})
	}
	return page, nil
}

// MarkRead は記事の既読状態を更新し、フィードとその祖先の未読数を再集計する。
// 更新は UpdatedFeeds イベントとして同じユーザーの他の端末に配信される。
func (s *Service) MarkRead(ctx context.Context, userID, itemID string, read bool) (*model.CollectionItem, error) {
	it, err := s.items.SetRead(ctx, userID, itemID, read, s.now().UTC())
	if err != nil {
		return nil, err
	}

	f, err := s.collections.FindByID(ctx, userID, it.CollectionID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return it, nil
	}

	affected := append(append([]string{}, f.Parents...), f.ID)
	counts, err := s.counts.RecomputeUnreadCounts(ctx, affected)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.Publish(notify.UpdatedFeeds(userID, []string{f.ID}, affected, counts))
	}
	return it, nil
}

// EncodeCursor はページネーション位置を不透明な文字列にエンコードする。
func EncodeCursor(c model.ItemCursor) string {
	raw := c.DatePublished.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor は EncodeCursor で生成した文字列を復元する。
func DecodeCursor(s string) (*model.ItemCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, errMalformedCursor
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, err
	}
	return &model.ItemCursor{DatePublished: t, ID: id}, nil
}
