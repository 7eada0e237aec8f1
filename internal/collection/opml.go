package collection

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/opml"
	"github.com/hitoshi/feedtree/internal/tree"
)

const exportTitle = "feedtree subscriptions"

// ImportResult はOPMLインポートの結果。
type ImportResult struct {
	Feeds   int `json:"feeds"`
	Folders int `json:"folders"`
	Skipped int `json:"skipped"` // 登録済みURLのため取り込まなかったフィード数
}

// ImportOPML はOPMLのフォルダとフィードをHome直下に追加する。
// ツリーへの書き込みは1回で、登録済みのURLは取り込まない。
// 追加したフィードは続けてリフレッシュされる。
func (s *Service) ImportOPML(ctx context.Context, userID string, r io.Reader) (*ImportResult, error) {
	doc, err := opml.Parse(r)
	if err != nil {
		return nil, model.NewInvalidOPMLError(err.Error())
	}

	if err := s.collections.EnsureRoot(ctx, userID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	result := &ImportResult{}
	_, err = s.collections.MutateTree(ctx, userID, func(flat []model.FlatCollection) ([]model.FlatCollection, error) {
		*result = ImportResult{}
		root, err := tree.Inflate(flat)
		if err != nil {
			return nil, err
		}

		seen := make(map[string]bool)
		for _, f := range tree.Feeds(flat) {
			seen[f.URL] = true
		}
		layout := s.defaultLayout(ctx, userID)

		outlines := dedupeOutlines(doc.Body.Outlines, seen, &result.Skipped)
		nodes := opml.ToNodes(outlines, func(o opml.Outline) model.Collection {
			c := model.Collection{ID: s.newID(), UserID: userID, Title: o.Name(), Layout: layout}
			if o.IsFeed() {
				c.URL = strings.TrimSpace(o.XMLURL)
				c.RefreshInterval = s.cfg.DefaultRefreshInterval
				if c.Title == "" {
					c.Title = c.URL
				}
			}
			return c
		})
		result.Feeds, result.Folders = opml.CountFeeds(nodes)

		root.Children = append(root.Children, nodes...)
		return tree.Flatten(root), nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("opml imported",
		slog.String("user_id", userID),
		slog.Int("feeds", result.Feeds),
		slog.Int("folders", result.Folders),
		slog.Int("skipped", result.Skipped),
	)

	if result.Feeds > 0 && s.refresher != nil {
		if _, err := s.refresher.TriggerManualRefresh(userID, "all"); err != nil {
			s.logger.Warn("refresh after import could not be started", slog.String("error", err.Error()))
		}
	}
	return result, nil
}

// ExportOPML はユーザーのツリーをOPMLとして w に書き出す。
func (s *Service) ExportOPML(ctx context.Context, userID string, w io.Writer) error {
	flat, err := s.collections.GetFlatTree(ctx, userID)
	if err != nil {
		return err
	}
	root := &tree.Node{}
	if len(flat) > 0 {
		if root, err = tree.Inflate(flat); err != nil {
			return err
		}
	}
	return opml.Write(w, opml.FromTree(root, exportTitle, s.now()))
}

// dedupeOutlines は seen に含まれるURLのフィードを取り除いたアウトラインを返す。
// 同じ文書内で重複するURLは最初の1件だけを残す。
func dedupeOutlines(outlines []opml.Outline, seen map[string]bool, skipped *int) []opml.Outline {
	kept := make([]opml.Outline, 0, len(outlines))
	for _, o := range outlines {
		if o.IsFeed() {
			url := strings.TrimSpace(o.XMLURL)
			if seen[url] {
				*skipped++
				continue
			}
			seen[url] = true
			kept = append(kept, o)
			continue
		}
		o.Outlines = dedupeOutlines(o.Outlines, seen, skipped)
		kept = append(kept, o)
	}
	return kept
}
