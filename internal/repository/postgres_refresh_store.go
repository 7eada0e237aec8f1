package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/feedtree/internal/model"
)

const (
	// dueLease はListDueFeedsで選択したフィードの次回リフレッシュ時刻を先送りする期間。
	// 処理中のプロセスが落ちた場合でも、この期間が過ぎれば再び選択される。
	dueLease = 10 * time.Minute
	// dueBatchLimit は1サイクルで選択するフィード数の上限。
	dueBatchLimit = 500
)

const dueFeedColumns = `c.id, c.user_id, c.url, c.etag, c.last_modified, c.refresh_interval,
	c.last_refreshed_at, c.consecutive_errors, c.parents`

// PostgresRefreshStore はフィードリフレッシュ用のPostgreSQLストア。
type PostgresRefreshStore struct {
	db *sql.DB
}

// NewPostgresRefreshStore はPostgresRefreshStoreを生成する。
func NewPostgresRefreshStore(db *sql.DB) *PostgresRefreshStore {
	return &PostgresRefreshStore{db: db}
}

// ListDueFeeds は next_refresh_at が未設定または now 以前のフィードを選択する。
// 選択と同時に next_refresh_at を now+dueLease に進めるため、複数のワーカーが
// 同じフィードを同時に取得することはない。
func (s *PostgresRefreshStore) ListDueFeeds(ctx context.Context, now time.Time) ([]model.DueFeed, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE collections c SET next_refresh_at = $2
		 FROM (
		     SELECT id FROM collections
		     WHERE url <> '' AND (next_refresh_at IS NULL OR next_refresh_at <= $1)
		     ORDER BY next_refresh_at ASC NULLS FIRST
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 ) due
		 WHERE c.id = due.id
		 RETURNING `+dueFeedColumns,
		now, now.Add(dueLease), dueBatchLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("リフレッシュ対象フィードの取得に失敗しました: %w", err)
	}
	return scanDueFeeds(rows)
}

// ListUserFeeds は手動リフレッシュの対象フィードを取得する。
func (s *PostgresRefreshStore) ListUserFeeds(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
	if targetID == "" || targetID == "all" {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+dueFeedColumns+` FROM collections c
			 WHERE c.user_id = $1 AND c.url <> ''
			 ORDER BY c.order_path`,
			userID,
		)
		if err != nil {
			return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
		}
		return scanDueFeeds(rows)
	}

	var url string
	err := s.db.QueryRowContext(ctx,
		`SELECT url FROM collections WHERE id = $1 AND user_id = $2`,
		targetID, userID,
	).Scan(&url)
	if err == sql.ErrNoRows {
		return nil, model.NewCollectionNotFound(targetID)
	}
	if err != nil {
		return nil, fmt.Errorf("コレクションの取得に失敗しました: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dueFeedColumns+` FROM collections c
		 WHERE c.user_id = $1 AND c.url <> '' AND (c.id = $2 OR $2 = ANY(c.parents))
		 ORDER BY c.order_path`,
		userID, targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	return scanDueFeeds(rows)
}

// GetItemsForFeed はフィードの保存済み記事を全件返す。
func (s *PostgresRefreshStore) GetItemsForFeed(ctx context.Context, feedID string) ([]model.CollectionItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns("i.")+` FROM items i WHERE i.collection_id = $1`,
		feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("フィードの記事取得に失敗しました: %w", err)
	}
	return scanItems(rows)
}

// UpsertItems は記事を1つのトランザクションで主キーにより冪等にUPSERTする。
// 既読日時は更新しない。
func (s *PostgresRefreshStore) UpsertItems(ctx context.Context, feedID string, batch model.UpsertBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO items (id, collection_id, external_id, title, link, summary, full_text, thumbnail_url,
		                    date_published, date_updated, date_read, categories, comments, reading_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		     title = EXCLUDED.title,
		     link = EXCLUDED.link,
		     summary = EXCLUDED.summary,
		     full_text = EXCLUDED.full_text,
		     thumbnail_url = EXCLUDED.thumbnail_url,
		     date_published = EXCLUDED.date_published,
		     date_updated = EXCLUDED.date_updated,
		     categories = EXCLUDED.categories,
		     comments = EXCLUDED.comments,
		     reading_time = EXCLUDED.reading_time,
		     updated_at = now()`,
	)
	if err != nil {
		return fmt.Errorf("記事UPSERTの準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, items := range [][]model.CollectionItem{batch.ToInsert, batch.ToUpdate} {
		for _, it := range items {
			if _, err := stmt.ExecContext(ctx,
				it.ID, feedID, it.ExternalID, it.Title, it.Link, it.Summary, it.FullText, it.ThumbnailURL,
				it.DatePublished, it.DateUpdated, it.DateRead, pq.Array(nonNil(it.Categories)), it.Comments, it.ReadingTime,
			); err != nil {
				return fmt.Errorf("記事のUPSERTに失敗しました (id=%s): %w", it.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateFeedRefreshState はリフレッシュ結果のフィード状態を保存する。
// タイトルはコレクションのタイトルが空の場合のみフィードのタイトルで埋める。
func (s *PostgresRefreshStore) UpdateFeedRefreshState(ctx context.Context, state model.FeedRefreshState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE collections SET
		    etag = $2,
		    last_modified = $3,
		    title = CASE WHEN title = '' AND $4::text <> '' THEN $4::text ELSE title END,
		    health = $5,
		    consecutive_errors = $6,
		    last_error = $7,
		    last_refreshed_at = COALESCE($8, last_refreshed_at),
		    next_refresh_at = $9,
		    updated_at = now()
		 WHERE id = $1`,
		state.FeedID,
		state.ETag,
		state.LastModified,
		state.Title,
		string(state.Health),
		state.ConsecutiveErrors,
		state.LastError,
		state.LastRefreshedAt,
		state.NextRefreshAt,
	)
	if err != nil {
		return fmt.Errorf("リフレッシュ状態の更新に失敗しました: %w", err)
	}
	return nil
}

// RecomputeUnreadCounts は指定コレクションの未読数を再集計して保存する。
// フォルダは parents に自身を含む配下フィードの未読記事を数える。
func (s *PostgresRefreshStore) RecomputeUnreadCounts(ctx context.Context, collectionIDs []string) (map[string]int, error) {
	return recomputeUnreadCounts(ctx, s.db, collectionIDs)
}

// GetFeedParents はリフレッシュ中に移動されたフィードの祖先を読み直すために使う。
func (s *PostgresRefreshStore) GetFeedParents(ctx context.Context, feedID string) ([]string, bool, error) {
	var parents []string
	err := s.db.QueryRowContext(ctx,
		`SELECT parents FROM collections WHERE id = $1`, feedID,
	).Scan(pq.Array(&parents))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("祖先の取得に失敗しました: %w", err)
	}
	return parents, true, nil
}

func recomputeUnreadCounts(ctx context.Context, q queryer, collectionIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(collectionIDs))
	if len(collectionIDs) == 0 {
		return counts, nil
	}

	rows, err := q.QueryContext(ctx,
		`UPDATE collections c SET
		    unread_count = (
		        SELECT count(*) FROM items i
		        JOIN collections f ON f.id = i.collection_id
		        WHERE i.date_read IS NULL AND (f.id = c.id OR c.id = ANY(f.parents))
		    ),
		    updated_at = now()
		 WHERE c.id = ANY($1)
		 RETURNING c.id, c.unread_count`,
		pq.Array(collectionIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("未読数の再集計に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("未読数の読み取りに失敗しました: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("未読数の走査に失敗しました: %w", err)
	}
	return counts, nil
}

func scanDueFeeds(rows *sql.Rows) ([]model.DueFeed, error) {
	defer rows.Close()

	var feeds []model.DueFeed
	for rows.Next() {
		var f model.DueFeed
		var lastRefreshedAt sql.NullTime
		if err := rows.Scan(
			&f.FeedID, &f.UserID, &f.URL, &f.ETag, &f.LastModified, &f.RefreshInterval,
			&lastRefreshedAt, &f.Attempt, pq.Array(&f.Parents),
		); err != nil {
			return nil, fmt.Errorf("フィード行の読み取りに失敗しました: %w", err)
		}
		f.LastRefreshedAt = timePtr(lastRefreshedAt)
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィード一覧の走査に失敗しました: %w", err)
	}
	return feeds, nil
}

// compile-time interface check
var _ RefreshStore = (*PostgresRefreshStore)(nil)
