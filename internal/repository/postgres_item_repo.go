package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/feedtree/internal/model"
)

var itemColumnNames = []string{
	"id", "collection_id", "external_id", "title", "link", "summary", "full_text", "thumbnail_url",
	"date_published", "date_updated", "date_read", "categories", "comments", "reading_time",
}

// itemColumns はテーブル別名 prefix を付けた記事のカラム一覧を返す。
func itemColumns(prefix string) string {
	cols := make([]string, len(itemColumnNames))
	for i, c := range itemColumnNames {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

// PostgresItemRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresItemRepo struct {
	db *sql.DB
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{db: db}
}

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByID(ctx context.Context, userID, itemID string) (*model.CollectionItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns("i.")+`
		 FROM items i
		 JOIN collections c ON c.id = i.collection_id
		 WHERE i.id = $1 AND c.user_id = $2`,
		itemID, userID,
	)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return &it, nil
}

// ListByCollection はコレクションの記事一覧を公開日時の降順で取得する。
// 同じ公開日時の記事はID降順で並べ、(公開日時, ID) をカーソルとして使用する。
func (r *PostgresItemRepo) ListByCollection(
	ctx context.Context,
	userID, collectionID string,
	unreadOnly bool,
	cursor *model.ItemCursor,
	limit int,
) ([]model.CollectionItem, error) {
	query := `
		SELECT ` + itemColumns("i.") + `
		FROM items i
		JOIN collections c ON c.id = i.collection_id
		WHERE c.user_id = $1 AND (c.id = $2 OR $2 = ANY(c.parents))`

	args := []any{userID, collectionID}
	argIndex := 3

	if unreadOnly {
		query += " AND i.date_read IS NULL"
	}
	if cursor != nil {
		query += fmt.Sprintf(" AND (i.date_published, i.id) < ($%d, $%d)", argIndex, argIndex+1)
		args = append(args, cursor.DatePublished, cursor.ID)
		argIndex += 2
	}

	query += fmt.Sprintf(" ORDER BY i.date_published DESC, i.id DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	return scanItems(rows)
}

// SetRead は記事の既読状態を更新する。既読の記事を再度既読にしても既読日時は変わらない。
// 記事が存在しない場合は *model.NotFoundError を返す。
func (r *PostgresItemRepo) SetRead(ctx context.Context, userID, itemID string, read bool, at time.Time) (*model.CollectionItem, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE items i SET
		    date_read = CASE WHEN $3 THEN COALESCE(i.date_read, $4) ELSE NULL END,
		    updated_at = now()
		 FROM collections c
		 WHERE i.id = $1 AND c.id = i.collection_id AND c.user_id = $2
		 RETURNING `+itemColumns("i."),
		itemID, userID, read, at,
	)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, model.NewItemNotFound(itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("既読状態の更新に失敗しました: %w", err)
	}
	return &it, nil
}

// DeleteReadBefore は before より前に既読になった記事を削除し、削除件数を返す。
func (r *PostgresItemRepo) DeleteReadBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM items WHERE date_read IS NOT NULL AND date_read < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("既読記事の削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func scanItem(s rowScanner) (model.CollectionItem, error) {
	var it model.CollectionItem
	var dateRead sql.NullTime
	err := s.Scan(
		&it.ID, &it.CollectionID, &it.ExternalID, &it.Title, &it.Link, &it.Summary, &it.FullText, &it.ThumbnailURL,
		&it.DatePublished, &it.DateUpdated, &dateRead, pq.Array(&it.Categories), &it.Comments, &it.ReadingTime,
	)
	if err != nil {
		return model.CollectionItem{}, err
	}
	it.DatePublished = it.DatePublished.UTC()
	it.DateUpdated = it.DateUpdated.UTC()
	it.DateRead = timePtr(dateRead)
	return it, nil
}

func scanItems(rows *sql.Rows) ([]model.CollectionItem, error) {
	defer rows.Close()

	items := []model.CollectionItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("記事行の読み取りに失敗しました: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}
	return items, nil
}

// compile-time interface check
var _ ItemRepository = (*PostgresItemRepo)(nil)
