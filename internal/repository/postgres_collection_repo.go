package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/tree"
)

// queryer は *sql.DB と *sql.Tx の共通部分。
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const collectionColumns = `id, user_id, title, icon, url, layout, refresh_interval, unread_count,
	parent_id, parents, children, sort_order, order_path, level, is_last_child,
	health, consecutive_errors, last_error, last_refreshed_at, next_refresh_at`

// PostgresCollectionRepo はPostgreSQLを使用したコレクションツリーリポジトリ。
type PostgresCollectionRepo struct {
	db *sql.DB
}

// NewPostgresCollectionRepo はPostgresCollectionRepoを生成する。
func NewPostgresCollectionRepo(db *sql.DB) *PostgresCollectionRepo {
	return &PostgresCollectionRepo{db: db}
}

// GetFlatTree はユーザーのコレクションツリーをorderPath順で返す。
func (r *PostgresCollectionRepo) GetFlatTree(ctx context.Context, userID string) ([]model.FlatCollection, error) {
	return loadFlatTree(ctx, r.db, userID)
}

// FindByID は指定IDのコレクションを取得する。見つからない場合はnilを返す。
func (r *PostgresCollectionRepo) FindByID(ctx context.Context, userID, id string) (*model.FlatCollection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	f, err := scanFlatCollection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("コレクションの取得に失敗しました: %w", err)
	}
	return &f, nil
}

// EnsureRoot はユーザーのルートコレクション（Home）が存在しなければ作成する。
func (r *PostgresCollectionRepo) EnsureRoot(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO collections (id, user_id, title, layout, is_last_child)
		 VALUES ($1, $2, $3, $4, TRUE)
		 ON CONFLICT (user_id) WHERE parent_id IS NULL DO NOTHING`,
		uuid.New().String(), userID, model.HomeCollectionTitle, string(model.LayoutList),
	)
	if err != nil {
		return fmt.Errorf("ルートコレクションの作成に失敗しました: %w", err)
	}
	return nil
}

// MutateTree はユーザー単位のアドバイザリロックを取得したトランザクション内で
// ツリーを変更する。書き込むのは追加されたノード、派生フィールドが変化したノード、
// 取り除かれたノードのみで、部分的に書き込まれた状態がコミットされることはない。
func (r *PostgresCollectionRepo) MutateTree(ctx context.Context, userID string, mutate TreeMutation) ([]model.FlatCollection, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return nil, fmt.Errorf("ツリーのロック取得に失敗しました: %w", err)
	}

	before, err := loadFlatTree(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	after, err := mutate(before)
	if err != nil {
		return nil, err
	}

	if err := writeTreeDiff(ctx, tx, userID, before, after); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return after, nil
}

// ApplyReorder は movedID を newParentID の newIndex 番目へ移動する。
func (r *PostgresCollectionRepo) ApplyReorder(ctx context.Context, userID, movedID, newParentID string, newIndex int) ([]model.FlatCollection, error) {
	return r.MutateTree(ctx, userID, func(flat []model.FlatCollection) ([]model.FlatCollection, error) {
		return tree.Reorder(flat, movedID, newParentID, newIndex)
	})
}

// UpdateIcon はコレクションのアイコンを更新する。
func (r *PostgresCollectionRepo) UpdateIcon(ctx context.Context, userID, id, icon string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE collections SET icon = $3, updated_at = now() WHERE id = $1 AND user_id = $2`,
		id, userID, icon,
	)
	if err != nil {
		return fmt.Errorf("アイコンの更新に失敗しました: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.NewCollectionNotFound(id)
	}
	return nil
}

func loadFlatTree(ctx context.Context, q queryer, userID string) ([]model.FlatCollection, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+collectionColumns+`
		 FROM collections
		 WHERE user_id = $1
		 ORDER BY order_path ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("コレクションツリーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	flat := []model.FlatCollection{}
	for rows.Next() {
		f, err := scanFlatCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("コレクション行の読み取りに失敗しました: %w", err)
		}
		flat = append(flat, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("コレクションツリーの走査に失敗しました: %w", err)
	}
	return flat, nil
}

func writeTreeDiff(ctx context.Context, tx *sql.Tx, userID string, before, after []model.FlatCollection) error {
	existing := make(map[string]bool, len(before))
	for _, f := range before {
		existing[f.ID] = true
	}
	kept := make(map[string]bool, len(after))
	for _, f := range after {
		kept[f.ID] = true
	}

	var removed []string
	for _, f := range before {
		if !kept[f.ID] {
			removed = append(removed, f.ID)
		}
	}
	if len(removed) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM collections WHERE user_id = $1 AND id = ANY($2)`,
			userID, pq.Array(removed),
		); err != nil {
			return fmt.Errorf("コレクションの削除に失敗しました: %w", err)
		}
	}

	for _, f := range tree.Changed(before, after) {
		if existing[f.ID] {
			if err := updateDerived(ctx, tx, userID, f); err != nil {
				return err
			}
			continue
		}
		if err := insertCollection(ctx, tx, userID, f); err != nil {
			return err
		}
	}
	return nil
}

func insertCollection(ctx context.Context, tx *sql.Tx, userID string, f model.FlatCollection) error {
	layout := f.Layout
	if !layout.Valid() {
		layout = model.LayoutList
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO collections (id, user_id, title, icon, url, layout, refresh_interval, unread_count,
		                          parent_id, parents, children, sort_order, order_path, level, is_last_child)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		f.ID, userID, f.Title, f.Icon, f.URL, string(layout), f.RefreshInterval, f.UnreadCount,
		nullString(f.ParentIDValue()), pq.Array(nonNil(f.Parents)), pq.Array(nonNil(f.Children)),
		f.Order, pq.Array(toInt64s(f.OrderPath)), f.Level, f.IsLastChild,
	)
	if err != nil {
		return fmt.Errorf("コレクションの作成に失敗しました: %w", err)
	}
	return nil
}

func updateDerived(ctx context.Context, tx *sql.Tx, userID string, f model.FlatCollection) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE collections SET
		    parent_id = $3, parents = $4, children = $5, sort_order = $6,
		    order_path = $7, level = $8, is_last_child = $9, updated_at = now()
		 WHERE id = $1 AND user_id = $2`,
		f.ID, userID,
		nullString(f.ParentIDValue()), pq.Array(nonNil(f.Parents)), pq.Array(nonNil(f.Children)),
		f.Order, pq.Array(toInt64s(f.OrderPath)), f.Level, f.IsLastChild,
	)
	if err != nil {
		return fmt.Errorf("コレクションの更新に失敗しました: %w", err)
	}
	return nil
}

func scanFlatCollection(s rowScanner) (model.FlatCollection, error) {
	var f model.FlatCollection
	var layout, health string
	var parentID sql.NullString
	var orderPath pq.Int64Array
	var lastRefreshedAt, nextRefreshAt sql.NullTime

	err := s.Scan(
		&f.ID, &f.UserID, &f.Title, &f.Icon, &f.URL, &layout, &f.RefreshInterval, &f.UnreadCount,
		&parentID, pq.Array(&f.Parents), pq.Array(&f.Children), &f.Order, &orderPath, &f.Level, &f.IsLastChild,
		&health, &f.ConsecutiveErrors, &f.LastError, &lastRefreshedAt, &nextRefreshAt,
	)
	if err != nil {
		return model.FlatCollection{}, err
	}

	f.Layout = model.CollectionLayout(layout)
	f.OrderPath = fromInt64s(orderPath)
	if parentID.Valid {
		f.ParentID = &parentID.String
	}
	if f.IsFeed() {
		f.Health = model.FeedHealth(health)
		f.LastRefreshedAt = timePtr(lastRefreshedAt)
		f.NextRefreshAt = timePtr(nextRefreshAt)
	} else {
		f.ConsecutiveErrors = 0
		f.LastError = ""
	}
	return f, nil
}

// nullString は空文字列をNULLとして扱う。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// nonNil はNULLではなく空配列として保存するためにnilを空スライスに変換する。
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func toInt64s(s []int) []int64 {
	out := make([]int64, len(s))
	for i, v := range s {
		out[i] = int64(v)
	}
	return out
}

func fromInt64s(s []int64) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}

// compile-time interface check
var _ CollectionRepository = (*PostgresCollectionRepo)(nil)
