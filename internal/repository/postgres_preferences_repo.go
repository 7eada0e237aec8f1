package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/feedtree/internal/model"
)

// PostgresPreferencesRepo はPostgreSQLを使用したユーザー設定リポジトリ。
type PostgresPreferencesRepo struct {
	db *sql.DB
}

// NewPostgresPreferencesRepo はPostgresPreferencesRepoを生成する。
func NewPostgresPreferencesRepo(db *sql.DB) *PostgresPreferencesRepo {
	return &PostgresPreferencesRepo{db: db}
}

// Get はユーザー設定を取得する。未保存の場合はnilを返す。
func (r *PostgresPreferencesRepo) Get(ctx context.Context, userID string) (*model.Preferences, error) {
	prefs := &model.Preferences{UserID: userID}
	var active sql.NullString
	var layout string
	err := r.db.QueryRowContext(ctx,
		`SELECT expanded_collection_ids, active_collection_id, default_collection_layout, updated_at
		 FROM preferences
		 WHERE user_id = $1`,
		userID,
	).Scan(pq.Array(&prefs.ExpandedCollectionIDs), &active, &layout, &prefs.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザー設定の取得に失敗しました: %w", err)
	}

	if active.Valid {
		prefs.ActiveCollectionID = &active.String
	}
	prefs.DefaultCollectionLayout = model.CollectionLayout(layout)
	if prefs.ExpandedCollectionIDs == nil {
		prefs.ExpandedCollectionIDs = []string{}
	}
	return prefs, nil
}

// Save はユーザー設定をUPSERTする。
func (r *PostgresPreferencesRepo) Save(ctx context.Context, prefs *model.Preferences) error {
	var active sql.NullString
	if prefs.ActiveCollectionID != nil {
		active = sql.NullString{String: *prefs.ActiveCollectionID, Valid: true}
	}
	layout := prefs.DefaultCollectionLayout
	if !layout.Valid() {
		layout = model.LayoutList
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO preferences (user_id, expanded_collection_ids, active_collection_id, default_collection_layout, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		     expanded_collection_ids = EXCLUDED.expanded_collection_ids,
		     active_collection_id = EXCLUDED.active_collection_id,
		     default_collection_layout = EXCLUDED.default_collection_layout,
		     updated_at = now()`,
		prefs.UserID, pq.Array(nonNil(prefs.ExpandedCollectionIDs)), active, string(layout),
	)
	if err != nil {
		return fmt.Errorf("ユーザー設定の保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PreferencesRepository = (*PostgresPreferencesRepo)(nil)
