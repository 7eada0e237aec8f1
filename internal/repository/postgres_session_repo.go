package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/feedtree/internal/model"
)

const sessionColumns = `id, user_id, expires_at, created_at`

// PostgresSessionRepo はsessionsテーブルを扱う。
// セッションの発行は外部の認証基盤か create-session コマンドが行い、APIは検証だけを行う。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

func (r *PostgresSessionRepo) Create(ctx context.Context, s *model.Session) error {
	const q = `INSERT INTO sessions (` + sessionColumns + `) VALUES ($1, $2, $3, $4)`
	if _, err := r.db.ExecContext(ctx, q, s.ID, s.UserID, s.ExpiresAt, s.CreatedAt); err != nil {
		return fmt.Errorf("insert session for user %s: %w", s.UserID, err)
	}
	return nil
}

// FindByID は有効なセッションを返す。存在しないか期限切れなら (nil, nil)。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 AND expires_at > now()`

	var s model.Session
	err := r.db.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &s, nil
}

func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired は now 時点で失効しているセッションを削除し、件数を返す。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

var _ SessionRepository = (*PostgresSessionRepo)(nil)
