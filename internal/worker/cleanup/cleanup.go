// Package cleanup は既読記事と期限切れセッションの定期削除ジョブを提供する。
// 未読記事は削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は既読記事の保持日数のデフォルト値。
const DefaultRetentionDays = 180

// ItemPruner は既読記事の削除を抽象化する。
type ItemPruner interface {
	DeleteReadBefore(ctx context.Context, before time.Time) (int64, error)
}

// SessionPruner は期限切れセッションの削除を抽象化する。
type SessionPruner interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した既読記事と期限切れセッションを削除するジョブ。
// 何度実行しても結果は変わらない。
type CleanupJob struct {
	items         ItemPruner
	sessions      SessionPruner
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int
}

// NewCleanupJob は新しいCleanupJobを生成する。sessions はnilでもよい。
func NewCleanupJob(items ItemPruner, sessions SessionPruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		items:         items,
		sessions:      sessions,
		logger:        logger,
		now:           time.Now,
		RetentionDays: DefaultRetentionDays,
	}
}

// Run は RetentionDays 日より前に既読になった記事と期限切れセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now()
	cutoff := now.AddDate(0, 0, -j.RetentionDays)

	deletedItems, err := j.items.DeleteReadBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("既読記事のクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("既読記事のクリーンアップに失敗: %w", err)
	}

	var deletedSessions int64
	if j.sessions != nil {
		deletedSessions, err = j.sessions.DeleteExpired(ctx, now)
		if err != nil {
			j.logger.Error("期限切れセッションの削除に失敗しました",
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
		}
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_items", deletedItems),
		slog.Int64("deleted_sessions", deletedSessions),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、その後 interval ごとにRunを実行する。
// ctx がキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := j.Run(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn("クリーンアップジョブは次回に再試行します", slog.Duration("interval", interval))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
