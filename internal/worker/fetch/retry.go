package fetch

import (
	"errors"
	"net/http"
	"time"

	"github.com/hitoshi/feedtree/internal/model"
)

// StatusClass はHTTPステータスコードに基づくフェッチ結果の分類。
type StatusClass int

const (
	// StatusOK はフェッチ成功（2xx）。
	StatusOK StatusClass = iota
	// StatusNotModified はコンテンツ未変更（304）。
	StatusNotModified
	// StatusRetryable はリトライ可能なステータス（429/5xx）。
	StatusRetryable
	// StatusPermanent はリトライ不可のステータス（429以外の4xxなど）。
	StatusPermanent
)

const (
	// initialBackoff は指数バックオフの初回遅延（1分）。
	initialBackoff = 1 * time.Minute
	// maxBackoff は間隔が指定されない場合のバックオフ上限（12時間）。
	maxBackoff = 12 * time.Hour
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) StatusClass {
	switch {
	case statusCode == http.StatusNotModified:
		return StatusNotModified
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == http.StatusTooManyRequests:
		return StatusRetryable
	case statusCode >= 500:
		return StatusRetryable
	default:
		return StatusPermanent
	}
}

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回1分、2倍ずつ増加し、limit（0以下なら12時間）を上限とする。
func CalculateBackoff(attempt int, limit time.Duration) time.Duration {
	if limit <= 0 {
		limit = maxBackoff
	}
	delay := initialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// FailureKind はメトリクスやログに使用する失敗種別を返す。
func FailureKind(err error) string {
	var netErr *model.NetworkError
	var httpErr *model.HTTPError
	var parseErr *model.ParseError
	var storageErr *model.StorageError
	switch {
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &httpErr):
		return "http"
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &storageErr):
		return "storage"
	default:
		return "other"
	}
}

// ApplySuccess はリフレッシュ成功時のフィード状態を生成する。
// 連続エラー回数をリセットし、次回リフレッシュを interval 後に設定する。
// 304の場合も成功として扱い、キャッシュ検証子は新しい値があれば更新する。
func ApplySuccess(feed *model.DueFeed, res *FetchResult, interval time.Duration, now time.Time) model.FeedRefreshState {
	state := model.FeedRefreshState{
		FeedID:          feed.FeedID,
		ETag:            feed.ETag,
		LastModified:    feed.LastModified,
		Health:          model.FeedHealthOK,
		LastRefreshedAt: &now,
		NextRefreshAt:   now.Add(interval),
	}
	if res != nil {
		if res.ETag != "" {
			state.ETag = res.ETag
		}
		if res.LastModified != "" {
			state.LastModified = res.LastModified
		}
		state.Title = res.Title
	}
	return state
}

// ApplyFailure はリフレッシュ失敗時のフィード状態を生成する。
//
// リトライ可能なエラーは連続失敗回数をインクリメントし、指数バックオフで
// 次回リフレッシュを設定する。maxAttempts に達した場合、またはリトライ不可の
// エラーの場合は unhealthy とし、通常の interval 後まで再取得しない。
func ApplyFailure(feed *model.DueFeed, err error, interval time.Duration, maxAttempts int, now time.Time) model.FeedRefreshState {
	attempt := feed.Attempt + 1
	state := model.FeedRefreshState{
		FeedID:            feed.FeedID,
		ETag:              feed.ETag,
		LastModified:      feed.LastModified,
		ConsecutiveErrors: attempt,
		LastError:         err.Error(),
	}

	if model.IsRetryable(err) && attempt < maxAttempts {
		state.Health = model.FeedHealthRetrying
		state.NextRefreshAt = now.Add(CalculateBackoff(attempt, interval))
		return state
	}

	state.Health = model.FeedHealthUnhealthy
	state.NextRefreshAt = now.Add(interval)
	return state
}
