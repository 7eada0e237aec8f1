package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/feedtree/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	RefreshRate     rate.Limit    // 手動リフレッシュのレート（req/sec）
	RefreshBurst    int           // 手動リフレッシュのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、手動リフレッシュ 6 req/min/user。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120, 6)
}

// NewRateLimiterConfig は1分あたりのリクエスト数からレート制限設定を生成する。
// バーストサイズは1分あたりの上限と同じ。
func NewRateLimiterConfig(generalPerMin, refreshPerMin int) RateLimiterConfig {
	if generalPerMin <= 0 {
		generalPerMin = 120
	}
	if refreshPerMin <= 0 {
		refreshPerMin = 6
	}
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		RefreshRate:     rate.Limit(float64(refreshPerMin) / 60.0),
		RefreshBurst:    refreshPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// userLimiter はユーザーごとのレートリミッターとアクセス時刻を保持する。
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はユーザーIDごとのリミッターの集合。
type limiterSet struct {
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	limiters map[string]*userLimiter
}

func newLimiterSet(r rate.Limit, burst int) *limiterSet {
	return &limiterSet{rate: r, burst: burst, limiters: make(map[string]*userLimiter)}
}

// get はユーザーのリミッターを取得または作成し、アクセス時刻を更新する。
func (s *limiterSet) get(userID string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	ul, ok := s.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.limiters[userID] = ul
	}
	ul.lastAccess = now
	return ul.limiter
}

// evict は最終アクセスが ttl より古いエントリを削除する。
func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, ul := range s.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(s.limiters, userID)
		}
	}
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// RateLimiter はユーザーごとのレート制限を管理する。
// API全般と手動リフレッシュの2種類の制限は独立に動作する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	refresh *limiterSet
	stopCh  chan struct{}
	once    sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet(config.GeneralRate, config.GeneralBurst),
		refresh: newLimiterSet(config.RefreshRate, config.RefreshBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, "general")
}

// RefreshMiddleware は手動リフレッシュ専用のレート制限ミドルウェアを返す。
func (rl *RateLimiter) RefreshMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.refresh, "refresh")
}

func (rl *RateLimiter) middleware(set *limiterSet, limitType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteUnauthorized(w)
				return
			}

			if !set.get(userID, time.Now()).Allow() {
				writeRateLimitResponse(w, set.rate)
				slog.Warn("rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", limitType),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は管理中のAPI全般リミッターの数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// RefreshLimiterCount は管理中の手動リフレッシュリミッターの数を返す。
func (rl *RateLimiter) RefreshLimiterCount() int {
	return rl.refresh.len()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.evict(now, ttl)
	rl.refresh.evict(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーには1トークンが補充されるまでの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = max(int(math.Ceil(1.0/float64(r))), 1)
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-After の秒数だけ待ってから再度お試しください。",
	})
}
