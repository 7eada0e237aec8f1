// Package fetch はフィードのバックグラウンドリフレッシュ処理を提供する。
// コーディネーター、フェッチャー、リトライ/バックオフ戦略を含む。
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedtree/internal/item"
	"github.com/hitoshi/feedtree/internal/metrics"
	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/notify"
	"github.com/hitoshi/feedtree/internal/repository"
)

// RefreshAll は手動リフレッシュでユーザーの全フィードを対象にする指定。
const RefreshAll = "all"

// ErrStopped は停止済みのコーディネーターに要求した場合のエラー。
var ErrStopped = errors.New("refresh coordinator is stopped")

// FeedState はリフレッシュ中のフィードの状態。
type FeedState string

const (
	StateIdle       FeedState = "idle"
	StatePending    FeedState = "pending" // ワーカーの空き待ち
	StateFetching   FeedState = "fetching"
	StateMerging    FeedState = "merging"
	StatePersisting FeedState = "persisting"
	StateNotifying  FeedState = "notifying"
	StateFailed     FeedState = "failed"
)

// FeedFetcher はフィード取得のインターフェース。
type FeedFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// Notifier はイベント配信のインターフェース。
type Notifier interface {
	Publish(evt notify.Event)
}

// Config はコーディネーターの設定。
type Config struct {
	MaxConcurrent   int           // 同時にフェッチするフィード数の上限
	InlineRetries   int           // リトライ可能なエラーをその場で再試行する回数
	RetryDelay      time.Duration // 最初の再試行までの待ち時間（以降2倍）
	MaxAttempts     int           // unhealthy とするまでの連続失敗回数
	DefaultInterval time.Duration // リフレッシュ間隔が未設定のフィードに使う間隔
}

// Coordinator はフィードリフレッシュのスケジューリングと並列制御を行う。
//
// 定期実行と手動リフレッシュは同じセマフォを共有し、同時フェッチ数は
// MaxConcurrent を超えない。処理中のフィードへの再要求はスキップ（合流）される。
type Coordinator struct {
	store    repository.RefreshStore
	fetcher  FeedFetcher
	notifier Notifier
	metrics  metrics.MetricsCollector
	clock    Clock
	logger   *slog.Logger
	cfg      Config

	sem chan struct{}

	mu       sync.Mutex
	states   map[string]FeedState
	fetching int
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator はCoordinatorの新しいインスタンスを生成する。
// MaxConcurrentが0以下の場合はデフォルト値5を使用する。metricsCollector は nil でもよい。
func NewCoordinator(
	store repository.RefreshStore,
	fetcher FeedFetcher,
	notifier Notifier,
	metricsCollector metrics.MetricsCollector,
	clock Clock,
	logger *slog.Logger,
	cfg Config,
) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 60 * time.Minute
	}
	if metricsCollector == nil {
		metricsCollector = nopMetrics{}
	}
	if clock == nil {
		clock = SystemClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		metrics:  metricsCollector,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		states:   make(map[string]FeedState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start は interval 間隔のティッカーで定期リフレッシュを実行する。
// ctx がキャンセルされるか Stop が呼ばれるまで戻らない。
func (c *Coordinator) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("リフレッシュスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", c.cfg.MaxConcurrent),
	)

	// 起動直後に1回実行
	if err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("リフレッシュサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("リフレッシュスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("リフレッシュサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Stop は実行中の手動リフレッシュをキャンセルし、終了を待つ。
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// RunOnce はリフレッシュ時期を迎えたフィードを取得し、並列でリフレッシュする。
func (c *Coordinator) RunOnce(ctx context.Context) error {
	start := time.Now()

	feeds, err := c.store.ListDueFeeds(ctx, c.clock.Now())
	if err != nil {
		return &model.StorageError{Op: "list_due_feeds", Err: err}
	}

	if len(feeds) == 0 {
		c.logger.Debug("リフレッシュ対象のフィードはありません")
		return nil
	}

	c.logger.Info("リフレッシュサイクルを開始します",
		slog.Int("feed_count", len(feeds)),
	)

	err = c.runBatch(ctx, feeds)

	c.logger.Info("リフレッシュサイクルが完了しました",
		slog.Int("feed_count", len(feeds)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return err
}

// Refresh は userID の targetID（フィード、フォルダ、または RefreshAll）を同期的にリフレッシュする。
func (c *Coordinator) Refresh(ctx context.Context, userID, targetID string) error {
	feeds, err := c.store.ListUserFeeds(ctx, userID, targetID)
	if err != nil {
		return err
	}
	return c.runBatch(ctx, feeds)
}

// TriggerManualRefresh は手動リフレッシュを非同期に開始し、対象フィード数を返す。
// 対象の解決は同期的に行うため、存在しないIDは *model.NotFoundError になる。
// 既に処理中のフィードは重複して取得せず、進行中のリフレッシュに合流する。
func (c *Coordinator) TriggerManualRefresh(userID, targetID string) (int, error) {
	if targetID == "" {
		targetID = RefreshAll
	}

	feeds, err := c.store.ListUserFeeds(c.ctx, userID, targetID)
	if err != nil {
		return 0, err
	}
	if len(feeds) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, ErrStopped
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.runBatch(c.ctx, feeds); err != nil && c.ctx.Err() == nil {
			c.logger.Error("手動リフレッシュに失敗しました",
				slog.String("user_id", userID),
				slog.String("target", targetID),
				slog.String("error", err.Error()),
			)
		}
	}()

	c.logger.Info("手動リフレッシュを開始しました",
		slog.String("user_id", userID),
		slog.String("target", targetID),
		slog.Int("feed_count", len(feeds)),
	)

	return len(feeds), nil
}

// State はフィードの現在の状態を返す。
func (c *Coordinator) State(feedID string) FeedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[feedID]; ok {
		return s
	}
	return StateIdle
}

// FetchingCount は現在フェッチ中のフィード数を返す。
func (c *Coordinator) FetchingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetching
}

// runBatch はフィード群を確保し、セマフォで並列数を制御しながらリフレッシュする。
func (c *Coordinator) runBatch(ctx context.Context, feeds []model.DueFeed) error {
	claimed := make([]model.DueFeed, 0, len(feeds))
	for _, f := range feeds {
		if !c.claim(f.FeedID) {
			c.metrics.RecordRefreshSkipped()
			c.logger.Info("処理中のためリフレッシュをスキップしました",
				slog.String("feed_id", f.FeedID),
			)
			continue
		}
		claimed = append(claimed, f)
	}
	if len(claimed) == 0 {
		return nil
	}

	// フェッチ開始前にユーザーごとに進行中イベントを配信
	var users []string
	byUser := make(map[string][]string)
	for _, f := range claimed {
		if _, ok := byUser[f.UserID]; !ok {
			users = append(users, f.UserID)
		}
		byUser[f.UserID] = append(byUser[f.UserID], f.FeedID)
	}
	for _, userID := range users {
		c.notifier.Publish(notify.UpdatingFeeds(userID, byUser[userID]))
	}

	var wg sync.WaitGroup
	for i, f := range claimed {
		select {
		case c.sem <- struct{}{}: // semaphore取得
		case <-ctx.Done():
			for _, rest := range claimed[i:] {
				c.setState(rest.FeedID, StateIdle)
				c.notifier.Publish(notify.UpdatedFeeds(rest.UserID, []string{rest.FeedID}, nil, nil))
			}
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func(feed model.DueFeed) {
			defer wg.Done()
			defer func() { <-c.sem }() // semaphore解放
			c.refreshFeed(ctx, feed)
		}(f)
	}

	wg.Wait()
	return nil
}

// refreshFeed は1フィードのリフレッシュを実行する。
// 失敗はフィードの状態として記録し、呼び出し元には伝播しない。
func (c *Coordinator) refreshFeed(ctx context.Context, feed model.DueFeed) {
	defer c.setState(feed.FeedID, StateIdle)

	start := time.Now()
	interval := feed.Interval()
	if interval <= 0 {
		interval = c.cfg.DefaultInterval
	}

	c.setState(feed.FeedID, StateFetching)
	res, err := c.fetchWithRetry(ctx, feed)
	c.metrics.RecordFetchLatency(time.Since(start))
	if res != nil {
		c.metrics.RecordHTTPStatus(res.StatusCode)
	}
	if err != nil {
		c.fail(ctx, feed, interval, err)
		return
	}

	if res.Unchanged {
		c.setState(feed.FeedID, StatePersisting)
		if err := c.store.UpdateFeedRefreshState(ctx, ApplySuccess(&feed, res, interval, c.clock.Now())); err != nil {
			c.fail(ctx, feed, interval, &model.StorageError{Op: "update_refresh_state", Err: err})
			return
		}
		c.setState(feed.FeedID, StateNotifying)
		c.notifier.Publish(notify.UpdatedFeeds(feed.UserID, []string{feed.FeedID}, nil, nil))
		c.metrics.RecordRefreshSuccess(feed.FeedID)
		return
	}

	c.setState(feed.FeedID, StateMerging)
	existing, err := c.store.GetItemsForFeed(ctx, feed.FeedID)
	if err != nil {
		c.fail(ctx, feed, interval, &model.StorageError{Op: "get_items", Err: err})
		return
	}
	batch := item.Merge(existing, res.Items, feed.FeedID, c.clock.Now())

	c.setState(feed.FeedID, StatePersisting)
	if !batch.Empty() {
		if err := c.store.UpsertItems(ctx, feed.FeedID, batch); err != nil {
			c.fail(ctx, feed, interval, &model.StorageError{Op: "upsert_items", Err: err})
			return
		}
	}
	c.metrics.RecordItemsUpserted(len(batch.ToInsert), len(batch.ToUpdate))

	if err := c.store.UpdateFeedRefreshState(ctx, ApplySuccess(&feed, res, interval, c.clock.Now())); err != nil {
		c.fail(ctx, feed, interval, &model.StorageError{Op: "update_refresh_state", Err: err})
		return
	}

	c.setState(feed.FeedID, StateNotifying)
	parents, found, err := c.store.GetFeedParents(ctx, feed.FeedID)
	switch {
	case err != nil:
		c.logger.Warn("祖先の再取得に失敗したため取得開始時の祖先を使います",
			slog.String("feed_id", feed.FeedID),
			slog.String("error", err.Error()),
		)
		parents = feed.Parents
	case !found:
		// リフレッシュ中に削除された。祖先の未読数は削除側で再集計済み。
		c.notifier.Publish(notify.UpdatedFeeds(feed.UserID, []string{feed.FeedID}, nil, nil))
		c.metrics.RecordRefreshSuccess(feed.FeedID)
		return
	}
	affected := append(append([]string{}, parents...), feed.FeedID)
	counts, err := c.store.RecomputeUnreadCounts(ctx, affected)
	if err != nil {
		c.logger.Error("未読数の再集計に失敗しました",
			slog.String("feed_id", feed.FeedID),
			slog.String("error", err.Error()),
		)
		counts = nil
	}
	c.notifier.Publish(notify.UpdatedFeeds(feed.UserID, []string{feed.FeedID}, affected, counts))
	c.metrics.RecordRefreshSuccess(feed.FeedID)

	c.logger.Info("フィードのリフレッシュが完了しました",
		slog.String("feed_id", feed.FeedID),
		slog.Int("items_inserted", len(batch.ToInsert)),
		slog.Int("items_updated", len(batch.ToUpdate)),
		slog.Int("items_total", len(res.Items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

// fetchWithRetry はリトライ可能なエラーに対して InlineRetries 回まで再試行する。
// 待ち時間は RetryDelay から2倍ずつ増加する。
func (c *Coordinator) fetchWithRetry(ctx context.Context, feed model.DueFeed) (*FetchResult, error) {
	req := FetchRequest{
		FeedID:       feed.FeedID,
		URL:          feed.URL,
		ETag:         feed.ETag,
		LastModified: feed.LastModified,
	}

	delay := c.cfg.RetryDelay
	for retry := 0; ; retry++ {
		res, err := c.fetcher.Fetch(ctx, req)
		if err == nil || !model.IsRetryable(err) || retry >= c.cfg.InlineRetries {
			return res, err
		}

		c.logger.Warn("フェッチを再試行します",
			slog.String("feed_id", feed.FeedID),
			slog.Int("retry", retry+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, err
			case <-timer.C:
			}
			delay *= 2
		}
	}
}

// fail はリフレッシュ失敗を記録し、クライアントの進行中表示を解除するイベントを配信する。
// ストレージエラーはフィードの健全性に反映せず、次回のサイクルで再試行する。
func (c *Coordinator) fail(ctx context.Context, feed model.DueFeed, interval time.Duration, err error) {
	c.setState(feed.FeedID, StateFailed)
	defer c.notifier.Publish(notify.UpdatedFeeds(feed.UserID, []string{feed.FeedID}, nil, nil))

	if ctx.Err() != nil {
		c.logger.Info("リフレッシュが中断されました",
			slog.String("feed_id", feed.FeedID),
			slog.String("error", err.Error()),
		)
		return
	}

	kind := FailureKind(err)
	c.metrics.RecordRefreshFailure(feed.FeedID, kind)

	var httpErr *model.HTTPError
	if errors.As(err, &httpErr) {
		c.metrics.RecordHTTPStatus(httpErr.Status)
	}

	var storageErr *model.StorageError
	if errors.As(err, &storageErr) {
		c.logger.Error("リフレッシュ中にストレージエラーが発生しました",
			slog.String("feed_id", feed.FeedID),
			slog.String("op", storageErr.Op),
			slog.String("error", err.Error()),
		)
		return
	}

	state := ApplyFailure(&feed, err, interval, c.cfg.MaxAttempts, c.clock.Now())
	if updateErr := c.store.UpdateFeedRefreshState(ctx, state); updateErr != nil {
		c.logger.Error("フィード状態の更新に失敗しました",
			slog.String("feed_id", feed.FeedID),
			slog.String("error", updateErr.Error()),
		)
	}

	c.logger.Warn("フィードのリフレッシュに失敗しました",
		slog.String("feed_id", feed.FeedID),
		slog.String("feed_url", feed.URL),
		slog.String("kind", kind),
		slog.String("health", string(state.Health)),
		slog.Int("consecutive_errors", state.ConsecutiveErrors),
		slog.Time("next_refresh_at", state.NextRefreshAt),
		slog.String("error", err.Error()),
	)
}

// claim はフィードが処理中でなければ確保する。
func (c *Coordinator) claim(feedID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.states[feedID]; busy {
		return false
	}
	c.states[feedID] = StatePending
	return true
}

func (c *Coordinator) setState(feedID string, s FeedState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.states[feedID] == StateFetching {
		c.fetching--
	}
	if s == StateFetching {
		c.fetching++
	}
	if s == StateIdle {
		delete(c.states, feedID)
	} else {
		c.states[feedID] = s
	}
	c.metrics.SetRefreshInFlight(c.fetching)
}

// nopMetrics はメトリクス収集を行わない実装。
type nopMetrics struct{}

func (nopMetrics) RecordRefreshSuccess(string) {}
func (nopMetrics) RecordRefreshFailure(string, string) {}
func (nopMetrics) RecordHTTPStatus(int) {}
func (nopMetrics) RecordFetchLatency(time.Duration) {}
func (nopMetrics) RecordItemsUpserted(int, int) {}
func (nopMetrics) RecordRefreshSkipped() {}
func (nopMetrics) SetRefreshInFlight(int) {}
func (nopMetrics) RecordEventDropped(string) {}
func (nopMetrics) SetEventSubscribers(int) {}
