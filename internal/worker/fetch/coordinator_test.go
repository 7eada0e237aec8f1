package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/notify"
)

// mockStore はRefreshStoreのテスト用モック。呼び出し内容を記録する。
type mockStore struct {
	listDueFeedsFunc  func(ctx context.Context, now time.Time) ([]model.DueFeed, error)
	listUserFeedsFunc func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error)
	getItemsFunc      func(ctx context.Context, feedID string) ([]model.CollectionItem, error)
	upsertItemsFunc   func(ctx context.Context, feedID string, batch model.UpsertBatch) error
	recomputeFunc     func(ctx context.Context, ids []string) (map[string]int, error)
	parentsFunc       func(ctx context.Context, feedID string) ([]string, bool, error)

	mu      sync.Mutex
	states  []model.FeedRefreshState
	upserts map[string]model.UpsertBatch
}

func (m *mockStore) ListDueFeeds(ctx context.Context, now time.Time) ([]model.DueFeed, error) {
	if m.listDueFeedsFunc != nil {
		return m.listDueFeedsFunc(ctx, now)
	}
	return nil, nil
}

func (m *mockStore) ListUserFeeds(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
	if m.listUserFeedsFunc != nil {
		return m.listUserFeedsFunc(ctx, userID, targetID)
	}
	return nil, nil
}

func (m *mockStore) GetItemsForFeed(ctx context.Context, feedID string) ([]model.CollectionItem, error) {
	if m.getItemsFunc != nil {
		return m.getItemsFunc(ctx, feedID)
	}
	return nil, nil
}

func (m *mockStore) UpsertItems(ctx context.Context, feedID string, batch model.UpsertBatch) error {
	if m.upsertItemsFunc != nil {
		if err := m.upsertItemsFunc(ctx, feedID, batch); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upserts == nil {
		m.upserts = make(map[string]model.UpsertBatch)
	}
	m.upserts[feedID] = batch
	return nil
}

func (m *mockStore) UpdateFeedRefreshState(_ context.Context, state model.FeedRefreshState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
	return nil
}

func (m *mockStore) RecomputeUnreadCounts(ctx context.Context, ids []string) (map[string]int, error) {
	if m.recomputeFunc != nil {
		return m.recomputeFunc(ctx, ids)
	}
	return nil, nil
}

// GetFeedParents は既定で dueFeed と同じ祖先を返す。
func (m *mockStore) GetFeedParents(ctx context.Context, feedID string) ([]string, bool, error) {
	if m.parentsFunc != nil {
		return m.parentsFunc(ctx, feedID)
	}
	return []string{"home", "folder-a"}, true, nil
}

func (m *mockStore) stateOf(feedID string) (model.FeedRefreshState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.states) - 1; i >= 0; i-- {
		if m.states[i].FeedID == feedID {
			return m.states[i], true
		}
	}
	return model.FeedRefreshState{}, false
}

func (m *mockStore) stateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// fetcherFunc は関数をFeedFetcherとして使うためのアダプタ。
type fetcherFunc func(ctx context.Context, req FetchRequest) (*FetchResult, error)

func (f fetcherFunc) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	return f(ctx, req)
}

// recordingNotifier は配信されたイベントを記録する。
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Publish(evt notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) snapshot() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

// countingMetrics はスキップ回数のみを数える。
type countingMetrics struct {
	nopMetrics
	skipped atomic.Int32
}

func (m *countingMetrics) RecordRefreshSkipped() { m.skipped.Add(1) }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T, store *mockStore, fetcher FeedFetcher, notifier Notifier, metrics *countingMetrics, cfg Config) *Coordinator {
	t.Helper()
	var buf bytes.Buffer
	if metrics == nil {
		metrics = &countingMetrics{}
	}
	c := NewCoordinator(store, fetcher, notifier, metrics, fixedClock{now: testNow}, newTestLogger(&buf), cfg)
	t.Cleanup(c.Stop)
	return c
}

func dueFeed(id string) model.DueFeed {
	return model.DueFeed{
		FeedID:          id,
		UserID:          "user-1",
		URL:             "https://example.com/" + id + ".xml",
		RefreshInterval: 60,
		Parents:         []string{"home", "folder-a"},
	}
}

func okResult(externalIDs ...string) *FetchResult {
	res := &FetchResult{StatusCode: 200}
	for _, id := range externalIDs {
		res.Items = append(res.Items, model.NormalizedItem{
			ExternalID:    id,
			Title:         "title " + id,
			DatePublished: testNow.Add(-time.Hour),
		})
	}
	return res
}

func TestNewCoordinator_Defaults(t *testing.T) {
	c := newTestCoordinator(t, &mockStore{}, fetcherFunc(nil), &recordingNotifier{}, nil, Config{})
	if c.cfg.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", c.cfg.MaxConcurrent)
	}
	if c.cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", c.cfg.MaxAttempts)
	}
	if c.cfg.DefaultInterval != time.Hour {
		t.Errorf("DefaultInterval = %v, want 1h", c.cfg.DefaultInterval)
	}
	if cap(c.sem) != 5 {
		t.Errorf("cap(sem) = %d, want 5", cap(c.sem))
	}
}

func TestCoordinator_RunOnce_NeverExceedsMaxConcurrent(t *testing.T) {
	feeds := make([]model.DueFeed, 50)
	for i := range feeds {
		feeds[i] = dueFeed(fmt.Sprintf("feed-%02d", i))
	}
	store := &mockStore{
		listDueFeedsFunc: func(ctx context.Context, now time.Time) ([]model.DueFeed, error) {
			return feeds, nil
		},
	}

	var current, maxSeen, calls, overLimit int32
	var c *Coordinator
	fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		n := atomic.AddInt32(&current, 1)
		defer atomic.AddInt32(&current, -1)
		atomic.AddInt32(&calls, 1)

		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		if c.FetchingCount() > 5 {
			atomic.AddInt32(&overLimit, 1)
		}

		time.Sleep(5 * time.Millisecond)
		return okResult("a"), nil
	})

	c = newTestCoordinator(t, store, fetcher, &recordingNotifier{}, nil, Config{MaxConcurrent: 5})
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 50 {
		t.Errorf("フェッチ回数 = %d, want 50", got)
	}
	if got := atomic.LoadInt32(&maxSeen); got > 5 {
		t.Errorf("最大同時フェッチ数 = %d, 5以下であるべき", got)
	}
	if got := atomic.LoadInt32(&overLimit); got != 0 {
		t.Errorf("FetchingCount が5を超えた回数 = %d", got)
	}
	if c.FetchingCount() != 0 {
		t.Errorf("完了後の FetchingCount = %d, want 0", c.FetchingCount())
	}
	if store.stateCount() != 50 {
		t.Errorf("状態更新回数 = %d, want 50", store.stateCount())
	}
}

func TestCoordinator_RetriggerWhileFetchingIsSkipped(t *testing.T) {
	feed := dueFeed("feed-1")
	store := &mockStore{
		listDueFeedsFunc: func(ctx context.Context, now time.Time) ([]model.DueFeed, error) {
			return []model.DueFeed{feed}, nil
		},
		listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
			return []model.DueFeed{feed}, nil
		},
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return okResult("a"), nil
	})

	metrics := &countingMetrics{}
	c := newTestCoordinator(t, store, fetcher, &recordingNotifier{}, metrics, Config{})

	done := make(chan error, 1)
	go func() { done <- c.RunOnce(context.Background()) }()

	<-started
	if got := c.State("feed-1"); got != StateFetching {
		t.Errorf("State = %q, want %q", got, StateFetching)
	}

	if err := c.Refresh(context.Background(), "user-1", "feed-1"); err != nil {
		t.Fatalf("Refresh() がエラーを返した: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("フェッチ回数 = %d, 処理中のフィードは重複して取得しないこと", got)
	}
	if got := metrics.skipped.Load(); got != 1 {
		t.Errorf("スキップ回数 = %d, want 1", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}
	if got := c.State("feed-1"); got != StateIdle {
		t.Errorf("完了後の State = %q, want %q", got, StateIdle)
	}
}

func TestCoordinator_FailureIsIsolatedPerFeed(t *testing.T) {
	feeds := []model.DueFeed{dueFeed("feed-1"), dueFeed("feed-2"), dueFeed("feed-3")}
	store := &mockStore{
		listDueFeedsFunc: func(ctx context.Context, now time.Time) ([]model.DueFeed, error) {
			return feeds, nil
		},
	}
	fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		if req.FeedID == "feed-2" {
			return nil, &model.ParseError{URL: req.URL, Err: errors.New("bad xml")}
		}
		return okResult("a", "b"), nil
	})

	c := newTestCoordinator(t, store, fetcher, &recordingNotifier{}, nil, Config{})
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() は個別フィードの失敗でエラーを返してはならない: %v", err)
	}

	for _, id := range []string{"feed-1", "feed-3"} {
		state, ok := store.stateOf(id)
		if !ok {
			t.Fatalf("%s の状態が保存されていない", id)
		}
		if state.Health != model.FeedHealthOK {
			t.Errorf("%s Health = %q, want ok", id, state.Health)
		}
		if len(store.upserts[id].ToInsert) != 2 {
			t.Errorf("%s の挿入件数 = %d, want 2", id, len(store.upserts[id].ToInsert))
		}
	}

	state, ok := store.stateOf("feed-2")
	if !ok {
		t.Fatal("feed-2 の状態が保存されていない")
	}
	if state.Health != model.FeedHealthUnhealthy {
		t.Errorf("feed-2 Health = %q, want unhealthy", state.Health)
	}
	if !state.NextRefreshAt.Equal(testNow.Add(time.Hour)) {
		t.Errorf("feed-2 NextRefreshAt = %v, want %v", state.NextRefreshAt, testNow.Add(time.Hour))
	}
	if _, ok := store.upserts["feed-2"]; ok {
		t.Error("失敗したフィードの記事を書き込んではならない")
	}
}

func TestCoordinator_InlineRetry(t *testing.T) {
	t.Run("再試行で成功", func(t *testing.T) {
		store := &mockStore{
			listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
				return []model.DueFeed{dueFeed("feed-1")}, nil
			},
		}
		var calls int32
		fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, &model.HTTPError{URL: req.URL, Status: 503}
			}
			return okResult("a"), nil
		})

		c := newTestCoordinator(t, store, fetcher, &recordingNotifier{}, nil, Config{InlineRetries: 2})
		if err := c.Refresh(context.Background(), "user-1", "feed-1"); err != nil {
			t.Fatalf("Refresh() がエラーを返した: %v", err)
		}
		if calls != 3 {
			t.Errorf("フェッチ回数 = %d, want 3", calls)
		}
		state, _ := store.stateOf("feed-1")
		if state.Health != model.FeedHealthOK {
			t.Errorf("Health = %q, want ok", state.Health)
		}
	})

	t.Run("再試行を使い切るとバックオフ", func(t *testing.T) {
		store := &mockStore{
			listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
				return []model.DueFeed{dueFeed("feed-1")}, nil
			},
		}
		var calls int32
		fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, &model.NetworkError{URL: req.URL, Err: errors.New("connection refused")}
		})

		c := newTestCoordinator(t, store, fetcher, &recordingNotifier{}, nil, Config{InlineRetries: 2})
		if err := c.Refresh(context.Background(), "user-1", "feed-1"); err != nil {
			t.Fatalf("Refresh() がエラーを返した: %v", err)
		}
		if calls != 3 {
			t.Errorf("フェッチ回数 = %d, want 3", calls)
		}
		state, _ := store.stateOf("feed-1")
		if state.Health != model.FeedHealthRetrying {
			t.Errorf("Health = %q, want retrying", state.Health)
		}
		if !state.NextRefreshAt.Equal(testNow.Add(time.Minute)) {
			t.Errorf("NextRefreshAt = %v, want %v", state.NextRefreshAt, testNow.Add(time.Minute))
		}
	})

	t.Run("リトライ不可のエラーは再試行しない", func(t *testing.T) {
		store := &mockStore{
			listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
				return []model.DueFeed{dueFeed("feed-1")}, nil
			},
		}
		var calls int32
		fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, &model.HTTPError{URL: req.URL, Status: 404}
		})

		c := newTestCoordinator(t, store, fetcher, &recordingNotifier{}, nil, Config{InlineRetries: 2})
		if err := c.Refresh(context.Background(), "user-1", "feed-1"); err != nil {
			t.Fatalf("Refresh() がエラーを返した: %v", err)
		}
		if calls != 1 {
			t.Errorf("フェッチ回数 = %d, want 1", calls)
		}
	})
}

func TestCoordinator_PublishesEvents(t *testing.T) {
	store := &mockStore{
		listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
			return []model.DueFeed{dueFeed("feed-1")}, nil
		},
		recomputeFunc: func(ctx context.Context, ids []string) (map[string]int, error) {
			return map[string]int{"home": 8, "folder-a": 5, "feed-1": 2}, nil
		},
	}
	fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		return okResult("a", "b"), nil
	})
	notifier := &recordingNotifier{}

	c := newTestCoordinator(t, store, fetcher, notifier, nil, Config{})
	if err := c.Refresh(context.Background(), "user-1", "feed-1"); err != nil {
		t.Fatalf("Refresh() がエラーを返した: %v", err)
	}

	want := []notify.Event{
		notify.UpdatingFeeds("user-1", []string{"feed-1"}),
		notify.UpdatedFeeds("user-1", []string{"feed-1"},
			[]string{"home", "folder-a", "feed-1"},
			map[string]int{"home": 8, "folder-a": 5, "feed-1": 2}),
	}
	if got := notifier.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}
}

func TestCoordinator_NotModified(t *testing.T) {
	feed := dueFeed("feed-1")
	feed.ETag = `"v1"`
	store := &mockStore{
		listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
			return []model.DueFeed{feed}, nil
		},
		getItemsFunc: func(ctx context.Context, feedID string) ([]model.CollectionItem, error) {
			t.Error("304 の場合は記事を読み込まない")
			return nil, nil
		},
	}
	var gotETag string
	fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		gotETag = req.ETag
		return &FetchResult{Unchanged: true, StatusCode: 304}, nil
	})
	notifier := &recordingNotifier{}

	c := newTestCoordinator(t, store, fetcher, notifier, nil, Config{})
	if err := c.Refresh(context.Background(), "user-1", "feed-1"); err != nil {
		t.Fatalf("Refresh() がエラーを返した: %v", err)
	}

	if gotETag != `"v1"` {
		t.Errorf("フェッチ要求の ETag = %q, want %q", gotETag, `"v1"`)
	}
	state, ok := store.stateOf("feed-1")
	if !ok || state.Health != model.FeedHealthOK {
		t.Errorf("304 は成功として状態を保存すること: %+v", state)
	}
	if state.ETag != `"v1"` {
		t.Errorf("ETag = %q, want %q", state.ETag, `"v1"`)
	}

	events := notifier.snapshot()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	last := events[1]
	if last.Type != notify.EventUpdatedFeeds || len(last.AffectedCollectionIDs) != 0 {
		t.Errorf("304 の完了イベントは影響コレクションが空であること: %+v", last)
	}
}

func TestCoordinator_StorageErrorKeepsHealth(t *testing.T) {
	store := &mockStore{
		listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
			return []model.DueFeed{dueFeed("feed-1")}, nil
		},
		upsertItemsFunc: func(ctx context.Context, feedID string, batch model.UpsertBatch) error {
			return errors.New("connection reset")
		},
	}
	fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		return okResult("a"), nil
	})
	notifier := &recordingNotifier{}

	c := newTestCoordinator(t, store, fetcher, notifier, nil, Config{})
	if err := c.Refresh(context.Background(), "user-1", "feed-1"); err != nil {
		t.Fatalf("Refresh() がエラーを返した: %v", err)
	}

	if store.stateCount() != 0 {
		t.Errorf("ストレージエラー時にフィードの健全性を更新してはならない: %d", store.stateCount())
	}
	events := notifier.snapshot()
	if len(events) != 2 || events[1].Type != notify.EventUpdatedFeeds {
		t.Errorf("失敗時も完了イベントを配信すること: %+v", events)
	}
	if c.State("feed-1") != StateIdle {
		t.Errorf("State = %q, want idle", c.State("feed-1"))
	}
}

func TestCoordinator_RunOnce_ListError(t *testing.T) {
	store := &mockStore{
		listDueFeedsFunc: func(ctx context.Context, now time.Time) ([]model.DueFeed, error) {
			return nil, errors.New("db down")
		},
	}
	c := newTestCoordinator(t, store, fetcherFunc(nil), &recordingNotifier{}, nil, Config{})

	err := c.RunOnce(context.Background())
	var storageErr *model.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("err = %v, want *model.StorageError", err)
	}
}

func TestCoordinator_TriggerManualRefresh(t *testing.T) {
	feeds := []model.DueFeed{dueFeed("feed-1"), dueFeed("feed-2")}
	store := &mockStore{
		listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
			switch targetID {
			case RefreshAll:
				return feeds, nil
			case "missing":
				return nil, model.NewCollectionNotFound(targetID)
			}
			return nil, nil
		},
	}

	var wg sync.WaitGroup
	wg.Add(2)
	fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		defer wg.Done()
		return okResult("a"), nil
	})

	c := newTestCoordinator(t, store, fetcher, &recordingNotifier{}, nil, Config{})

	n, err := c.TriggerManualRefresh("user-1", "")
	if err != nil {
		t.Fatalf("TriggerManualRefresh() がエラーを返した: %v", err)
	}
	if n != 2 {
		t.Errorf("対象フィード数 = %d, want 2", n)
	}
	wg.Wait()

	var notFound *model.NotFoundError
	if _, err := c.TriggerManualRefresh("user-1", "missing"); !errors.As(err, &notFound) {
		t.Errorf("err = %v, want *model.NotFoundError", err)
	}

	c.Stop()
	if _, err := c.TriggerManualRefresh("user-1", RefreshAll); !errors.Is(err, ErrStopped) {
		t.Errorf("停止後の err = %v, want ErrStopped", err)
	}
}

func TestCoordinator_StopCancelsInFlightRefresh(t *testing.T) {
	store := &mockStore{
		listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
			return []model.DueFeed{dueFeed("feed-1")}, nil
		},
	}
	started := make(chan struct{})
	fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	notifier := &recordingNotifier{}

	c := newTestCoordinator(t, store, fetcher, notifier, nil, Config{})
	if _, err := c.TriggerManualRefresh("user-1", "feed-1"); err != nil {
		t.Fatalf("TriggerManualRefresh() がエラーを返した: %v", err)
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() が進行中のリフレッシュを待ち続けている")
	}

	if store.stateCount() != 0 {
		t.Error("キャンセルされたリフレッシュでフィード状態を更新してはならない")
	}
	events := notifier.snapshot()
	if len(events) == 0 || events[len(events)-1].Type != notify.EventUpdatedFeeds {
		t.Errorf("キャンセル時も進行中表示を解除するイベントを配信すること: %+v", events)
	}
}

func TestCoordinator_Start_StopsOnContextCancel(t *testing.T) {
	var runs int32
	store := &mockStore{
		listDueFeedsFunc: func(ctx context.Context, now time.Time) ([]model.DueFeed, error) {
			atomic.AddInt32(&runs, 1)
			return nil, nil
		},
	}
	c := newTestCoordinator(t, store, fetcherFunc(nil), &recordingNotifier{}, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&runs) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start() がコンテキストのキャンセルで終了しない")
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Errorf("起動直後の実行回数 = %d, want 1", runs)
	}
}

func TestCoordinator_RecomputesCurrentAncestorsAfterMove(t *testing.T) {
	feed := dueFeed("feed-1")
	var recomputed []string
	store := &mockStore{
		listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
			return []model.DueFeed{feed}, nil
		},
		// 取得中に folder-a から folder-b へ移動された状態
		parentsFunc: func(ctx context.Context, feedID string) ([]string, bool, error) {
			return []string{"home", "folder-b"}, true, nil
		},
		recomputeFunc: func(ctx context.Context, ids []string) (map[string]int, error) {
			recomputed = append([]string{}, ids...)
			return map[string]int{"home": 2, "folder-b": 2, "feed-1": 2}, nil
		},
	}
	fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		return okResult("a", "b"), nil
	})
	notifier := &recordingNotifier{}

	c := newTestCoordinator(t, store, fetcher, notifier, nil, Config{})
	if err := c.Refresh(context.Background(), "user-1", "feed-1"); err != nil {
		t.Fatalf("Refresh() がエラーを返した: %v", err)
	}

	want := "[home folder-b feed-1]"
	if got := fmt.Sprint(recomputed); got != want {
		t.Errorf("再集計対象 = %s, want %s", got, want)
	}
	events := notifier.snapshot()
	if len(events) == 0 {
		t.Fatal("イベントが配信されていない")
	}
	last := events[len(events)-1]
	if got := fmt.Sprint(last.AffectedCollectionIDs); got != want {
		t.Errorf("AffectedCollectionIDs = %s, want %s", got, want)
	}
}

func TestCoordinator_FeedDeletedDuringRefreshSkipsRecompute(t *testing.T) {
	feed := dueFeed("feed-1")
	var recomputeCalls int32
	store := &mockStore{
		listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
			return []model.DueFeed{feed}, nil
		},
		parentsFunc: func(ctx context.Context, feedID string) ([]string, bool, error) {
			return nil, false, nil
		},
		recomputeFunc: func(ctx context.Context, ids []string) (map[string]int, error) {
			atomic.AddInt32(&recomputeCalls, 1)
			return nil, nil
		},
	}
	fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		return okResult("a"), nil
	})
	notifier := &recordingNotifier{}

	c := newTestCoordinator(t, store, fetcher, notifier, nil, Config{})
	if err := c.Refresh(context.Background(), "user-1", "feed-1"); err != nil {
		t.Fatalf("Refresh() がエラーを返した: %v", err)
	}

	if got := atomic.LoadInt32(&recomputeCalls); got != 0 {
		t.Errorf("削除済みフィードの再集計回数 = %d, want 0", got)
	}
	events := notifier.snapshot()
	if len(events) == 0 {
		t.Fatal("イベントが配信されていない")
	}
	if last := events[len(events)-1]; len(last.AffectedCollectionIDs) != 0 {
		t.Errorf("削除済みフィードの完了イベントは影響コレクションが空であること: %+v", last)
	}
	if got := c.State("feed-1"); got != StateIdle {
		t.Errorf("State = %q, want %q", got, StateIdle)
	}
}

func TestCoordinator_ParentsLookupFailureFallsBackToSnapshot(t *testing.T) {
	feed := dueFeed("feed-1")
	var recomputed []string
	store := &mockStore{
		listUserFeedsFunc: func(ctx context.Context, userID, targetID string) ([]model.DueFeed, error) {
			return []model.DueFeed{feed}, nil
		},
		parentsFunc: func(ctx context.Context, feedID string) ([]string, bool, error) {
			return nil, false, errors.New("connection reset")
		},
		recomputeFunc: func(ctx context.Context, ids []string) (map[string]int, error) {
			recomputed = append([]string{}, ids...)
			return nil, nil
		},
	}
	fetcher := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		return okResult("a"), nil
	})

	c := newTestCoordinator(t, store, fetcher, &recordingNotifier{}, nil, Config{})
	if err := c.Refresh(context.Background(), "user-1", "feed-1"); err != nil {
		t.Fatalf("Refresh() がエラーを返した: %v", err)
	}
	if got, want := fmt.Sprint(recomputed), "[home folder-a feed-1]"; got != want {
		t.Errorf("再集計対象 = %s, want %s", got, want)
	}
}
