package collection

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedtree/internal/feed"
	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/notify"
	"github.com/hitoshi/feedtree/internal/repository"
	"github.com/hitoshi/feedtree/internal/tree"
)

// memCollections はメモリ上のコレクションリポジトリ。
type memCollections struct {
	mu      sync.Mutex
	trees   map[string][]model.FlatCollection
	mutates int
}

func newMemCollections() *memCollections {
	return &memCollections{trees: make(map[string][]model.FlatCollection)}
}

func (m *memCollections) GetFlatTree(_ context.Context, userID string) ([]model.FlatCollection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.FlatCollection{}, m.trees[userID]...), nil
}

func (m *memCollections) FindByID(_ context.Context, userID, id string) (*model.FlatCollection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := tree.Find(m.trees[userID], id)
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (m *memCollections) EnsureRoot(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.trees[userID]) > 0 {
		return nil
	}
	m.trees[userID] = tree.Flatten(&tree.Node{Collection: model.Collection{
		ID: "home-" + userID, UserID: userID, Title: model.HomeCollectionTitle, Layout: model.LayoutList,
	}})
	return nil
}

func (m *memCollections) MutateTree(_ context.Context, userID string, mutate repository.TreeMutation) ([]model.FlatCollection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	after, err := mutate(append([]model.FlatCollection{}, m.trees[userID]...))
	if err != nil {
		return nil, err
	}
	m.mutates++
	m.trees[userID] = after
	return after, nil
}

func (m *memCollections) ApplyReorder(ctx context.Context, userID, movedID, newParentID string, newIndex int) ([]model.FlatCollection, error) {
	return m.MutateTree(ctx, userID, func(flat []model.FlatCollection) ([]model.FlatCollection, error) {
		return tree.Reorder(flat, movedID, newParentID, newIndex)
	})
}

func (m *memCollections) UpdateIcon(_ context.Context, userID, id, icon string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.trees[userID] {
		if m.trees[userID][i].ID == id {
			m.trees[userID][i].Icon = icon
			return nil
		}
	}
	return model.NewCollectionNotFound(id)
}

// mockCounts はテスト用の未読数再集計。
type mockCounts struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(ids []string) (map[string]int, error)
}

func (m *mockCounts) RecomputeUnreadCounts(_ context.Context, ids []string) (map[string]int, error) {
	m.mu.Lock()
	m.calls = append(m.calls, ids)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ids)
	}
	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		counts[id] = 0
	}
	return counts, nil
}

// mockItems はテスト用の記事リポジトリ。
type mockItems struct {
	listFn    func(collectionID string, unreadOnly bool, cursor *model.ItemCursor, limit int) ([]model.CollectionItem, error)
	setReadFn func(itemID string, read bool, at time.Time) (*model.CollectionItem, error)
}

func (m *mockItems) FindByID(context.Context, string, string) (*model.CollectionItem, error) {
	return nil, nil
}

func (m *mockItems) ListByCollection(_ context.Context, _ string, collectionID string, unreadOnly bool, cursor *model.ItemCursor, limit int) ([]model.CollectionItem, error) {
	return m.listFn(collectionID, unreadOnly, cursor, limit)
}

func (m *mockItems) SetRead(_ context.Context, _ string, itemID string, read bool, at time.Time) (*model.CollectionItem, error) {
	return m.setReadFn(itemID, read, at)
}

func (m *mockItems) DeleteReadBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// memPreferences はメモリ上の設定リポジトリ。
type memPreferences struct {
	mu    sync.Mutex
	prefs map[string]model.Preferences
	saves int

	onGet    func()  // Get の先頭でロック外から呼ばれる
	saveErrs []error // 先頭から順に Save の戻り値として消費される
}

func newMemPreferences() *memPreferences {
	return &memPreferences{prefs: make(map[string]model.Preferences)}
}

func (m *memPreferences) Get(_ context.Context, userID string) (*model.Preferences, error) {
	if m.onGet != nil {
		m.onGet()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[userID]
	if !ok {
		return nil, nil
	}
	p.ExpandedCollectionIDs = append([]string{}, p.ExpandedCollectionIDs...)
	return &p, nil
}

func (m *memPreferences) Save(_ context.Context, p *model.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saveErrs) > 0 {
		err := m.saveErrs[0]
		m.saveErrs = m.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	m.saves++
	p.ExpandedCollectionIDs = append([]string{}, p.ExpandedCollectionIDs...)
	m.prefs[p.UserID] = *p
	return nil
}

type resolverFunc func(ctx context.Context, url string) (*feed.Resolution, error)

func (f resolverFunc) Resolve(ctx context.Context, url string) (*feed.Resolution, error) {
	return f(ctx, url)
}

// mockRefresher は手動リフレッシュの呼び出しを記録する。
type mockRefresher struct {
	mu      sync.Mutex
	targets []string
	err     error
}

func (m *mockRefresher) TriggerManualRefresh(_, targetID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, targetID)
	return 1, m.err
}

// mockNotifier は配信されたイベントを記録する。
type mockNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *mockNotifier) Publish(evt notify.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

type testEnv struct {
	svc       *Service
	cols      *memCollections
	counts    *mockCounts
	items     *mockItems
	prefs     *memPreferences
	refresher *mockRefresher
	notifier  *mockNotifier
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv() *testEnv {
	env := &testEnv{
		cols:      newMemCollections(),
		counts:    &mockCounts{},
		items:     &mockItems{},
		prefs:     newMemPreferences(),
		refresher: &mockRefresher{},
		notifier:  &mockNotifier{},
	}
	env.svc = NewService(Deps{
		Collections: env.cols,
		Counts:      env.counts,
		Items:       env.items,
		Preferences: env.prefs,
		Resolver: resolverFunc(func(_ context.Context, url string) (*feed.Resolution, error) {
			return &feed.Resolution{FeedURL: url + "/feed.xml", Title: "Resolved " + url, Icon: "data:image/png;base64,AA=="}, nil
		}),
		Refresher: env.refresher,
		Notifier:  env.notifier,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{})

	seq := 0
	env.svc.now = func() time.Time { return fixedNow }
	env.svc.newID = func() string {
		seq++
		return "c" + string(rune('0'+seq))
	}
	return env
}

// seed は Home > [news > [feed-a], feed-b] のツリーを作成する。
func (e *testEnv) seed(userID string) {
	home := "home-" + userID
	e.cols.trees[userID] = tree.Flatten(&tree.Node{
		Collection: model.Collection{ID: home, UserID: userID, Title: model.HomeCollectionTitle, Layout: model.LayoutList},
		Children: []*tree.Node{
			{
				Collection: model.Collection{ID: "news", UserID: userID, Title: "News", Layout: model.LayoutList},
				Children: []*tree.Node{
					{Collection: model.Collection{ID: "feed-a", UserID: userID, Title: "A", URL: "https://a.example.com/feed", UnreadCount: 3}},
				},
			},
			{Collection: model.Collection{ID: "feed-b", UserID: userID, Title: "B", URL: "https://b.example.com/feed", UnreadCount: 2}},
		},
	})
}

func ids(flat []model.FlatCollection) []string {
	out := make([]string, len(flat))
	for i, f := range flat {
		out[i] = f.ID
	}
	return out
}
