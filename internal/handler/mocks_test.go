package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/feedtree/internal/collection"
	"github.com/hitoshi/feedtree/internal/middleware"
	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/notify"
)

type mockCollectionService struct {
	getTreeFn           func(ctx context.Context, userID string) ([]model.FlatCollection, error)
	moveFn              func(ctx context.Context, userID, id, newParentID string, newIndex int) ([]model.FlatCollection, error)
	addFn               func(ctx context.Context, userID string, req collection.AddRequest) (*model.FlatCollection, error)
	deleteFn            func(ctx context.Context, userID, id string) ([]string, error)
	refreshFn           func(userID, target string) (int, error)
	listItemsFn         func(ctx context.Context, userID string, params collection.ListItemsParams) (*collection.ItemPage, error)
	markReadFn          func(ctx context.Context, userID, itemID string, read bool) (*model.CollectionItem, error)
	getPreferencesFn    func(ctx context.Context, userID string) (*model.Preferences, error)
	updatePreferencesFn func(ctx context.Context, userID string, upd collection.PreferencesUpdate) (*model.Preferences, error)
	setExpandedFn       func(ctx context.Context, userID, id string, expanded bool) (*model.Preferences, error)
	importFn            func(ctx context.Context, userID string, r io.Reader) (*collection.ImportResult, error)
	exportFn            func(ctx context.Context, userID string, w io.Writer) error
}

func (m *mockCollectionService) GetTree(ctx context.Context, userID string) ([]model.FlatCollection, error) {
	return m.getTreeFn(ctx, userID)
}

func (m *mockCollectionService) MoveCollection(ctx context.Context, userID, id, newParentID string, newIndex int) ([]model.FlatCollection, error) {
	return m.moveFn(ctx, userID, id, newParentID, newIndex)
}

func (m *mockCollectionService) AddCollection(ctx context.Context, userID string, req collection.AddRequest) (*model.FlatCollection, error) {
	return m.addFn(ctx, userID, req)
}

func (m *mockCollectionService) DeleteCollection(ctx context.Context, userID, id string) ([]string, error) {
	return m.deleteFn(ctx, userID, id)
}

func (m *mockCollectionService) TriggerRefresh(userID, target string) (int, error) {
	return m.refreshFn(userID, target)
}

func (m *mockCollectionService) ListItems(ctx context.Context, userID string, params collection.ListItemsParams) (*collection.ItemPage, error) {
	return m.listItemsFn(ctx, userID, params)
}

func (m *mockCollectionService) MarkRead(ctx context.Context, userID, itemID string, read bool) (*model.CollectionItem, error) {
	return m.markReadFn(ctx, userID, itemID, read)
}

func (m *mockCollectionService) GetPreferences(ctx context.Context, userID string) (*model.Preferences, error) {
	return m.getPreferencesFn(ctx, userID)
}

func (m *mockCollectionService) UpdatePreferences(ctx context.Context, userID string, upd collection.PreferencesUpdate) (*model.Preferences, error) {
	return m.updatePreferencesFn(ctx, userID, upd)
}

func (m *mockCollectionService) SetExpanded(ctx context.Context, userID, id string, expanded bool) (*model.Preferences, error) {
	return m.setExpandedFn(ctx, userID, id, expanded)
}

func (m *mockCollectionService) ImportOPML(ctx context.Context, userID string, r io.Reader) (*collection.ImportResult, error) {
	return m.importFn(ctx, userID, r)
}

func (m *mockCollectionService) ExportOPML(ctx context.Context, userID string, w io.Writer) error {
	return m.exportFn(ctx, userID, w)
}

type mockSessionFinder struct{}

func (mockSessionFinder) FindByID(_ context.Context, id string) (*model.Session, error) {
	if id == "valid-session" {
		return &model.Session{ID: id, UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	return nil, nil
}

type mockHealthChecker struct {
	err error
}

func (m mockHealthChecker) PingContext(context.Context) error {
	return m.err
}

func newTestRouter(t *testing.T, svc CollectionService, bus EventSubscriber) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(1000, 2))
	t.Cleanup(rl.Stop)
	if bus == nil {
		bus = notify.NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	}
	return NewRouter(&RouterDeps{
		SessionFinder:     mockSessionFinder{},
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		HealthChecker:     mockHealthChecker{},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics")
		}),
		Collections:    svc,
		Events:         bus,
		EventBuffer:    8,
		EventHeartbeat: time.Hour,
	})
}

func authed(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "valid-session"})
	return req
}
