package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedtree/internal/collection"
	"github.com/hitoshi/feedtree/internal/model"
)

const (
	maxJSONBody = 1 << 20
	maxOPMLBody = 5 << 20
)

// CollectionService はコレクションハンドラーが必要とするサービスインターフェース。
// collection.Service が実装する。
type CollectionService interface {
	GetTree(ctx context.Context, userID string) ([]model.FlatCollection, error)
	MoveCollection(ctx context.Context, userID, id, newParentID string, newIndex int) ([]model.FlatCollection, error)
	AddCollection(ctx context.Context, userID string, req collection.AddRequest) (*model.FlatCollection, error)
	DeleteCollection(ctx context.Context, userID, id string) ([]string, error)
	TriggerRefresh(userID, target string) (int, error)

	ListItems(ctx context.Context, userID string, params collection.ListItemsParams) (*collection.ItemPage, error)
	MarkRead(ctx context.Context, userID, itemID string, read bool) (*model.CollectionItem, error)

	GetPreferences(ctx context.Context, userID string) (*model.Preferences, error)
	UpdatePreferences(ctx context.Context, userID string, upd collection.PreferencesUpdate) (*model.Preferences, error)
	SetExpanded(ctx context.Context, userID, id string, expanded bool) (*model.Preferences, error)

	ImportOPML(ctx context.Context, userID string, r io.Reader) (*collection.ImportResult, error)
	ExportOPML(ctx context.Context, userID string, w io.Writer) error
}

// CollectionHandler はコレクションツリー・記事・設定のHTTPハンドラー。
type CollectionHandler struct {
	service CollectionService
}

// NewCollectionHandler はCollectionHandlerを生成する。
func NewCollectionHandler(service CollectionService) *CollectionHandler {
	return &CollectionHandler{service: service}
}

type treeResponse struct {
	Collections []model.FlatCollection `json:"collections"`
}

type moveRequest struct {
	NewParentID string `json:"newParentId"`
	NewIndex    *int   `json:"newIndex"`
}

type refreshRequest struct {
	Target string `json:"target"`
}

type refreshResponse struct {
	Target string `json:"target"`
	Feeds  int    `json:"feeds"`
}

type deleteResponse struct {
	RemovedIDs []string `json:"removedIds"`
}

type readRequest struct {
	Read *bool `json:"read"`
}

type expandedRequest struct {
	Expanded bool `json:"expanded"`
}

// GetTree はユーザーのコレクションツリーをフラット表現で返す。
// GET /api/tree, GET /api/collections
func (h *CollectionHandler) GetTree(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	flat, err := h.service.GetTree(r.Context(), uid)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, treeResponse{Collections: flat})
}

// MoveCollection はコレクションを別のフォルダまたは同じフォルダ内の別の位置へ移動する。
// PUT /api/collections/{id}/position
func (h *CollectionHandler) MoveCollection(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req moveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NewParentID == "" || req.NewIndex == nil {
		handleServiceError(w, model.NewInvalidRequestError("newParentId と newIndex は必須です"))
		return
	}

	flat, err := h.service.MoveCollection(r.Context(), uid, chi.URLParam(r, "id"), req.NewParentID, *req.NewIndex)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, treeResponse{Collections: flat})
}

// AddCollection はフォルダまたはフィードを追加する。
// POST /api/collections
func (h *CollectionHandler) AddCollection(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req collection.AddRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	added, err := h.service.AddCollection(r.Context(), uid, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

// DeleteCollection はコレクションとその子孫を削除する。
// DELETE /api/collections/{id}
func (h *CollectionHandler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	removed, err := h.service.DeleteCollection(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{RemovedIDs: removed})
}

// Refresh は手動リフレッシュを開始する。完了は /api/events で通知される。
// POST /api/refresh
func (h *CollectionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Target == "" {
		handleServiceError(w, model.NewInvalidRequestError("target は必須です"))
		return
	}

	n, err := h.service.TriggerRefresh(uid, req.Target)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, refreshResponse{Target: req.Target, Feeds: n})
}

// ListItems はコレクションの記事一覧を返す。
// GET /api/collections/{id}/items?unread=true&cursor=xxx&limit=50
func (h *CollectionHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	params := collection.ListItemsParams{
		CollectionID: chi.URLParam(r, "id"),
		Cursor:       q.Get("cursor"),
	}
	if v := q.Get("unread"); v != "" {
		unread, err := strconv.ParseBool(v)
		if err != nil {
			handleServiceError(w, model.NewInvalidRequestError("unread は true または false で指定してください"))
			return
		}
		params.UnreadOnly = unread
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			handleServiceError(w, model.NewInvalidRequestError("limit は0以上の整数で指定してください"))
			return
		}
		params.Limit = limit
	}

	page, err := h.service.ListItems(r.Context(), uid, params)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// MarkRead は記事の既読状態を更新する。
// PUT /api/items/{id}/read
func (h *CollectionHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req readRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Read == nil {
		handleServiceError(w, model.NewInvalidRequestError("read は必須です"))
		return
	}

	it, err := h.service.MarkRead(r.Context(), uid, chi.URLParam(r, "id"), *req.Read)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// GetPreferences はユーザー設定を返す。
// GET /api/preferences
func (h *CollectionHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	p, err := h.service.GetPreferences(r.Context(), uid)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePreferences はユーザー設定を部分更新する。
// PUT /api/preferences
func (h *CollectionHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var upd collection.PreferencesUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}

	p, err := h.service.UpdatePreferences(r.Context(), uid, upd)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SetExpanded はコレクションの展開状態を切り替える。
// PUT /api/preferences/expanded/{id}
func (h *CollectionHandler) SetExpanded(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req expandedRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.SetExpanded(r.Context(), uid, chi.URLParam(r, "id"), req.Expanded)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ImportOPML はリクエストボディのOPMLを取り込む。
// POST /api/opml
func (h *CollectionHandler) ImportOPML(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	res, err := h.service.ImportOPML(r.Context(), uid, http.MaxBytesReader(w, r.Body, maxOPMLBody))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ExportOPML はツリーをOPMLとして返す。
// GET /api/opml
func (h *CollectionHandler) ExportOPML(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/x-opml; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="feedtree.opml"`)
	if err := h.service.ExportOPML(r.Context(), uid, w); err != nil {
		handleServiceError(w, err)
	}
}
