package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/feedtree/internal/middleware"
	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/worker/fetch"
)

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleServiceError はサービス層から返されたエラーをHTTPステータスと統一エラーフォーマットに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	status, apiErr := toAPIError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("internal server error", slog.String("error", err.Error()))
	}
	middleware.WriteErrorResponse(w, status, apiErr)
}

func toAPIError(err error) (int, *model.APIError) {
	var (
		apiErr    *model.APIError
		notFound  *model.NotFoundError
		cyclic    *model.CyclicMoveError
		invalid   *model.InvalidMoveError
		malformed *model.MalformedTreeError
	)

	switch {
	case errors.As(err, &apiErr):
		return mapAPIErrorToHTTPStatus(apiErr), apiErr

	case errors.As(err, &notFound):
		code := model.ErrCodeCollectionNotFound
		if notFound.Kind == "item" {
			code = model.ErrCodeItemNotFound
		}
		return http.StatusNotFound, &model.APIError{
			Code:     code,
			Message:  notFound.Error(),
			Category: "tree",
			Action:   "ツリーを再読み込みしてください。",
		}

	case errors.As(err, &cyclic):
		return http.StatusConflict, &model.APIError{
			Code:     model.ErrCodeCyclicMove,
			Message:  "cannot move a folder into its own descendant",
			Category: "tree",
			Action:   "移動先には別のフォルダを選んでください。",
		}

	case errors.As(err, &invalid):
		return http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidMove,
			Message:  invalid.Reason,
			Category: "tree",
			Action:   "移動先にはフォルダを選んでください。",
		}

	case errors.As(err, &malformed):
		return http.StatusInternalServerError, &model.APIError{
			Code:     model.ErrCodeMalformedTree,
			Message:  "コレクションツリーの整合性が失われています。",
			Category: "system",
			Action:   "時間をおいて再度お試しください。",
		}

	case errors.Is(err, fetch.ErrStopped):
		return http.StatusServiceUnavailable, &model.APIError{
			Code:     "SERVICE_UNAVAILABLE",
			Message:  "リフレッシュを受け付けられません。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}

	return http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeFeedNotDetected:
		return http.StatusUnprocessableEntity
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidRequest, model.ErrCodeInvalidOPML, model.ErrCodeInvalidMove:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	case model.ErrCodeDuplicateFeed, model.ErrCodeCyclicMove:
		return http.StatusConflict
	case model.ErrCodeCollectionNotFound, model.ErrCodeItemNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON はリクエストボディをデコードする。失敗した場合は400を書き込み false を返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return false
	}
	return true
}

// userID はコンテキストからユーザーIDを取り出す。取り出せない場合は401を書き込む。
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return "", false
	}
	return id, true
}
