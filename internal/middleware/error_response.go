package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/feedtree/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

var (
	errInternal = &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
	errUnauthorized = &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "有効なセッションがありません。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
)

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	if apiErr == nil {
		apiErr = errInternal
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}); err != nil {
		slog.Debug("failed to write error response", slog.String("error", err.Error()))
	}
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, errInternal)
}

// WriteUnauthorized は未認証の統一レスポンスを書き込む。
func WriteUnauthorized(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
}
