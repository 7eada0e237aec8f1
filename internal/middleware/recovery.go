package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラーのpanicを捕捉し、500の統一エラーレスポンスに変換する。
// http.ErrAbortHandler は net/http に処理させるため再送出する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				attrs := []slog.Attr{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				}
				if userID, err := UserIDFromContext(r.Context()); err == nil {
					attrs = append(attrs, slog.String("user_id", userID))
				}
				logger.LogAttrs(r.Context(), slog.LevelError, "panic recovered", attrs...)
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
