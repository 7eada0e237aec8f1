package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// requestInfo はアクセスログ用に内側のミドルウェアから書き戻される情報。
type requestInfo struct {
	userID string
}

type requestInfoKey struct{}

// setRequestUser は認証済みユーザーIDをアクセスログに伝える。
// ロギングミドルウェアの外側で呼ばれた場合は何もしない。
func setRequestUser(ctx context.Context, userID string) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.userID = userID
	}
}

// responseRecorder はステータスコードと書き込みバイト数を記録する。
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

// Unwrap は http.ResponseController が Flush を元のWriterに委譲するために使う。
// SSEのストリーミングはこれに依存する。
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// NewLoggingMiddleware はリクエストごとにJSON構造化ログを1行出力するミドルウェアを返す。
// chiのルートパターン、認証済みの場合はuser_idを含む。SSE接続は切断時に http_stream として記録する。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{}
			ctx := context.WithValue(r.Context(), requestInfoKey{}, info)
			rec := &responseRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r.WithContext(ctx))

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			}
			if rctx := chi.RouteContext(ctx); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					attrs = append(attrs, slog.String("route", pattern))
				}
			}

			userID := info.userID
			if userID == "" {
				userID, _ = UserIDFromContext(r.Context())
			}
			if userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}

			msg := "http_request"
			if strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream") {
				msg = "http_stream"
			}

			logger.LogAttrs(r.Context(), levelForStatus(status), msg, attrs...)
		})
	}
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
