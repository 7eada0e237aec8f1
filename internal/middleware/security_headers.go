package middleware

import "net/http"

// apiSecurityHeaders はJSON/OPML/SSEのみを返すAPI向けのヘッダー。
var apiSecurityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

// NewSecurityHeadersMiddleware はセキュリティ関連のレスポンスヘッダーを付与するミドルウェアを返す。
// Cache-Control はハンドラー側で上書きできる（SSEは no-cache を設定する）。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range apiSecurityHeaders {
				h.Set(kv[0], kv[1])
			}
			next.ServeHTTP(w, r)
		})
	}
}
