package handler

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker はDB接続の疎通確認を行う。*sql.DB が実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// NewHealthHandler はヘルスチェックのハンドラーを返す。
// DBに到達できない場合は503を返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "unknown"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := checker.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Database: "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
	}
}
