// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/feedtree/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// ErrNoUser はコンテキストに認証済みユーザーがいない場合のエラー。
var ErrNoUser = errors.New("user ID not found in context")

type userIDKey struct{}

// SessionFinder はセッションの検索に必要なインターフェース。
// 期限切れのセッションには nil を返す。repository.SessionRepository が実装する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewSessionMiddleware はセッションを検証し、ユーザーIDをリクエストコンテキストに注入するミドルウェアを返す。
// セッションの発行は外部の認証基盤が行い、ここでは検証のみ行う。
// セッションIDは HTTP Only Cookie、なければ Authorization: Bearer ヘッダーから読み取る。
func NewSessionMiddleware(sessions SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := authenticate(r, sessions)
			if !ok {
				WriteUnauthorized(w)
				return
			}

			setRequestUser(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

func authenticate(r *http.Request, sessions SessionFinder) (string, bool) {
	sessionID := sessionIDFromRequest(r)
	if sessionID == "" {
		return "", false
	}

	session, err := sessions.FindByID(r.Context(), sessionID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to find session", slog.String("error", err.Error()))
		return "", false
	}
	if session == nil || !session.ExpiresAt.After(time.Now()) {
		return "", false
	}
	return session.UserID, true
}

func sessionIDFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDKey{}).(string)
	if !ok || userID == "" {
		return "", ErrNoUser
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}
