// Package logger はアプリケーション全体で使う構造化ロガーを構築する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// level は debug, info, warn, error のいずれかで、それ以外は info として扱う。
func Setup(w io.Writer, level ...string) *slog.Logger {
	lv := slog.LevelInfo
	if len(level) > 0 {
		lv = ParseLevel(level[0])
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lv,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定し、そのロガーを返す。
// writerがnilの場合はos.Stdoutに出力する。
func SetupDefault(w io.Writer, level ...string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w, level...)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel はLOG_LEVELの値をslog.Levelに変換する。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
