package feed

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// maxFaviconSize はアイコンの最大サイズ（256KB）。データURLとしてコレクションに保存するため小さく抑える。
	maxFaviconSize = 256 * 1024
	faviconTimeout = 5 * time.Second
)

// IconFetcher はコレクションアイコン取得のインターフェース。
type IconFetcher interface {
	// FetchIcon は iconURL の画像をデータURLとして返す。取得できない場合は空文字列。
	FetchIcon(ctx context.Context, iconURL string) string
	// FetchIconForSite はサイトの /favicon.ico をデータURLとして返す。取得できない場合は空文字列。
	FetchIconForSite(ctx context.Context, siteURL string) string
}

// FaviconFetcher はIconFetcherの実装。アイコン取得の失敗はエラーにせずログのみ出力する。
type FaviconFetcher struct {
	ssrfGuard SSRFValidator
}

// NewFaviconFetcher はFaviconFetcherの新しいインスタンスを生成する。
func NewFaviconFetcher(ssrfGuard SSRFValidator) *FaviconFetcher {
	return &FaviconFetcher{ssrfGuard: ssrfGuard}
}

// FetchIcon は iconURL の画像を取得し "data:<mime>;base64,..." 形式で返す。
func (f *FaviconFetcher) FetchIcon(ctx context.Context, iconURL string) string {
	data, mimeType := f.fetch(ctx, iconURL)
	if data == nil {
		return ""
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// FetchIconForSite はサイトの /favicon.ico を取得する。
func (f *FaviconFetcher) FetchIconForSite(ctx context.Context, siteURL string) string {
	return f.FetchIcon(ctx, guessDefaultFaviconURL(siteURL))
}

func (f *FaviconFetcher) fetch(ctx context.Context, iconURL string) ([]byte, string) {
	if iconURL == "" {
		return nil, ""
	}
	if f.ssrfGuard != nil {
		if err := f.ssrfGuard.ValidateURL(iconURL); err != nil {
			slog.Warn("favicon取得: SSRFブロック", slog.String("url", iconURL), slog.String("error", err.Error()))
			return nil, ""
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iconURL, nil)
	if err != nil {
		slog.Warn("favicon取得: リクエスト作成失敗", slog.String("url", iconURL), slog.String("error", err.Error()))
		return nil, ""
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.httpClient().Do(req)
	if err != nil {
		slog.Warn("favicon取得: HTTPリクエスト失敗", slog.String("url", iconURL), slog.String("error", err.Error()))
		return nil, ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("favicon取得: HTTPステータス異常", slog.String("url", iconURL), slog.Int("status", resp.StatusCode))
		return nil, ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFaviconSize+1))
	if err != nil {
		slog.Warn("favicon取得: レスポンス読み取り失敗", slog.String("url", iconURL), slog.String("error", err.Error()))
		return nil, ""
	}
	if len(body) > maxFaviconSize {
		slog.Warn("favicon取得: サイズ超過", slog.String("url", iconURL), slog.Int("size", len(body)))
		return nil, ""
	}

	mimeType := mediaTypeOf(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mimeType, "image/") {
		slog.Warn("favicon取得: 画像以外のContent-Type", slog.String("url", iconURL), slog.String("content_type", mimeType))
		return nil, ""
	}
	return body, mimeType
}

func (f *FaviconFetcher) httpClient() *http.Client {
	if f.ssrfGuard != nil {
		return f.ssrfGuard.NewSafeClient(faviconTimeout, maxFaviconSize)
	}
	return &http.Client{Timeout: faviconTimeout}
}

// guessDefaultFaviconURL はサイトURLから /favicon.ico のURLを組み立てる。
func guessDefaultFaviconURL(siteURL string) string {
	if siteURL == "" {
		return ""
	}
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Path = "/favicon.ico"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// compile-time interface check
var _ IconFetcher = (*FaviconFetcher)(nil)
