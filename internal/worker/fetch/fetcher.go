package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/rss"

	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/security"
)

// userAgent はフィード取得時のUser-Agent。
const userAgent = "feedtree/1.0"

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// ContentSanitizer は記事HTMLのサニタイズのインターフェース。
type ContentSanitizer interface {
	Sanitize(rawHTML string) string
}

// FetchRequest は1回のフェッチ要求。ETag/LastModified があれば条件付きGETを行う。
type FetchRequest struct {
	FeedID       string
	URL          string
	ETag         string
	LastModified string
}

// FetchResult はフェッチ結果。Unchanged が true の場合 Items は空。
type FetchResult struct {
	Items        []model.NormalizedItem
	Unchanged    bool
	ETag         string
	LastModified string
	Title        string
	SiteURL      string
	StatusCode   int
}

// Fetcher は個別フィードのHTTPフェッチとパースを行う。
// ストレージには触れず、正規化した記事のみを返す。
type Fetcher struct {
	ssrfGuard   SSRFValidator
	sanitizer   ContentSanitizer
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	ssrfGuard SSRFValidator,
	sanitizer ContentSanitizer,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Fetcher {
	return &Fetcher{
		ssrfGuard:   ssrfGuard,
		sanitizer:   sanitizer,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Fetch はフィードを取得して正規化する。
//
// 失敗は次のいずれかの型で返す:
//   - *model.NetworkError: タイムアウト、DNS失敗、接続拒否、読み取り失敗（リトライ可能）
//   - *model.HTTPError: 想定外のステータス（429/5xxのみリトライ可能）
//   - *model.ParseError: XML不正、フィード形式不正、サイズ超過（リトライ不可）
//
// SSRF検証に失敗したURLはリトライ不可のエラーとなる。
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	start := time.Now()

	if err := f.ssrfGuard.ValidateURL(req.URL); err != nil {
		f.logger.Warn("SSRF検証に失敗しました",
			slog.String("feed_id", req.FeedID),
			slog.String("feed_url", req.URL),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	client := f.ssrfGuard.NewSafeClient(f.timeout, f.maxBodySize)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 条件付きGET
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, security.ErrResponseTooLarge) {
			return nil, &model.ParseError{URL: req.URL, Err: err}
		}
		return nil, &model.NetworkError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	result := &FetchResult{
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case StatusNotModified:
		result.Unchanged = true
		f.logger.Info("フィードは未変更です（304）",
			slog.String("feed_id", req.FeedID),
			slog.String("feed_url", req.URL),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
		return result, nil
	case StatusOK:
	default:
		return nil, &model.HTTPError{URL: req.URL, Status: resp.StatusCode}
	}

	// 上限+1バイトまで読み、超過を検出する
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if errors.Is(err, security.ErrResponseTooLarge) {
		return nil, &model.ParseError{URL: req.URL, Err: err}
	}
	if err != nil {
		return nil, &model.NetworkError{URL: req.URL, Err: err}
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, &model.ParseError{URL: req.URL, Err: fmt.Errorf("response exceeds %d bytes", f.maxBodySize)}
	}

	parsed, comments, err := parseFeed(body)
	if err != nil {
		return nil, &model.ParseError{URL: req.URL, Err: err}
	}

	result.Title = strings.TrimSpace(parsed.Title)
	result.SiteURL = parsed.Link
	result.Items = f.normalizeItems(parsed.Items, comments)

	f.logger.Info("フィードを取得しました",
		slog.String("feed_id", req.FeedID),
		slog.String("feed_url", req.URL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("items_total", len(result.Items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result, nil
}

// parseFeed はRSS 2.0/Atomをパースする。
// gofeedの共通形式はRSSの<comments>を保持しないため、RSSの場合は
// rssパーサーで読み込んでから変換し、記事の順序に対応するコメントURLを併せて返す。
func parseFeed(body []byte) (*gofeed.Feed, []string, error) {
	if gofeed.DetectFeedType(bytes.NewReader(body)) == gofeed.FeedTypeRSS {
		rp := &rss.Parser{}
		rssFeed, err := rp.Parse(bytes.NewReader(body))
		if err != nil {
			return nil, nil, err
		}
		translator := &gofeed.DefaultRSSTranslator{}
		parsed, err := translator.Translate(rssFeed)
		if err != nil {
			return nil, nil, err
		}
		comments := make([]string, len(rssFeed.Items))
		for i, it := range rssFeed.Items {
			if it != nil {
				comments[i] = strings.TrimSpace(it.Comments)
			}
		}
		return parsed, comments, nil
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	return parsed, nil, nil
}

// normalizeItems はgofeedの記事を正規化された記事に変換する。
func (f *Fetcher) normalizeItems(items []*gofeed.Item, comments []string) []model.NormalizedItem {
	normalized := make([]model.NormalizedItem, 0, len(items))

	for i, item := range items {
		if item == nil {
			continue
		}

		n := model.NormalizedItem{
			Title:      strings.TrimSpace(item.Title),
			Link:       strings.TrimSpace(item.Link),
			Summary:    f.sanitizer.Sanitize(item.Description),
			FullText:   f.sanitizer.Sanitize(item.Content),
			Categories: item.Categories,
		}

		// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
		guid := strings.TrimSpace(item.GUID)
		if n.Link == "" && (strings.HasPrefix(guid, "http://") || strings.HasPrefix(guid, "https://")) {
			n.Link = guid
		}

		if item.PublishedParsed != nil {
			n.DatePublished = item.PublishedParsed.UTC()
		} else if item.UpdatedParsed != nil {
			n.DatePublished = item.UpdatedParsed.UTC()
		}
		if item.UpdatedParsed != nil {
			n.DateUpdated = item.UpdatedParsed.UTC()
		} else {
			n.DateUpdated = n.DatePublished
		}

		n.ExternalID = externalID(guid, n.Link, n.Title, n.DatePublished)
		n.ThumbnailURL = thumbnailURL(item)

		if i < len(comments) {
			n.Comments = comments[i]
		}

		normalized = append(normalized, n)
	}

	return normalized
}

// externalID は記事の外部IDを決定する。
// GUIDがあればGUID、なければリンクのハッシュ、どちらもなければタイトルと公開日時のハッシュ。
func externalID(guid, link, title string, published time.Time) string {
	if guid != "" {
		return guid
	}
	if link != "" {
		return hashOf(link)
	}
	if title == "" && published.IsZero() {
		return ""
	}
	pub := ""
	if !published.IsZero() {
		pub = published.UTC().Format(time.RFC3339)
	}
	return hashOf(title + "|" + pub)
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// thumbnailURL は記事画像、なければ最初の画像エンクロージャのURLを返す。
func thumbnailURL(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	return ""
}
