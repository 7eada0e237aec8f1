// Package feed はフィードコレクション追加時のURL解決（フィード検出とアイコン取得）を提供する。
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/feedtree/internal/model"
)

const (
	userAgent        = "feedtree/1.0"
	detectTimeout    = 10 * time.Second
	maxDetectBodyLen = 5 * 1024 * 1024
)

// FeedType はフィードの種類（RSS/Atom）を表す。
type FeedType string

const (
	FeedTypeRSS  FeedType = "rss"
	FeedTypeAtom FeedType = "atom"
)

// FeedCandidate はHTMLから検出されたフィード候補を表す。
type FeedCandidate struct {
	URL      string
	FeedType FeedType
	Title    string
}

// HeadLinks はHTMLのheadから抽出したリンク。
type HeadLinks struct {
	Feeds []FeedCandidate
	Icons []string // rel="icon" などで宣言されたアイコンの絶対URL（宣言順）
}

// Detection はURLから検出したフィードの情報。
type Detection struct {
	FeedURL string
	SiteURL string
	Title   string // 候補リンクのtitle属性。直接フィードURLが指定された場合は空
	IconURL string // HTMLで宣言されたアイコン。未宣言なら空
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// FeedDetector はフィード自動検出機能を提供する。
type FeedDetector struct {
	ssrfGuard SSRFValidator
}

// NewFeedDetector はFeedDetectorの新しいインスタンスを生成する。
func NewFeedDetector(ssrfGuard SSRFValidator) *FeedDetector {
	return &FeedDetector{ssrfGuard: ssrfGuard}
}

var feedContentTypes = []string{"application/rss+xml", "application/atom+xml"}

// xmlContentTypes はボディ解析が必要な汎用XMLのContent-Type。
var xmlContentTypes = []string{"text/xml", "application/xml"}

var iconRels = []string{"icon", "shortcut icon", "apple-touch-icon"}

// IsDirectFeed はContent-Typeとボディから、レスポンスがRSS/Atomフィードかを判定する。
func (d *FeedDetector) IsDirectFeed(contentType string, body []byte) bool {
	mediaType := mediaTypeOf(contentType)
	if slices.Contains(feedContentTypes, mediaType) {
		return true
	}
	if !slices.Contains(xmlContentTypes, mediaType) || len(body) == 0 {
		return false
	}
	return isRSSOrAtomXML(body)
}

// isRSSOrAtomXML はボディ先頭4KBのルート要素からRSS/Atomかを判定する。
func isRSSOrAtomXML(body []byte) bool {
	prefix := strings.ToLower(string(body[:min(len(body), 4096)]))

	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

// ParseHeadLinks はHTMLのheadからフィードリンクとアイコンリンクを抽出する。
// 相対URLはbaseURLを基準に絶対URLへ解決する。
func (d *FeedDetector) ParseHeadLinks(htmlBody []byte, baseURL string) HeadLinks {
	var links HeadLinks

	base, err := url.Parse(baseURL)
	if err != nil {
		return links
	}

	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	inHead := false

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			switch string(tn) {
			case "head":
				inHead = true
				continue
			case "body":
				return links
			case "link":
			default:
				continue
			}
			if !inHead || !hasAttr {
				continue
			}

			attrs := linkAttrs(tokenizer)
			href := resolveURL(base, attrs["href"])
			if href == "" {
				continue
			}

			rel := strings.ToLower(attrs["rel"])
			switch {
			case rel == "alternate":
				var ft FeedType
				switch strings.ToLower(attrs["type"]) {
				case "application/rss+xml":
					ft = FeedTypeRSS
				case "application/atom+xml":
					ft = FeedTypeAtom
				default:
					continue
				}
				links.Feeds = append(links.Feeds, FeedCandidate{URL: href, FeedType: ft, Title: attrs["title"]})
			case slices.Contains(iconRels, rel):
				links.Icons = append(links.Icons, href)
			}

		case html.EndTagToken:
			if tn, _ := tokenizer.TagName(); string(tn) == "head" {
				return links
			}
		}
	}
}

func linkAttrs(z *html.Tokenizer) map[string]string {
	attrs := make(map[string]string, 4)
	for {
		key, val, more := z.TagAttr()
		attrs[strings.ToLower(string(key))] = string(val)
		if !more {
			return attrs
		}
	}
}

func resolveURL(base *url.URL, rawRef string) string {
	if rawRef == "" {
		return ""
	}
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// SelectBestFeed は候補から同一ホスト > Atom > 先頭 の優先順位で1つ選ぶ。
func (d *FeedDetector) SelectBestFeed(candidates []FeedCandidate, inputURL string) *FeedCandidate {
	if len(candidates) == 0 {
		return nil
	}

	inputHost := extractHost(inputURL)
	bestIdx, bestScore := 0, -1
	for i, c := range candidates {
		score := 0
		if extractHost(c.URL) == inputHost {
			score += 100
		}
		if c.FeedType == FeedTypeAtom {
			score += 10
		}
		// 同点なら先に現れた候補
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return &candidates[bestIdx]
}

func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Detect はURLがフィードかHTMLページかを判定し、フィードURLを返す。
// HTMLページの場合はheadの rel="alternate" リンクから候補を選び、
// 同時に宣言されているアイコンのURLも返す。
func (d *FeedDetector) Detect(ctx context.Context, inputURL string) (*Detection, error) {
	if inputURL == "" {
		return nil, model.NewInvalidURLError("URLが入力されていません")
	}
	if d.ssrfGuard != nil {
		if err := d.ssrfGuard.ValidateURL(inputURL); err != nil {
			return nil, model.NewSSRFBlockedError()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inputURL, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html, */*")

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewFetchFailedError(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDetectBodyLen))
	if err != nil {
		return nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}

	contentType := resp.Header.Get("Content-Type")
	if d.IsDirectFeed(contentType, body) {
		return &Detection{FeedURL: inputURL, SiteURL: siteRoot(inputURL)}, nil
	}
	if !strings.Contains(mediaTypeOf(contentType), "html") {
		return nil, model.NewFeedNotDetectedError(inputURL)
	}

	links := d.ParseHeadLinks(body, inputURL)
	best := d.SelectBestFeed(links.Feeds, inputURL)
	if best == nil {
		return nil, model.NewFeedNotDetectedError(inputURL)
	}

	det := &Detection{FeedURL: best.URL, SiteURL: siteRoot(inputURL), Title: best.Title}
	if len(links.Icons) > 0 {
		det.IconURL = links.Icons[0]
	}
	return det, nil
}

// DetectFeedURL はDetectのフィードURLのみを返す。
func (d *FeedDetector) DetectFeedURL(ctx context.Context, inputURL string) (string, error) {
	det, err := d.Detect(ctx, inputURL)
	if err != nil {
		return "", err
	}
	return det.FeedURL, nil
}

func (d *FeedDetector) httpClient() *http.Client {
	if d.ssrfGuard != nil {
		return d.ssrfGuard.NewSafeClient(detectTimeout, maxDetectBodyLen)
	}
	return &http.Client{Timeout: detectTimeout}
}

func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mediaType)
}

// siteRoot はURLのスキームとホストのみを残したURLを返す。
func siteRoot(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
