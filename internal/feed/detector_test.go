package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/feedtree/internal/model"
)

// mockSSRFGuard はテスト用のSSRF検証。blockAll が true なら全URLを拒否する。
type mockSSRFGuard struct {
	blockAll bool
}

func (m *mockSSRFGuard) ValidateURL(rawURL string) error {
	if m.blockAll {
		return errors.New("blocked")
	}
	return nil
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration, _ int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

func TestIsDirectFeed(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        bool
	}{
		{"RSSのContent-Type", "application/rss+xml", "", true},
		{"AtomのContent-Type", "application/atom+xml", "", true},
		{"charset付き", "application/rss+xml; charset=utf-8", "", true},
		{"text/xml + RSS", "text/xml", `<?xml version="1.0"?><rss version="2.0"><channel/></rss>`, true},
		{"application/xml + RDF", "application/xml", `<?xml version="1.0"?><rdf:RDF></rdf:RDF>`, true},
		{"text/xml + Atom", "text/xml", `<feed xmlns="http://www.w3.org/2005/Atom"><title>T</title></feed>`, true},
		{"text/xml + HTML", "text/xml", `<?xml version="1.0"?><html><head></head></html>`, false},
		{"text/xml + 空ボディ", "text/xml", "", false},
		{"HTML", "text/html", `<rss>`, false},
	}

	d := NewFeedDetector(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.IsDirectFeed(tt.contentType, []byte(tt.body)); got != tt.want {
				t.Errorf("IsDirectFeed(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestParseHeadLinks(t *testing.T) {
	page := `<html><head>
		<title>Blog</title>
		<link rel="stylesheet" href="/style.css">
		<link rel="alternate" type="application/rss+xml" title="RSS" href="/feed.xml">
		<link rel="alternate" type="application/atom+xml" title="Atom" href="https://example.com/atom.xml">
		<link rel="alternate" type="text/html" href="/en/">
		<link rel="icon" href="/static/icon.png">
		<link rel="shortcut icon" href="/favicon.ico">
	</head><body>
		<link rel="alternate" type="application/rss+xml" href="/ignored.xml">
	</body></html>`

	d := NewFeedDetector(nil)
	links := d.ParseHeadLinks([]byte(page), "https://example.com/blog/")

	if len(links.Feeds) != 2 {
		t.Fatalf("feeds = %+v, want 2 candidates", links.Feeds)
	}
	if links.Feeds[0].URL != "https://example.com/feed.xml" || links.Feeds[0].FeedType != FeedTypeRSS || links.Feeds[0].Title != "RSS" {
		t.Errorf("feeds[0] = %+v", links.Feeds[0])
	}
	if links.Feeds[1].FeedType != FeedTypeAtom {
		t.Errorf("feeds[1] = %+v", links.Feeds[1])
	}

	wantIcons := []string{"https://example.com/static/icon.png", "https://example.com/favicon.ico"}
	if len(links.Icons) != len(wantIcons) {
		t.Fatalf("icons = %v, want %v", links.Icons, wantIcons)
	}
	for i := range wantIcons {
		if links.Icons[i] != wantIcons[i] {
			t.Errorf("icons[%d] = %q, want %q", i, links.Icons[i], wantIcons[i])
		}
	}
}

func TestParseHeadLinks_NoLinks(t *testing.T) {
	d := NewFeedDetector(nil)
	links := d.ParseHeadLinks([]byte(`<html><head><title>x</title></head></html>`), "https://example.com")
	if len(links.Feeds) != 0 || len(links.Icons) != 0 {
		t.Errorf("links = %+v, want empty", links)
	}
}

func TestSelectBestFeed(t *testing.T) {
	tests := []struct {
		name       string
		candidates []FeedCandidate
		want       string
	}{
		{
			name: "同一ホスト優先",
			candidates: []FeedCandidate{
				{URL: "https://feeds.other.com/atom.xml", FeedType: FeedTypeAtom},
				{URL: "https://example.com/rss.xml", FeedType: FeedTypeRSS},
			},
			want: "https://example.com/rss.xml",
		},
		{
			name: "AtomをRSSより優先",
			candidates: []FeedCandidate{
				{URL: "https://example.com/rss.xml", FeedType: FeedTypeRSS},
				{URL: "https://example.com/atom.xml", FeedType: FeedTypeAtom},
			},
			want: "https://example.com/atom.xml",
		},
		{
			name: "同条件なら先頭",
			candidates: []FeedCandidate{
				{URL: "https://example.com/a.xml", FeedType: FeedTypeRSS},
				{URL: "https://example.com/b.xml", FeedType: FeedTypeRSS},
			},
			want: "https://example.com/a.xml",
		},
	}

	d := NewFeedDetector(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			best := d.SelectBestFeed(tt.candidates, "https://example.com/")
			if best == nil || best.URL != tt.want {
				t.Errorf("SelectBestFeed = %+v, want %s", best, tt.want)
			}
		})
	}

	if d.SelectBestFeed(nil, "https://example.com") != nil {
		t.Error("候補がない場合はnilを返すべき")
	}
}

func TestDetect_DirectFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, `<feed xmlns="http://www.w3.org/2005/Atom"><title>T</title></feed>`)
	}))
	defer server.Close()

	det, err := NewFeedDetector(&mockSSRFGuard{}).Detect(context.Background(), server.URL+"/atom.xml")
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if det.FeedURL != server.URL+"/atom.xml" {
		t.Errorf("FeedURL = %q", det.FeedURL)
	}
	if det.SiteURL != server.URL {
		t.Errorf("SiteURL = %q, want %q", det.SiteURL, server.URL)
	}
	if det.IconURL != "" {
		t.Errorf("直接フィードにはアイコン宣言がない: %q", det.IconURL)
	}
}

func TestDetect_HTMLPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head>
			<link rel="alternate" type="application/rss+xml" title="Main" href="/feed.xml">
			<link rel="icon" href="/icon.png">
		</head><body></body></html>`)
	}))
	defer server.Close()

	det, err := NewFeedDetector(&mockSSRFGuard{}).Detect(context.Background(), server.URL+"/")
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if det.FeedURL != server.URL+"/feed.xml" || det.Title != "Main" || det.IconURL != server.URL+"/icon.png" {
		t.Errorf("Detect = %+v", det)
	}

	feedURL, err := NewFeedDetector(&mockSSRFGuard{}).DetectFeedURL(context.Background(), server.URL+"/")
	if err != nil || feedURL != server.URL+"/feed.xml" {
		t.Errorf("DetectFeedURL = %q, %v", feedURL, err)
	}
}

func TestDetect_Errors(t *testing.T) {
	noFeed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>No feed</title></head></html>`)
	}))
	defer noFeed.Close()

	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()

	jsonBody := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer jsonBody.Close()

	tests := []struct {
		name     string
		guard    *mockSSRFGuard
		url      string
		wantCode string
	}{
		{"空URL", &mockSSRFGuard{}, "", model.ErrCodeInvalidURL},
		{"SSRFブロック", &mockSSRFGuard{blockAll: true}, "http://192.168.1.1/feed.xml", model.ErrCodeSSRFBlocked},
		{"フィードリンクなし", &mockSSRFGuard{}, noFeed.URL, model.ErrCodeFeedNotDetected},
		{"HTMLでもフィードでもない", &mockSSRFGuard{}, jsonBody.URL, model.ErrCodeFeedNotDetected},
		{"404", &mockSSRFGuard{}, notFound.URL, model.ErrCodeFetchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFeedDetector(tt.guard).Detect(context.Background(), tt.url)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("APIError型が期待されるが、%T が返された", err)
			}
			if apiErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", apiErr.Code, tt.wantCode)
			}
			if apiErr.Action == "" {
				t.Error("対処方法が空であるべきではない")
			}
		})
	}
}
