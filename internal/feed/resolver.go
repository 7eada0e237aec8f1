package feed

import (
	"context"
	"log/slog"
)

// Detector はフィード検出のインターフェース。
type Detector interface {
	Detect(ctx context.Context, inputURL string) (*Detection, error)
}

// Resolution はフィードコレクション作成に必要な解決済みの情報。
type Resolution struct {
	FeedURL string
	Title   string
	Icon    string // データURL。取得できなければ空
}

// Resolver は入力URLをフィードURLとアイコンに解決する。
// 検出 → 宣言されたアイコン → /favicon.ico の順に試行する。
type Resolver struct {
	detector Detector
	icons    IconFetcher
	logger   *slog.Logger
}

// NewResolver はResolverを生成する。icons がnilの場合はアイコンを取得しない。
func NewResolver(detector Detector, icons IconFetcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{detector: detector, icons: icons, logger: logger}
}

// Resolve は inputURL からフィードを検出する。検出に失敗した場合は *model.APIError を返す。
// アイコン取得の失敗はエラーにしない。
func (r *Resolver) Resolve(ctx context.Context, inputURL string) (*Resolution, error) {
	det, err := r.detector.Detect(ctx, inputURL)
	if err != nil {
		return nil, err
	}

	res := &Resolution{FeedURL: det.FeedURL, Title: det.Title}
	if r.icons == nil {
		return res, nil
	}

	if det.IconURL != "" {
		res.Icon = r.icons.FetchIcon(ctx, det.IconURL)
	}
	if res.Icon == "" {
		site := det.SiteURL
		if site == "" {
			site = det.FeedURL
		}
		res.Icon = r.icons.FetchIconForSite(ctx, site)
	}

	r.logger.Info("feed resolved",
		slog.String("input_url", inputURL),
		slog.String("feed_url", res.FeedURL),
		slog.Bool("has_icon", res.Icon != ""),
	)
	return res, nil
}
