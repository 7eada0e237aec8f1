// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, feed, tree, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeFeedNotDetected    = "FEED_NOT_DETECTED"
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeSSRFBlocked        = "SSRF_BLOCKED"
	ErrCodeFetchFailed        = "FETCH_FAILED"
	ErrCodeCollectionNotFound = "COLLECTION_NOT_FOUND"
	ErrCodeItemNotFound       = "ITEM_NOT_FOUND"
	ErrCodeCyclicMove         = "CYCLIC_MOVE"
	ErrCodeInvalidMove        = "INVALID_MOVE"
	ErrCodeMalformedTree      = "MALFORMED_TREE"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInvalidOPML        = "INVALID_OPML"
	ErrCodeDuplicateFeed      = "DUPLICATE_FEED"
)

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewFeedNotDetectedError はフィード未検出エラーを生成する。
func NewFeedNotDetectedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotDetected,
		Message:  fmt.Sprintf("指定されたURLからRSS/Atomフィードを検出できませんでした: %s", url),
		Category: "feed",
		Action:   "RSS/AtomフィードのURLを直接入力するか、フィードが公開されているページのURLを確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "feed",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewInvalidOPMLError はOPMLの解析に失敗した場合のエラーを生成する。
func NewInvalidOPMLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOPML,
		Message:  fmt.Sprintf("OPMLの解析に失敗しました: %s", reason),
		Category: "validation",
		Action:   "有効なOPMLファイルを指定してください。",
	}
}

// NewDuplicateFeedError は同じURLのフィードが既にツリーにある場合のエラーを生成する。
func NewDuplicateFeedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateFeed,
		Message:  fmt.Sprintf("このフィードは既に登録されています: %s", url),
		Category: "feed",
		Action:   "登録済みのフィードはツリー内で移動できます。",
	}
}

// --- フェッチ系エラー ---

// NetworkError はタイムアウト、DNS失敗、接続拒否などのネットワークエラー。
// 常にリトライ可能。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError は想定外のHTTPステータスを表す。
// 429と5xxはリトライ可能、それ以外の4xxはリトライ不可。
type HTTPError struct {
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d (%s) from %s", e.Status, http.StatusText(e.Status), e.URL)
}

// Retryable はステータスコードがリトライ対象かを返す。
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// ParseError はXML不正やフィード形式不正によるパース失敗。リトライ不可。
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse feed %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError はCollectionStoreの読み書き失敗。
// リフレッシュ中に発生した場合はそのフィードのサイクルのみ中断する。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable はエラーが次回以降のリトライ対象かを判定する。
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return false
}

// --- ツリー系エラー ---

// MalformedTreeError はフラット表現からツリーを復元できない場合のエラー。
// データ整合性の問題であり、呼び出し元へそのまま返す。
type MalformedTreeError struct {
	NodeID string
	Reason string
}

func (e *MalformedTreeError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("malformed collection tree: %s", e.Reason)
	}
	return fmt.Sprintf("malformed collection tree at %s: %s", e.NodeID, e.Reason)
}

// CyclicMoveError はフォルダを自分自身の子孫へ移動しようとした場合のエラー。
type CyclicMoveError struct {
	MovedID  string
	TargetID string
}

func (e *CyclicMoveError) Error() string {
	return fmt.Sprintf("cannot move a folder into its own descendant (%s -> %s)", e.MovedID, e.TargetID)
}

// InvalidMoveError はルートの移動やフィード配下への移動など、循環以外の不正な移動。
type InvalidMoveError struct {
	MovedID string
	Reason  string
}

func (e *InvalidMoveError) Error() string {
	return fmt.Sprintf("invalid move of %s: %s", e.MovedID, e.Reason)
}

// NotFoundError は対象のコレクションや記事が存在しない場合のエラー。
type NotFoundError struct {
	Kind string // "collection" または "item"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewCollectionNotFound はコレクション未検出エラーを生成する。
func NewCollectionNotFound(id string) *NotFoundError {
	return &NotFoundError{Kind: "collection", ID: id}
}

// NewItemNotFound は記事未検出エラーを生成する。
func NewItemNotFound(id string) *NotFoundError {
	return &NotFoundError{Kind: "item", ID: id}
}
