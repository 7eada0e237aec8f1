// Package notify はユーザー単位のライブ更新イベントを配信する。
//
// Bus はプロセス内のpublish/subscribeバスで、Publish は決してブロックしない。
// 購読者のバッファが満杯の場合、そのイベントは破棄される。
// クライアントはイベントを取りこぼした場合、ツリー全体の再取得で整合を取る。
package notify

import "encoding/json"

// EventType はイベントの種別。
type EventType string

const (
	// EventUpdatingFeeds はフィードのリフレッシュ開始を示す。
	EventUpdatingFeeds EventType = "UpdatingFeeds"
	// EventUpdatedFeeds はフィードのリフレッシュ完了を示す。
	EventUpdatedFeeds EventType = "UpdatedFeeds"
)

// Event はクライアントへ配信する1件のイベント。
// UserID は配信先の絞り込みにのみ使用し、ペイロードには含めない。
type Event struct {
	UserID                string
	Type                  EventType
	FeedIDs               []string
	AffectedCollectionIDs []string
	UnreadCounts          map[string]int
}

// UpdatingFeeds はリフレッシュ開始イベントを生成する。
func UpdatingFeeds(userID string, feedIDs []string) Event {
	return Event{UserID: userID, Type: EventUpdatingFeeds, FeedIDs: feedIDs}
}

// UpdatedFeeds はリフレッシュ完了イベントを生成する。
// affected が空の場合、クライアントは進行中表示の解除のみ行う。
func UpdatedFeeds(userID string, feedIDs, affected []string, unreadCounts map[string]int) Event {
	return Event{
		UserID:                userID,
		Type:                  EventUpdatedFeeds,
		FeedIDs:               feedIDs,
		AffectedCollectionIDs: affected,
		UnreadCounts:          unreadCounts,
	}
}

type updatingPayload struct {
	Type    EventType `json:"type"`
	FeedIDs []string  `json:"feedIds"`
}

type updatedPayload struct {
	Type                  EventType      `json:"type"`
	FeedIDs               []string       `json:"feedIds"`
	AffectedCollectionIDs []string       `json:"affectedCollectionIds"`
	UnreadCounts          map[string]int `json:"unreadCounts,omitempty"`
}

// MarshalJSON はクライアント互換のペイロード形式でイベントをエンコードする。
// feedIds と affectedCollectionIds は空でも [] として出力する。
func (e Event) MarshalJSON() ([]byte, error) {
	feedIDs := nonNil(e.FeedIDs)
	if e.Type == EventUpdatingFeeds {
		return json.Marshal(updatingPayload{Type: e.Type, FeedIDs: feedIDs})
	}
	return json.Marshal(updatedPayload{
		Type:                  e.Type,
		FeedIDs:               feedIDs,
		AffectedCollectionIDs: nonNil(e.AffectedCollectionIDs),
		UnreadCounts:          e.UnreadCounts,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
