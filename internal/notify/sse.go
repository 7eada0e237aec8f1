package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WriteEvent はイベントを1つのSSEフレームとして書き出す。
//
//	event: <type>
//	data: <json>
func WriteEvent(w io.Writer, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

// WriteHeartbeat は接続維持用のコメント行を書き出す。
func WriteHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": ping\n\n")
	return err
}

// Stream は購読に届いたイベントを Server-Sent Events として書き出す。
// ctx の終了（クライアント切断）か購読の終了まで戻らない。
func Stream(ctx context.Context, w http.ResponseWriter, sub *Subscription, heartbeat time.Duration) error {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("streaming unsupported: %w", err)
	}

	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := WriteEvent(w, evt); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil {
				return err
			}
		case <-ticker.C:
			if err := WriteHeartbeat(w); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil {
				return err
			}
		}
	}
}
