package fetch

import "time"

// Clock は現在時刻の取得を抽象化する。テストでは固定時刻を注入する。
type Clock interface {
	Now() time.Time
}

// SystemClock はシステム時刻を返すClock。
type SystemClock struct{}

// Now は現在時刻をUTCで返す。
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
