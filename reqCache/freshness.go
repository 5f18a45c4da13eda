package reqCache

import (
	"time"

	"github.com/jakepeg/doo-journal-sub000/store"
)

// IsFresh 判断条目在 now 时刻是否仍在 maxAge 之内
// 所有关于"新鲜度"的比较都只能走这里
func IsFresh(entry *store.Entry, maxAge time.Duration, now time.Time) bool {
	if entry == nil || entry.CachedAt.IsZero() {
		return false
	}
	return now.Sub(entry.CachedAt) < maxAge
}
