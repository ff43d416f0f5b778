package cache

import "fmt"

// Cache key generators. Keys follow the "<namespace>:<qualifier>" form so
// namespace-wide invalidation can match on the prefix.

// InboxKey is the cache key for the inbox view, optionally bounded by limit.
func InboxKey(limit *int) string {
	if limit != nil {
		return fmt.Sprintf("inbox:%d", *limit)
	}
	return "inbox:all"
}

// TodayKey is the cache key for the today view, optionally bounded by limit.
func TodayKey(limit *int) string {
	if limit != nil {
		return fmt.Sprintf("today:%d", *limit)
	}
	return "today:all"
}

// ProjectsKey is the cache key for the project list, optionally scoped to an area.
func ProjectsKey(areaUUID *string) string {
	if areaUUID != nil {
		return fmt.Sprintf("projects:%s", *areaUUID)
	}
	return "projects:all"
}

// AreasKey is the cache key for the area list.
func AreasKey() string {
	return "areas:all"
}

// SearchKey is the cache key for a search query, optionally bounded by limit.
func SearchKey(query string, limit *int) string {
	if limit != nil {
		return fmt.Sprintf("search:%s:%d", query, *limit)
	}
	return fmt.Sprintf("search:%s:all", query)
}
