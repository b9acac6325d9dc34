package attendance

import "attendance/pkg/models"

// Cache key prefixes, one per resource type
const (
	EventListKey   = "cached_event_list"
	boardPrefix    = "cached_board_"
	historyPrefix  = "cache_history_"
	rankingsPrefix = "cached_rankings_"
)

// BoardKey is the cache key of an event's leaderboard
func BoardKey(event string) string {
	return boardPrefix + event
}

// HistoryKey is the cache key of a user's history
func HistoryKey(name string) string {
	return historyPrefix + name
}

// RankingsKey is the cache key of an event's titles
func RankingsKey(event string) string {
	return rankingsPrefix + event
}

// affectedBy lists every key a check-in by name at event can change
func affectedBy(name, event string) []string {
	keys := []string{
		HistoryKey(name),
		BoardKey(models.GlobalEvent),
		RankingsKey(models.GlobalEvent),
	}
	if event != "" && event != models.GlobalEvent {
		keys = append(keys, BoardKey(event), RankingsKey(event))
	}
	return keys
}
