package analytics

import (
	"sort"
	"time"

	"zenflow/internal/model"
)

// HourlyActivity buckets activity entries per UTC hour and action.
func HourlyActivity(entries []model.ActivityEntry) map[time.Time]map[string]int {
	buckets := make(map[time.Time]map[string]int)
	for _, e := range entries {
		key := e.Timestamp.UTC().Truncate(time.Hour)
		if _, ok := buckets[key]; !ok {
			buckets[key] = make(map[string]int)
		}
		buckets[key][e.Action]++
	}
	return buckets
}

// Totals sums entries per action.
func Totals(entries []model.ActivityEntry) map[string]int {
	out := make(map[string]int)
	for _, e := range entries {
		out[e.Action]++
	}
	return out
}

// SortedBucketKeys returns sorted hour keys.
func SortedBucketKeys(m map[time.Time]map[string]int) []time.Time {
	keys := make([]time.Time, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}
