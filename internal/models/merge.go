// internal/models/merge.go
package models

import "sort"

// MergeMeals folds local meals into remote ones. A local meal whose
// loggedAt second already appears among the remote meals is treated as the
// same entry and dropped; the remote copy wins. Two different meals logged
// within the same second therefore collapse into one.
func MergeMeals(remote, local []Meal) []Meal {
	seen := make(map[int64]struct{}, len(remote))
	merged := make([]Meal, 0, len(remote)+len(local))
	for _, m := range remote {
		seen[m.LoggedAt.Seconds] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range local {
		if _, dup := seen[m.LoggedAt.Seconds]; dup {
			continue
		}
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].LoggedAt.Before(merged[j].LoggedAt)
	})
	return merged
}

// MergeDailyLogs returns a new log carrying the remote date and the merged
// meal sequence, with the total recomputed.
func MergeDailyLogs(remote, local *DailyLog) *DailyLog {
	if remote == nil {
		return local.Clone()
	}
	out := remote.Clone()
	if local != nil {
		out.Meals = MergeMeals(remote.Meals, local.Meals)
	}
	out.Recompute()
	return out
}
