// internal/tracker/history.go
package tracker

import (
	"context"
	"fmt"
	"sort"

	"mcp-nutrition-log/internal/models"
	"mcp-nutrition-log/internal/storage"
)

const defaultHistoryLimit = 20

// Meals returns meals logged within r, newest first. Signed-in sessions read
// every stored day from the remote store; an anonymous session only has the
// log currently held in memory.
func (t *Tracker) Meals(ctx context.Context, r models.DateRange, limit int) ([]models.Meal, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	view := t.state.View()
	var logs []*models.DailyLog
	if view.Identity.IsAnonymous() {
		if view.Log != nil {
			logs = append(logs, view.Log)
		}
	} else {
		docs, err := t.remote.Query(storage.DailyLogsPath(view.Identity.UserID), dayAligned(r)).Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query meals: %w", err)
		}
		for _, doc := range docs {
			var log models.DailyLog
			if err := storage.Decode(doc.Data, &log); err != nil {
				return nil, fmt.Errorf("failed to decode log %s: %w", doc.Path, err)
			}
			logs = append(logs, &log)
		}
	}

	meals := []models.Meal{}
	for _, log := range logs {
		for _, m := range log.Meals {
			if r.Contains(m.LoggedAt) {
				meals = append(meals, m)
			}
		}
	}
	sort.SliceStable(meals, func(i, j int) bool {
		return meals[j].LoggedAt.Before(meals[i].LoggedAt)
	})
	if len(meals) > limit {
		meals = meals[:limit]
	}
	return meals, nil
}

// dayAligned widens r to whole days so logs dated at midnight are selected.
func dayAligned(r models.DateRange) models.DateRange {
	start := models.StartOfDay(r.Start.Time())
	end := r.End.Time()
	if !models.StartOfDay(end).Equal(end) {
		end = models.StartOfDay(end).AddDate(0, 0, 1)
	}
	return models.DateRange{Start: models.NewTimestamp(start), End: models.NewTimestamp(end)}
}
