package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meal(name string, seconds int64, calories float64) Meal {
	return Meal{Name: name, Calories: calories, LoggedAt: Timestamp{Seconds: seconds}}
}

// TestMergeDailyLogs_RemoteWinsOnCollision checks the documented merge example:
// the colliding local meal is dropped and the other one appended.
func TestMergeDailyLogs_RemoteWinsOnCollision(t *testing.T) {
	remote := &DailyLog{Date: Timestamp{Seconds: 0}, ConsumedCalories: 50, Meals: []Meal{meal("rice", 100, 50)}}
	local := &DailyLog{Date: Timestamp{Seconds: 0}, ConsumedCalories: 1029, Meals: []Meal{
		meal("local rice", 100, 999),
		meal("soup", 200, 30),
	}}

	merged := MergeDailyLogs(remote, local)

	require.Len(t, merged.Meals, 2)
	assert.Equal(t, meal("rice", 100, 50), merged.Meals[0])
	assert.Equal(t, meal("soup", 200, 30), merged.Meals[1])
	assert.Equal(t, 80.0, merged.ConsumedCalories)
	assert.NoError(t, merged.Check())

	// inputs untouched
	assert.Len(t, remote.Meals, 1)
	assert.Len(t, local.Meals, 2)
}

func TestMergeMeals_SortsAscending(t *testing.T) {
	remote := []Meal{meal("b", 300, 1), meal("a", 100, 1)}
	local := []Meal{meal("c", 200, 1), meal("d", 50, 1)}

	merged := MergeMeals(remote, local)

	var order []int64
	for _, m := range merged {
		order = append(order, m.LoggedAt.Seconds)
	}
	assert.Equal(t, []int64{50, 100, 200, 300}, order)
}

func TestMergeMeals_SubSecondCollisionCollapses(t *testing.T) {
	remote := []Meal{{Name: "a", Calories: 10, LoggedAt: Timestamp{Seconds: 100, Nanoseconds: 1}}}
	local := []Meal{{Name: "b", Calories: 20, LoggedAt: Timestamp{Seconds: 100, Nanoseconds: 900}}}

	merged := MergeMeals(remote, local)

	require.Len(t, merged, 1)
	assert.Equal(t, "a", merged[0].Name)
}

func TestMergeDailyLogs_NilRemote(t *testing.T) {
	local := &DailyLog{ConsumedCalories: 30, Meals: []Meal{meal("soup", 200, 30)}}

	merged := MergeDailyLogs(nil, local)

	assert.Equal(t, local, merged)
	assert.NotSame(t, local, merged)
}

func TestDailyLog_WithMealKeepsInvariant(t *testing.T) {
	log := &DailyLog{Meals: []Meal{}}
	for i, c := range []float64{120, 33.5, 0, 410.25} {
		log = log.WithMeal(meal("x", int64(i), c))
		require.NoError(t, log.Check())
	}
	assert.Equal(t, 563.75, log.ConsumedCalories)
}

func TestDailyLog_CheckDetectsDrift(t *testing.T) {
	log := &DailyLog{ConsumedCalories: 10, Meals: []Meal{meal("x", 1, 20)}}

	assert.Error(t, log.Check())
	assert.Panics(t, log.MustCheck)

	log.Recompute()
	assert.NoError(t, log.Check())
}

func TestDailyLog_Contains(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local)
	eggs := NewMeal("eggs", 150, day.Add(8*time.Hour))
	toast := NewMeal("toast", 90, day.Add(8*time.Hour+time.Minute))

	both := NewDailyLog(day).WithMeal(eggs).WithMeal(toast)
	onlyEggs := NewDailyLog(day).WithMeal(eggs)
	twiceEggs := onlyEggs.WithMeal(eggs)

	assert.True(t, both.Contains(onlyEggs))
	assert.True(t, both.Contains(nil))
	assert.True(t, both.Contains(NewDailyLog(day)))
	assert.False(t, onlyEggs.Contains(both))
	assert.False(t, both.Contains(twiceEggs))
	var missing *DailyLog
	assert.False(t, missing.Contains(onlyEggs))
	assert.True(t, missing.Contains(nil))
}
