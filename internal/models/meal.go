// internal/models/meal.go
package models

import (
	"fmt"
	"math"
	"time"
)

// Meal is a single logged food entry. Meals are never edited after creation.
type Meal struct {
	Name     string    `json:"name"`
	Calories float64   `json:"calories"`
	LoggedAt Timestamp `json:"loggedAt"`
}

// DailyLog holds everything eaten on one calendar day.
// ConsumedCalories always equals the sum of Meals[].Calories.
type DailyLog struct {
	Date             Timestamp `json:"date"`
	ConsumedCalories float64   `json:"consumedCalories"`
	Meals            []Meal    `json:"meals"`
}

type ConfidenceLevel string

const (
	HighConfidence   ConfidenceLevel = "high"
	MediumConfidence ConfidenceLevel = "medium"
	LowConfidence    ConfidenceLevel = "low"
)

// MealEstimate is what the advisor returns for a free-text meal description.
type MealEstimate struct {
	Name       string          `json:"name"`
	Calories   float64         `json:"calories"`
	Confidence ConfidenceLevel `json:"confidence"`
	Notes      string          `json:"notes,omitempty"`
}

const calorieTolerance = 1e-6

// NewMeal stamps a meal with the given time.
func NewMeal(name string, calories float64, at time.Time) Meal {
	return Meal{Name: name, Calories: calories, LoggedAt: NewTimestamp(at)}
}

// NewDailyLog returns an empty log dated to the start of the day containing t.
func NewDailyLog(t time.Time) *DailyLog {
	return &DailyLog{
		Date:  NewTimestamp(StartOfDay(t)),
		Meals: []Meal{},
	}
}

// Clone returns a deep copy. Clone of nil is nil.
func (l *DailyLog) Clone() *DailyLog {
	if l == nil {
		return nil
	}
	out := *l
	out.Meals = make([]Meal, len(l.Meals))
	copy(out.Meals, l.Meals)
	return &out
}

// WithMeal returns a copy of the log with m appended and the total incremented.
func (l *DailyLog) WithMeal(m Meal) *DailyLog {
	out := l.Clone()
	out.Meals = append(out.Meals, m)
	out.ConsumedCalories += m.Calories
	return out
}

// HasMeals reports whether the log exists and holds at least one meal.
func (l *DailyLog) HasMeals() bool {
	return l != nil && len(l.Meals) > 0
}

// IsOn reports whether the log is dated to the same calendar day as t.
func (l *DailyLog) IsOn(t time.Time) bool {
	if l == nil {
		return false
	}
	return StartOfDay(l.Date.Time()).Equal(StartOfDay(t))
}

// Contains reports whether every meal of other is also in l. A nil other
// is contained in anything.
func (l *DailyLog) Contains(other *DailyLog) bool {
	if other == nil || len(other.Meals) == 0 {
		return true
	}
	if l == nil {
		return false
	}
	have := make(map[Meal]int, len(l.Meals))
	for _, m := range l.Meals {
		have[m]++
	}
	for _, m := range other.Meals {
		if have[m] == 0 {
			return false
		}
		have[m]--
	}
	return true
}

// SumCalories adds up meal calories in slice order.
func SumCalories(meals []Meal) float64 {
	var total float64
	for _, m := range meals {
		total += m.Calories
	}
	return total
}

// Recompute resets ConsumedCalories from the meals.
func (l *DailyLog) Recompute() {
	if l == nil {
		return
	}
	l.ConsumedCalories = SumCalories(l.Meals)
}

// Check verifies the calorie invariant.
func (l *DailyLog) Check() error {
	if l == nil {
		return nil
	}
	sum := SumCalories(l.Meals)
	if math.Abs(sum-l.ConsumedCalories) > calorieTolerance {
		return fmt.Errorf("daily log invariant violated: consumedCalories=%v, sum of meals=%v", l.ConsumedCalories, sum)
	}
	return nil
}

// MustCheck panics when the invariant does not hold. A broken total means a
// bug in whoever built the log, not bad input.
func (l *DailyLog) MustCheck() {
	if err := l.Check(); err != nil {
		panic(err)
	}
}
