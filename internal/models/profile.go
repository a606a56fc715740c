// internal/models/profile.go
package models

import "math"

// UserProfile is owned by the current session identity. Every field is
// optional until the first profile calculation.
type UserProfile struct {
	Height           *float64 `json:"height,omitempty"`
	Weight           *float64 `json:"weight,omitempty"`
	BMI              *float64 `json:"bmi,omitempty"`
	DailyCalorieGoal *int     `json:"dailyCalorieGoal,omitempty"`
}

const (
	// Harris-Benedict (revised) with a fixed reference age and the
	// sedentary activity factor; only height and weight are collected.
	referenceAge    = 30
	sedentaryFactor = 1.2
)

// CalculateProfile derives BMI and a daily calorie goal from height (cm)
// and weight (kg).
func CalculateProfile(height, weight float64) UserProfile {
	meters := height / 100
	bmi := math.Round(weight/(meters*meters)*10) / 10

	bmr := 88.362 + 13.397*weight + 4.799*height - 5.677*referenceAge
	goal := int(math.Round(bmr * sedentaryFactor))

	return UserProfile{
		Height:           &height,
		Weight:           &weight,
		BMI:              &bmi,
		DailyCalorieGoal: &goal,
	}
}

// IsEmpty reports whether no field has been set.
func (p *UserProfile) IsEmpty() bool {
	return p == nil || (p.Height == nil && p.Weight == nil && p.BMI == nil && p.DailyCalorieGoal == nil)
}

// Goal returns the daily calorie goal when one is set and positive.
func (p *UserProfile) Goal() (int, bool) {
	if p == nil || p.DailyCalorieGoal == nil || *p.DailyCalorieGoal <= 0 {
		return 0, false
	}
	return *p.DailyCalorieGoal, true
}

func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	out := UserProfile{}
	if p.Height != nil {
		v := *p.Height
		out.Height = &v
	}
	if p.Weight != nil {
		v := *p.Weight
		out.Weight = &v
	}
	if p.BMI != nil {
		v := *p.BMI
		out.BMI = &v
	}
	if p.DailyCalorieGoal != nil {
		v := *p.DailyCalorieGoal
		out.DailyCalorieGoal = &v
	}
	return &out
}
