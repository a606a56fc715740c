// internal/server/tools.go
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/goccy/go-json"

	"mcp-nutrition-log/internal/models"
)

type LogMealParams struct {
	Name     string  `json:"name" description:"What was eaten"`
	Calories float64 `json:"calories" description:"Energy in kcal"`
}

type DescribeMealParams struct {
	Description string `json:"description" description:"Free-text description of the meal"`
}

type CalculateProfileParams struct {
	Height float64 `json:"height" description:"Height in centimetres"`
	Weight float64 `json:"weight" description:"Weight in kilograms"`
}

type GetMealsParams struct {
	StartDate string `json:"start_date,omitempty" description:"Start date for meal query (YYYY-MM-DD)"`
	EndDate   string `json:"end_date,omitempty" description:"End date for meal query (YYYY-MM-DD), inclusive"`
	Limit     int    `json:"limit,omitempty" description:"Maximum number of meals to return"`
}

type SignInParams struct {
	Token string `json:"token" description:"Signed session token"`
}

type AskParams struct {
	Question string `json:"question" description:"Nutrition question"`
}

// extractParams converts the request arguments into target.
func extractParams(req *protocol.CallToolRequest, target interface{}) error {
	jsonBytes, err := json.Marshal(req.Arguments)
	if err != nil {
		return &paramError{fmt.Errorf("failed to marshal arguments: %w", err)}
	}
	if err := json.Unmarshal(jsonBytes, target); err != nil {
		return &paramError{fmt.Errorf("failed to unmarshal parameters: %w", err)}
	}
	return nil
}

func (s *NutritionServer) registerTools() {
	s.tools = map[string]toolHandler{
		"log_meal":           s.handleLogMeal,
		"log_estimated_meal": s.handleLogEstimatedMeal,
		"estimate_meal":      s.handleEstimateMeal,
		"calculate_profile":  s.handleCalculateProfile,
		"get_today":          s.handleGetToday,
		"get_profile":        s.handleGetProfile,
		"get_meals":          s.handleGetMeals,
		"get_session":        s.handleGetSession,
		"sign_in":            s.handleSignIn,
		"sign_out":           s.handleSignOut,
		"ask":                s.handleAsk,
	}
}

// todaySummary is what the log tools return: the log plus progress
// against the goal when one is set.
type todaySummary struct {
	DailyLog  *models.DailyLog `json:"dailyLog"`
	Goal      *int             `json:"dailyCalorieGoal,omitempty"`
	Remaining *float64         `json:"remainingCalories,omitempty"`
}

func (s *NutritionServer) summary(log *models.DailyLog) todaySummary {
	out := todaySummary{DailyLog: log}
	if goal, ok := s.deps.State.Profile().Goal(); ok {
		consumed := 0.0
		if log != nil {
			consumed = log.ConsumedCalories
		}
		remaining := float64(goal) - consumed
		out.Goal = &goal
		out.Remaining = &remaining
	}
	return out
}

func (s *NutritionServer) handleLogMeal(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params LogMealParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}

	log, err := s.deps.Tracker.LogMeal(ctx, params.Name, params.Calories)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(s.summary(log))
}

// handleLogEstimatedMeal estimates a described meal and logs it. When no
// usable estimate comes back the meal is not logged and the estimate is
// returned so the caller can supply calories.
func (s *NutritionServer) handleLogEstimatedMeal(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params DescribeMealParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	estimate, err := s.estimate(ctx, params.Description)
	if err != nil {
		return nil, err
	}

	if estimate.Calories <= 0 {
		return createJSONResponse(map[string]interface{}{
			"needs_clarification": true,
			"estimate":            estimate,
		})
	}

	log, err := s.deps.Tracker.LogMeal(ctx, estimate.Name, estimate.Calories)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(map[string]interface{}{
		"estimate": estimate,
		"today":    s.summary(log),
	})
}

func (s *NutritionServer) handleEstimateMeal(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params DescribeMealParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	estimate, err := s.estimate(ctx, params.Description)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(estimate)
}

func (s *NutritionServer) estimate(ctx context.Context, description string) (*models.MealEstimate, error) {
	if description == "" {
		return nil, &paramError{fmt.Errorf("meal description is required")}
	}
	if s.deps.Advisor == nil {
		return nil, errAdvisorDisabled
	}
	estimate, err := s.deps.Advisor.EstimateMeal(ctx, description)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate meal: %w", err)
	}
	return estimate, nil
}

func (s *NutritionServer) handleCalculateProfile(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params CalculateProfileParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}

	profile, err := s.deps.Tracker.CalculateAndSaveProfile(ctx, params.Height, params.Weight)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(profile)
}

func (s *NutritionServer) handleGetToday(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	return createJSONResponse(s.summary(s.deps.State.DailyLog()))
}

func (s *NutritionServer) handleGetProfile(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	profile := s.deps.State.Profile()
	if profile == nil {
		profile = &models.UserProfile{}
	}
	return createJSONResponse(profile)
}

func (s *NutritionServer) handleGetMeals(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params GetMealsParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}

	r, err := parseDateRange(params.StartDate, params.EndDate, time.Now())
	if err != nil {
		return nil, &paramError{err}
	}

	meals, err := s.deps.Tracker.Meals(ctx, r, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve meals: %w", err)
	}
	return createJSONResponse(meals)
}

// parseDateRange turns inclusive YYYY-MM-DD bounds into a half-open range.
// Missing bounds default to today.
func parseDateRange(start, end string, now time.Time) (models.DateRange, error) {
	from := models.StartOfDay(now)
	to := from
	var err error
	if start != "" {
		if from, err = time.ParseInLocation(time.DateOnly, start, now.Location()); err != nil {
			return models.DateRange{}, fmt.Errorf("invalid start_date: %w", err)
		}
	}
	if end != "" {
		if to, err = time.ParseInLocation(time.DateOnly, end, now.Location()); err != nil {
			return models.DateRange{}, fmt.Errorf("invalid end_date: %w", err)
		}
	} else if start != "" && from.After(to) {
		to = from
	}
	if to.Before(from) {
		return models.DateRange{}, fmt.Errorf("end_date is before start_date")
	}
	return models.DateRange{
		Start: models.NewTimestamp(from),
		End:   models.NewTimestamp(to.AddDate(0, 0, 1)),
	}, nil
}

type sessionStatus struct {
	Identity models.Identity `json:"identity"`
	Engine   string          `json:"engine"`
	Ready    bool            `json:"ready"`
	DocID    string          `json:"docId,omitempty"`
}

func (s *NutritionServer) status() sessionStatus {
	view := s.deps.State.View()
	return sessionStatus{
		Identity: view.Identity,
		Engine:   s.deps.Engine.Current(),
		Ready:    view.Ready,
		DocID:    view.DocID,
	}
}

func (s *NutritionServer) handleGetSession(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	return createJSONResponse(s.status())
}

// handleSignIn publishes the new identity; reconciliation continues in the
// background and get_session reports when it is ready.
func (s *NutritionServer) handleSignIn(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SignInParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}

	id, err := s.deps.Sessions.SignIn(params.Token)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(map[string]interface{}{
		"identity": id,
		"pending":  true,
	})
}

func (s *NutritionServer) handleSignOut(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	s.deps.Sessions.SignOut()
	return createJSONResponse(map[string]interface{}{
		"identity": s.deps.Sessions.Current(),
		"pending":  true,
	})
}

func (s *NutritionServer) handleAsk(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params AskParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if params.Question == "" {
		return nil, &paramError{fmt.Errorf("question is required")}
	}
	if s.deps.Advisor == nil {
		return nil, errAdvisorDisabled
	}

	answer, err := s.deps.Advisor.Ask(ctx, params.Question, s.deps.State.Profile(), s.deps.State.DailyLog())
	if err != nil {
		return nil, fmt.Errorf("failed to answer question: %w", err)
	}
	return createJSONResponse(map[string]string{"answer": answer})
}
