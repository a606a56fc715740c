// internal/advisor/advisor.go
package advisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"mcp-nutrition-log/internal/models"
)

const (
	DefaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
)

var ErrNoChoices = errors.New("completion returned no choices")

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		logger: logger.Named("advisor"),
	}
}

const estimatePrompt = `You are a nutrition expert who estimates the energy content of meals.

IMPORTANT: Always respond with valid JSON in this exact format:
{
  "name": "short name of the meal",
  "calories": [number, kcal for the whole portion],
  "confidence": "high|medium|low",
  "notes": "assumptions about portion size or preparation"
}

If the portion size is unclear, assume a typical single serving and say so in "notes".`

// EstimateMeal asks the model for a calorie estimate of a free-text meal
// description. Output that cannot be parsed yields a low-confidence
// estimate with zero calories instead of an error.
func (c *Client) EstimateMeal(ctx context.Context, description string) (*models.MealEstimate, error) {
	content, err := c.complete(ctx, estimatePrompt,
		fmt.Sprintf("Estimate the calories in this meal: %q", description), 500, 0.1)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate meal: %w", err)
	}
	return c.parseEstimate(description, content), nil
}

// Ask answers a nutrition question with the session's profile and today's
// totals as context.
func (c *Client) Ask(ctx context.Context, question string, profile *models.UserProfile, log *models.DailyLog) (string, error) {
	answer, err := c.complete(ctx, askPrompt(profile, log), question, 1000, 0.4)
	if err != nil {
		return "", fmt.Errorf("failed to answer question: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int, temperature float32) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	c.logger.Debug("requesting completion", zap.String("model", c.model))
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	c.logger.Debug("completion received", zap.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) parseEstimate(description, content string) *models.MealEstimate {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return c.fallbackEstimate(description, content)
	}

	var estimate models.MealEstimate
	if err := json.Unmarshal([]byte(content[start:end+1]), &estimate); err != nil {
		return c.fallbackEstimate(description, content)
	}
	if estimate.Calories < 0 {
		return c.fallbackEstimate(description, content)
	}
	if estimate.Name == "" {
		estimate.Name = description
	}
	switch estimate.Confidence {
	case models.HighConfidence, models.MediumConfidence, models.LowConfidence:
	default:
		estimate.Confidence = models.LowConfidence
	}
	return &estimate
}

func (c *Client) fallbackEstimate(description, content string) *models.MealEstimate {
	c.logger.Warn("unparseable estimate, using fallback", zap.String("content", content))
	return &models.MealEstimate{
		Name:       description,
		Calories:   0,
		Confidence: models.LowConfidence,
		Notes:      "Estimate unavailable; please enter the calories manually.",
	}
}

func askPrompt(profile *models.UserProfile, log *models.DailyLog) string {
	var b strings.Builder
	b.WriteString("You are a friendly nutrition coach. Keep answers short and practical.\n")

	if goal, ok := profile.Goal(); ok {
		fmt.Fprintf(&b, "The user's daily calorie goal is %d kcal.\n", goal)
	}
	if profile != nil && profile.BMI != nil {
		fmt.Fprintf(&b, "The user's BMI is %.1f.\n", *profile.BMI)
	}
	if log.HasMeals() {
		fmt.Fprintf(&b, "Today the user has eaten %.0f kcal:\n", log.ConsumedCalories)
		for _, m := range log.Meals {
			fmt.Fprintf(&b, "- %s (%.0f kcal) at %s\n", m.Name, m.Calories, m.LoggedAt.Time().Format("15:04"))
		}
	} else {
		b.WriteString("The user has not logged any meals today.\n")
	}
	return b.String()
}
