// internal/tracker/tracker.go
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"mcp-nutrition-log/internal/apperrors"
	"mcp-nutrition-log/internal/metrics"
	"mcp-nutrition-log/internal/models"
	"mcp-nutrition-log/internal/notice"
	"mcp-nutrition-log/internal/reconcile"
	"mcp-nutrition-log/internal/storage"
)

// LocalWriter persists the anonymous session on the device.
type LocalWriter interface {
	SaveProfile(profile *models.UserProfile) error
	SaveDailyLog(log *models.DailyLog) error
}

// DayRoller moves a signed-in session onto the current day's remote log.
type DayRoller interface {
	Rollover(ctx context.Context, now time.Time) error
}

// Tracker applies user edits to the session state and persists them to
// whichever store the current identity owns.
type Tracker struct {
	state    *reconcile.State
	local    LocalWriter
	remote   storage.RemoteStore
	notifier notice.Notifier
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
	days     DayRoller
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithDayRollover has LogMeal move the session to a new day before the
// first meal after midnight, so the day's log is found rather than
// created again.
func WithDayRollover(days DayRoller) Option {
	return func(t *Tracker) {
		t.days = days
	}
}

func New(state *reconcile.State, local LocalWriter, remote storage.RemoteStore, notifier notice.Notifier, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		state:    state,
		local:    local,
		remote:   remote,
		notifier: notifier,
		validate: validator.New(),
		logger:   logger.Named("tracker"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type logMealInput struct {
	Name     string  `validate:"required,max=200"`
	Calories float64 `validate:"gte=0"`
}

type profileInput struct {
	Height float64 `validate:"gt=0,lte=300"`
	Weight float64 `validate:"gt=0,lte=700"`
}

// LogMeal appends a meal to today's log. The new totals are visible before
// the write completes and are reverted if it fails.
func (t *Tracker) LogMeal(ctx context.Context, name string, calories float64) (*models.DailyLog, error) {
	if err := t.validate.Struct(logMealInput{Name: name, Calories: calories}); err != nil {
		return nil, apperrors.Validation("log_meal", err.Error())
	}

	now := t.now()
	if t.days != nil {
		if err := t.days.Rollover(ctx, now); err != nil {
			return nil, err
		}
	}
	meal := models.NewMeal(name, calories, now)

	var candidate *models.DailyLog
	var docID string
	pre, err := t.state.UpdateLog(func(v reconcile.View) (*models.DailyLog, error) {
		if !v.Ready {
			return nil, apperrors.StoreUnavailable("log_meal", "session is still being reconciled")
		}
		current := v.Log
		if current.IsOn(now) {
			docID = v.DocID
		} else {
			current = models.NewDailyLog(now)
		}
		candidate = current.WithMeal(meal)
		return candidate, nil
	})
	if err != nil {
		t.notifier.Notify(notice.FromError(err))
		return nil, err
	}
	tx := beginLog(t.state, pre)

	t.checkGoal(pre.Profile, candidate)

	if err := t.persistLog(ctx, pre, candidate, docID); err != nil {
		tx.rollback()
		appErr := apperrors.WriteFailed("log_meal", err)
		t.logger.Warn("meal not saved, reverted",
			zap.String("name", name),
			zap.Float64("calories", calories),
			zap.Error(err))
		t.notifier.Notify(notice.FromError(appErr))
		return nil, appErr
	}
	tx.commit()

	metrics.MealsLogged.WithLabelValues(metrics.SessionLabel(pre.Identity.IsAnonymous())).Inc()
	t.logger.Info("meal logged",
		zap.String("name", name),
		zap.Float64("calories", calories),
		zap.Float64("consumed", candidate.ConsumedCalories))
	return candidate.Clone(), nil
}

func (t *Tracker) persistLog(ctx context.Context, pre reconcile.View, log *models.DailyLog, docID string) error {
	if pre.Identity.IsAnonymous() {
		return t.local.SaveDailyLog(log)
	}

	data, err := storage.Encode(log)
	if err != nil {
		return err
	}
	collection := storage.DailyLogsPath(pre.Identity.UserID)
	if docID != "" {
		if err := t.remote.SetMerge(ctx, storage.DocumentPath(collection, docID), data); err != nil {
			return err
		}
	} else if docID, err = t.remote.Insert(ctx, collection, data); err != nil {
		return err
	}
	if !t.state.ConfirmLog(pre.Epoch, docID, log) {
		t.logger.Debug("session changed before the write was confirmed", zap.String("doc_id", docID))
	}
	return nil
}

func (t *Tracker) checkGoal(profile *models.UserProfile, log *models.DailyLog) {
	goal, ok := profile.Goal()
	if !ok || log.ConsumedCalories <= float64(goal) {
		return
	}
	metrics.ThresholdNotices.Inc()
	t.notifier.Notify(notice.Notice{
		Kind:     notice.KindThresholdExceeded,
		Message:  fmt.Sprintf("daily goal of %d kcal exceeded: %.0f kcal consumed", goal, log.ConsumedCalories),
		Consumed: log.ConsumedCalories,
		Goal:     goal,
		At:       t.now(),
	})
}

// CalculateAndSaveProfile derives BMI and the daily goal from height (cm)
// and weight (kg) and stores the result like LogMeal does.
func (t *Tracker) CalculateAndSaveProfile(ctx context.Context, height, weight float64) (*models.UserProfile, error) {
	if err := t.validate.Struct(profileInput{Height: height, Weight: weight}); err != nil {
		return nil, apperrors.Validation("calculate_profile", err.Error())
	}

	profile := models.CalculateProfile(height, weight)
	pre, err := t.state.UpdateProfile(func(v reconcile.View) (*models.UserProfile, error) {
		if !v.Ready {
			return nil, apperrors.StoreUnavailable("calculate_profile", "session is still being reconciled")
		}
		return &profile, nil
	})
	if err != nil {
		t.notifier.Notify(notice.FromError(err))
		return nil, err
	}
	tx := beginProfile(t.state, pre)

	if err := t.persistProfile(ctx, pre.Identity, &profile); err != nil {
		tx.rollback()
		appErr := apperrors.WriteFailed("calculate_profile", err)
		t.logger.Warn("profile not saved, reverted", zap.Error(err))
		t.notifier.Notify(notice.FromError(appErr))
		return nil, appErr
	}
	tx.commit()

	t.logger.Info("profile saved",
		zap.Float64("bmi", *profile.BMI),
		zap.Int("daily_calorie_goal", *profile.DailyCalorieGoal))
	return profile.Clone(), nil
}

func (t *Tracker) persistProfile(ctx context.Context, id models.Identity, profile *models.UserProfile) error {
	if id.IsAnonymous() {
		return t.local.SaveProfile(profile)
	}
	data, err := storage.Encode(profile)
	if err != nil {
		return err
	}
	return t.remote.SetMerge(ctx, storage.UserPath(id.UserID), data)
}
