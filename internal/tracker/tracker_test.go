package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mcp-nutrition-log/internal/apperrors"
	"mcp-nutrition-log/internal/cache"
	"mcp-nutrition-log/internal/models"
	"mcp-nutrition-log/internal/notice"
	"mcp-nutrition-log/internal/reconcile"
	"mcp-nutrition-log/internal/storage"
	"mcp-nutrition-log/internal/storage/storagetest"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)

type fixture struct {
	state   *reconcile.State
	local   *cache.Store
	remote  *storagetest.Store
	notices *notice.Recorder
	engine  *reconcile.Engine
	tracker *Tracker

	clockMu sync.Mutex
	tick    time.Time
}

// newFixture wires a tracker whose clock advances one second per meal.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	kv, err := cache.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	f := &fixture{
		state:   reconcile.NewState(),
		local:   cache.NewStore(kv, logger),
		remote:  storagetest.New(),
		notices: notice.NewRecorder(0, logger),
	}
	f.engine = reconcile.NewEngine(f.state, f.local, f.remote, f.notices, logger,
		reconcile.WithClock(func() time.Time { return testNow }))
	t.Cleanup(f.engine.Close)

	f.tick = testNow
	f.tracker = New(f.state, f.local, f.remote, f.notices, logger,
		WithClock(f.clock),
		WithDayRollover(f.engine))
	return f
}

func (f *fixture) clock() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.tick = f.tick.Add(time.Second)
	return f.tick
}

func (f *fixture) setClock(t time.Time) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.tick = t
}

func (f *fixture) signIn(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.engine.Handle(context.Background(), models.Authenticated(userID)))
}

func (f *fixture) anonymous(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Handle(context.Background(), models.Anonymous()))
}

func (f *fixture) putRemote(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := storage.Encode(v)
	require.NoError(t, err)
	f.remote.Put(path, data)
}

func (f *fixture) thresholdNotices() int {
	var n int
	for _, rec := range f.notices.Recent() {
		if rec.Kind == notice.KindThresholdExceeded {
			n++
		}
	}
	return n
}

func TestLogMeal_RollbackOnWriteFailure(t *testing.T) {
	f := newFixture(t)
	logs := storage.DailyLogsPath("u1")
	f.putRemote(t, storage.DocumentPath(logs, "remote-1"), models.NewDailyLog(testNow))
	f.signIn(t, "u1")
	before := f.state.DailyLog()
	require.NotNil(t, before)

	var optimistic []float64
	stop := f.state.Observe(func(v reconcile.View) {
		if v.Log != nil {
			optimistic = append(optimistic, v.Log.ConsumedCalories)
		}
	})
	defer stop()

	f.remote.SetWriteErr(errors.New("permission denied"))
	_, err := f.tracker.LogMeal(context.Background(), "ไข่ดาว", 120)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrWriteFailed)
	after := f.state.DailyLog()
	assert.Equal(t, before, after)
	assert.Empty(t, after.Meals)
	assert.Equal(t, 0.0, after.ConsumedCalories)
	assert.Equal(t, []float64{120, 0}, optimistic)
	assert.Equal(t, "remote-1", f.state.View().DocID)

	recent := f.notices.Recent()
	require.NotEmpty(t, recent)
	assert.Equal(t, apperrors.KindWriteFailed, recent[len(recent)-1].ErrorKind)
}

func TestLogMeal_ThresholdNoticeBeforePersistence(t *testing.T) {
	f := newFixture(t)
	goal := 500
	f.putRemote(t, storage.UserPath("u1"), &models.UserProfile{DailyCalorieGoal: &goal})
	f.signIn(t, "u1")
	require.Nil(t, f.state.DailyLog())

	var noticesAtWrite int
	var consumedAtWrite float64
	f.remote.BeforeWrite = func() {
		noticesAtWrite = f.thresholdNotices()
		consumedAtWrite = f.state.DailyLog().ConsumedCalories
	}

	_, err := f.tracker.LogMeal(context.Background(), "x", 600)
	require.NoError(t, err)

	assert.Equal(t, 1, noticesAtWrite)
	assert.Equal(t, 600.0, consumedAtWrite)
	assert.Equal(t, 1, f.thresholdNotices())

	last := f.notices.Recent()[len(f.notices.Recent())-1]
	assert.Equal(t, 500, last.Goal)
	assert.Equal(t, 600.0, last.Consumed)
}

func TestLogMeal_NoNoticeAtGoal(t *testing.T) {
	f := newFixture(t)
	goal := 500
	f.putRemote(t, storage.UserPath("u1"), &models.UserProfile{DailyCalorieGoal: &goal})
	f.signIn(t, "u1")

	_, err := f.tracker.LogMeal(context.Background(), "x", 500)
	require.NoError(t, err)

	assert.Zero(t, f.thresholdNotices())
}

func TestLogMeal_RemembersInsertedDocument(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "u1")
	ctx := context.Background()

	_, err := f.tracker.LogMeal(ctx, "ข้าวผัด", 450)
	require.NoError(t, err)
	docID := f.state.View().DocID
	require.NotEmpty(t, docID)

	log, err := f.tracker.LogMeal(ctx, "ชาเย็น", 180)
	require.NoError(t, err)
	assert.Equal(t, 630.0, log.ConsumedCalories)

	paths := f.remote.Paths(storage.DailyLogsPath("u1"))
	require.Equal(t, []string{storage.DocumentPath(storage.DailyLogsPath("u1"), docID)}, paths)

	var stored models.DailyLog
	require.NoError(t, storage.Decode(f.remote.Data(paths[0]), &stored))
	assert.Len(t, stored.Meals, 2)
	assert.Equal(t, 630.0, stored.ConsumedCalories)
	assert.Equal(t, models.NewTimestamp(models.StartOfDay(testNow)), stored.Date)
}

func TestLogMeal_AnonymousFlushesToCache(t *testing.T) {
	f := newFixture(t)
	f.anonymous(t)

	log, err := f.tracker.LogMeal(context.Background(), "ไข่ดาว", 120)
	require.NoError(t, err)

	cached, err := f.local.LoadDailyLog()
	require.NoError(t, err)
	assert.Equal(t, log, cached)
	assert.Equal(t, log, f.state.DailyLog())
	assert.Zero(t, f.remote.Writes())
}

func TestLogMeal_KeepsInvariant(t *testing.T) {
	f := newFixture(t)
	f.anonymous(t)
	ctx := context.Background()

	for _, c := range []float64{120.5, 80.25, 0, 363} {
		_, err := f.tracker.LogMeal(ctx, "meal", c)
		require.NoError(t, err)
		require.NoError(t, f.state.DailyLog().Check())
	}
	assert.Equal(t, 563.75, f.state.DailyLog().ConsumedCalories)
}

func TestLogMeal_RejectedWhileReconciling(t *testing.T) {
	f := newFixture(t)

	_, err := f.tracker.LogMeal(context.Background(), "x", 100)

	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.Nil(t, f.state.DailyLog())
	assert.Zero(t, f.remote.Writes())
}

func TestLogMeal_Validation(t *testing.T) {
	f := newFixture(t)
	f.anonymous(t)

	tests := []struct {
		name     string
		meal     string
		calories float64
	}{
		{"empty name", "", 100},
		{"negative calories", "x", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tracker.LogMeal(context.Background(), tt.meal, tt.calories)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
	assert.Nil(t, f.state.DailyLog())
}

func TestCalculateAndSaveProfile(t *testing.T) {
	t.Run("anonymous profile goes to the cache", func(t *testing.T) {
		f := newFixture(t)
		f.anonymous(t)

		profile, err := f.tracker.CalculateAndSaveProfile(context.Background(), 170, 65)
		require.NoError(t, err)
		assert.Equal(t, 22.5, *profile.BMI)
		assert.Equal(t, 1926, *profile.DailyCalorieGoal)

		cached, err := f.local.LoadProfile()
		require.NoError(t, err)
		assert.Equal(t, profile, cached)
		assert.Equal(t, profile, f.state.Profile())
	})

	t.Run("signed-in profile is merged into the user document", func(t *testing.T) {
		f := newFixture(t)
		f.remote.Put(storage.UserPath("u1"), map[string]interface{}{"displayName": "Som"})
		f.signIn(t, "u1")

		_, err := f.tracker.CalculateAndSaveProfile(context.Background(), 170, 65)
		require.NoError(t, err)

		data := f.remote.Data(storage.UserPath("u1"))
		assert.Equal(t, "Som", data["displayName"])
		assert.EqualValues(t, 1926, data["dailyCalorieGoal"])
	})

	t.Run("failed write restores the previous profile", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t, "u1")
		f.remote.SetWriteErr(errors.New("offline"))

		_, err := f.tracker.CalculateAndSaveProfile(context.Background(), 170, 65)

		assert.ErrorIs(t, err, apperrors.ErrWriteFailed)
		assert.Nil(t, f.state.Profile())
	})

	t.Run("implausible measurements are rejected", func(t *testing.T) {
		f := newFixture(t)
		f.anonymous(t)

		_, err := f.tracker.CalculateAndSaveProfile(context.Background(), 0, 65)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})
}

func TestMeals_History(t *testing.T) {
	f := newFixture(t)
	logs := storage.DailyLogsPath("u1")
	yesterday := testNow.AddDate(0, 0, -1)
	f.putRemote(t, storage.DocumentPath(logs, "d1"), models.NewDailyLog(yesterday).
		WithMeal(models.NewMeal("breakfast", 300, yesterday.Add(-4*time.Hour))).
		WithMeal(models.NewMeal("dinner", 700, yesterday.Add(6*time.Hour))))
	f.putRemote(t, storage.DocumentPath(logs, "d2"), models.NewDailyLog(testNow).
		WithMeal(models.NewMeal("lunch", 500, testNow)))
	f.signIn(t, "u1")

	r := models.DateRange{
		Start: models.NewTimestamp(yesterday),
		End:   models.NewTimestamp(testNow.Add(time.Hour)),
	}
	meals, err := f.tracker.Meals(context.Background(), r, 0)
	require.NoError(t, err)

	require.Len(t, meals, 2)
	assert.Equal(t, "lunch", meals[0].Name)
	assert.Equal(t, "dinner", meals[1].Name)

	meals, err = f.tracker.Meals(context.Background(), r, 1)
	require.NoError(t, err)
	assert.Len(t, meals, 1)
}

func dayDocs(t *testing.T, remote storage.RemoteStore, userID string, day time.Time) []storage.Document {
	t.Helper()
	docs, err := remote.Query(storage.DailyLogsPath(userID), models.DayRange(day)).Get(context.Background())
	require.NoError(t, err)
	return docs
}

func TestLogMeal_AcrossMidnight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signIn(t, "u1")
	_, err := f.tracker.LogMeal(ctx, "dinner", 700)
	require.NoError(t, err)
	firstDay := f.remote.Subscriptions()[0]

	tomorrow := testNow.AddDate(0, 0, 1)
	f.setClock(models.StartOfDay(tomorrow).Add(8 * time.Hour))
	for _, cal := range []float64{300, 150, 50} {
		_, err := f.tracker.LogMeal(ctx, "snack", cal)
		require.NoError(t, err)
	}

	docs := dayDocs(t, f.remote, "u1", tomorrow)
	require.Len(t, docs, 1, "one daily log per day")
	assert.Len(t, dayDocs(t, f.remote, "u1", testNow), 1)

	// a late delivery for the old day must not displace the new day's log
	firstDay.Deliver(dayDocs(t, f.remote, "u1", testNow))

	view := f.state.View()
	require.NotNil(t, view.Log)
	assert.True(t, view.Log.IsOn(tomorrow))
	assert.Len(t, view.Log.Meals, 3)
	assert.InDelta(t, 500, view.Log.ConsumedCalories, 1e-9)
	assert.Equal(t, docs[0].ID, view.DocID)

	subs := f.remote.Subscriptions()
	require.Len(t, subs, 2)
	assert.True(t, firstDay.Cancelled())
	assert.Equal(t, models.DayRange(tomorrow), subs[1].Range)
}

func TestLogMeal_AcrossMidnightAdoptsExistingLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tomorrow := testNow.AddDate(0, 0, 1)
	logs := storage.DailyLogsPath("u1")
	f.putRemote(t, storage.DocumentPath(logs, "other-device"), models.NewDailyLog(tomorrow).
		WithMeal(models.NewMeal("early coffee", 40, models.StartOfDay(tomorrow).Add(6*time.Hour))))
	f.signIn(t, "u1")

	f.setClock(models.StartOfDay(tomorrow).Add(9 * time.Hour))
	log, err := f.tracker.LogMeal(ctx, "toast", 160)
	require.NoError(t, err)

	assert.InDelta(t, 200, log.ConsumedCalories, 1e-9)
	require.Len(t, dayDocs(t, f.remote, "u1", tomorrow), 1)
	assert.Equal(t, "other-device", f.state.View().DocID)
}

func TestLogMeal_AcrossMidnightRetriesAfterReadFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signIn(t, "u1")
	tomorrow := testNow.AddDate(0, 0, 1)
	f.setClock(models.StartOfDay(tomorrow).Add(8 * time.Hour))

	f.remote.SetReadErr(errors.New("offline"))
	_, err := f.tracker.LogMeal(ctx, "snack", 100)
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.Zero(t, f.remote.Writes())
	assert.False(t, f.remote.Subscriptions()[0].Cancelled())

	f.remote.SetReadErr(nil)
	_, err = f.tracker.LogMeal(ctx, "snack", 100)
	require.NoError(t, err)
	assert.Len(t, dayDocs(t, f.remote, "u1", tomorrow), 1)
	assert.True(t, f.state.DailyLog().IsOn(tomorrow))
}

func TestLogMeal_AcrossMidnightWithSQLite(t *testing.T) {
	logger := zaptest.NewLogger(t)
	kv, err := cache.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	remote, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "remote.db"))
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })

	state := reconcile.NewState()
	local := cache.NewStore(kv, logger)
	notices := notice.NewRecorder(0, logger)
	engine := reconcile.NewEngine(state, local, remote, notices, logger,
		reconcile.WithClock(func() time.Time { return testNow }))
	t.Cleanup(engine.Close)

	var clockMu sync.Mutex
	now := testNow
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	tr := New(state, local, remote, notices, logger, WithClock(clock), WithDayRollover(engine))

	ctx := context.Background()
	require.NoError(t, engine.Handle(ctx, models.Authenticated("u1")))
	_, err = tr.LogMeal(ctx, "dinner", 700)
	require.NoError(t, err)

	tomorrow := testNow.AddDate(0, 0, 1)
	clockMu.Lock()
	now = models.StartOfDay(tomorrow).Add(8 * time.Hour)
	clockMu.Unlock()
	for _, cal := range []float64{300, 150, 50} {
		_, err := tr.LogMeal(ctx, "snack", cal)
		require.NoError(t, err)
	}

	require.Len(t, dayDocs(t, remote, "u1", tomorrow), 1)
	require.Eventually(t, func() bool {
		log := state.DailyLog()
		return log.IsOn(tomorrow) && len(log.Meals) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 500, state.DailyLog().ConsumedCalories, 1e-9)
}
