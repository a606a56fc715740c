package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mcp-nutrition-log/internal/models"
)

func newTestStore(t *testing.T) (*Store, *Badger) {
	t.Helper()
	kv, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return NewStore(kv, zaptest.NewLogger(t)), kv
}

// TestStore_DailyLogRoundTrip verifies timestamps survive the cache unchanged.
func TestStore_DailyLogRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	at := time.Date(2024, 5, 1, 7, 45, 3, 987654321, time.Local)
	log := models.NewDailyLog(at).WithMeal(models.NewMeal("ไข่ดาว", 120, at))
	log = log.WithMeal(models.NewMeal("ข้าวต้ม", 250, at.Add(time.Hour)))

	require.NoError(t, store.SaveDailyLog(log))

	loaded, err := store.LoadDailyLog()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, log, loaded)
	assert.True(t, loaded.Meals[0].LoggedAt.Time().Equal(at))
}

func TestStore_ProfileRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	profile := models.CalculateProfile(165, 58)
	require.NoError(t, store.SaveProfile(&profile))

	loaded, err := store.LoadProfile()
	require.NoError(t, err)
	assert.Equal(t, &profile, loaded)

	require.NoError(t, store.DeleteProfile())
	loaded, err = store.LoadProfile()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStore_MissingEntries(t *testing.T) {
	store, _ := newTestStore(t)

	profile, err := store.LoadProfile()
	require.NoError(t, err)
	assert.Nil(t, profile)

	log, err := store.LoadDailyLog()
	require.NoError(t, err)
	assert.Nil(t, log)

	assert.NoError(t, store.DeleteDailyLog())
}

// TestStore_MalformedEntriesAreAbsent verifies undecodable content is not fatal.
func TestStore_MalformedEntriesAreAbsent(t *testing.T) {
	tests := []struct {
		name string
		key  string
		raw  string
	}{
		{"garbage profile", ProfileKey, "{not json"},
		{"garbage log", DailyLogKey, "[1,2,3]"},
		{"bad timestamp", DailyLogKey, `{"date":"soon","consumedCalories":0,"meals":[]}`},
		{"broken total", DailyLogKey, `{"date":{"seconds":0,"nanoseconds":0},"consumedCalories":99,"meals":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, kv := newTestStore(t)
			require.NoError(t, kv.Set(tt.key, []byte(tt.raw)))

			profile, err := store.LoadProfile()
			require.NoError(t, err)
			log, err := store.LoadDailyLog()
			require.NoError(t, err)

			if tt.key == ProfileKey {
				assert.Nil(t, profile)
			} else {
				assert.Nil(t, log)
			}
		})
	}
}

func TestStore_ISOStringTimestampsRevive(t *testing.T) {
	store, kv := newTestStore(t)
	raw := `{"date":"2024-05-01T00:00:00Z","consumedCalories":120,"meals":[{"name":"egg","calories":120,"loggedAt":"2024-05-01T07:45:03.5Z"}]}`
	require.NoError(t, kv.Set(DailyLogKey, []byte(raw)))

	log, err := store.LoadDailyLog()
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, time.Date(2024, 5, 1, 7, 45, 3, 500000000, time.UTC).Unix(), log.Meals[0].LoggedAt.Seconds)
	assert.Equal(t, int32(500000000), log.Meals[0].LoggedAt.Nanoseconds)
}
