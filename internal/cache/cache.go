// internal/cache/cache.go
package cache

import (
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"mcp-nutrition-log/internal/apperrors"
	"mcp-nutrition-log/internal/metrics"
	"mcp-nutrition-log/internal/models"
)

const (
	ProfileKey  = "userProfile"
	DailyLogKey = "dailyLog"
)

// KV is the raw device key/value store.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Store keeps the anonymous session's profile and daily log as JSON.
type Store struct {
	kv     KV
	logger *zap.Logger
}

func NewStore(kv KV, logger *zap.Logger) *Store {
	return &Store{kv: kv, logger: logger.Named("cache")}
}

// LoadProfile returns the cached profile, or nil when none is stored or
// the stored bytes do not decode.
func (s *Store) LoadProfile() (*models.UserProfile, error) {
	var profile models.UserProfile
	found, err := s.load(ProfileKey, &profile)
	if err != nil || !found {
		return nil, err
	}
	return &profile, nil
}

func (s *Store) SaveProfile(profile *models.UserProfile) error {
	return s.save(ProfileKey, profile)
}

// LoadDailyLog returns the cached log with its timestamps revived, or nil.
func (s *Store) LoadDailyLog() (*models.DailyLog, error) {
	var log models.DailyLog
	found, err := s.load(DailyLogKey, &log)
	if err != nil || !found {
		return nil, err
	}
	if log.Meals == nil {
		log.Meals = []models.Meal{}
	}
	if err := log.Check(); err != nil {
		s.malformed(DailyLogKey, err)
		return nil, nil
	}
	return &log, nil
}

func (s *Store) SaveDailyLog(log *models.DailyLog) error {
	return s.save(DailyLogKey, log)
}

func (s *Store) DeleteProfile() error {
	return s.kv.Delete(ProfileKey)
}

func (s *Store) DeleteDailyLog() error {
	return s.kv.Delete(DailyLogKey)
}

func (s *Store) load(key string, target interface{}) (bool, error) {
	raw, err := s.kv.Get(key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		s.malformed(key, err)
		return false, nil
	}
	return true, nil
}

func (s *Store) save(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.kv.Set(key, raw)
}

func (s *Store) malformed(key string, err error) {
	metrics.MalformedCacheEntries.Inc()
	s.logger.Warn("ignoring unreadable cache entry",
		zap.String("key", key),
		zap.Error(apperrors.MalformedCache(key, err)))
}
