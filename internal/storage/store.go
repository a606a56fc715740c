// internal/storage/store.go
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"mcp-nutrition-log/internal/models"
)

// Document is one record in the remote store. Data holds the JSON object
// form of the stored entity.
type Document struct {
	ID   string                 `json:"id"`
	Path string                 `json:"path"`
	Data map[string]interface{} `json:"data"`
}

// RemoteStore is the per-user document store reachable once authenticated.
type RemoteStore interface {
	// GetDocument returns nil, nil when nothing is stored at path.
	GetDocument(ctx context.Context, path string) (*Document, error)
	// SetMerge overlays the top-level fields of data onto the document at
	// path, creating it when missing.
	SetMerge(ctx context.Context, path string, data map[string]interface{}) error
	// Insert adds a new document to collection and returns its id.
	Insert(ctx context.Context, collection string, data map[string]interface{}) (string, error)
	// Query selects the documents of collection whose "date" field falls
	// within r.
	Query(collection string, r models.DateRange) Query
}

// Query is a date-range selection that can be read once or watched.
type Query interface {
	Get(ctx context.Context) ([]Document, error)
	// Subscribe delivers the current result set and then every change
	// until the returned function is called.
	Subscribe(onSnapshot func([]Document), onError func(error)) (unsubscribe func())
}

const dateField = "date"

func UserPath(userID string) string {
	return "users/" + userID
}

func DailyLogsPath(userID string) string {
	return UserPath(userID) + "/dailyLogs"
}

// DocumentPath joins a collection path and a document id.
func DocumentPath(collection, id string) string {
	return collection + "/" + id
}

// SplitPath returns the collection and id parts of a document path.
func SplitPath(path string) (collection, id string, err error) {
	path = strings.Trim(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("invalid document path %q", path)
	}
	return path[:idx], path[idx+1:], nil
}

// Encode turns an entity into document data.
func Encode(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// Decode fills target from document data.
func Decode(data map[string]interface{}, target interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// documentDate extracts the "date" field, if the data carries one.
func documentDate(data map[string]interface{}) (models.Timestamp, bool, error) {
	value, ok := data[dateField]
	if !ok || value == nil {
		return models.Timestamp{}, false, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return models.Timestamp{}, false, err
	}
	var ts models.Timestamp
	if err := json.Unmarshal(raw, &ts); err != nil {
		return models.Timestamp{}, false, fmt.Errorf("invalid date field: %w", err)
	}
	return ts, true, nil
}

// dateKey orders timestamps as a single integer (unix nanoseconds).
func dateKey(ts models.Timestamp) int64 {
	return ts.Seconds*1_000_000_000 + int64(ts.Nanoseconds)
}

// mergeFields overlays patch onto base and returns base.
func mergeFields(base, patch map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		base[k] = v
	}
	return base
}
