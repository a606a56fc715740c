// internal/storage/storagetest/fake.go
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"mcp-nutrition-log/internal/models"
	"mcp-nutrition-log/internal/storage"
)

// Store is an in-memory storage.RemoteStore for tests. Live queries never
// deliver on their own; tests drive them through Subscription.Deliver.
type Store struct {
	mu       sync.Mutex
	docs     map[string]map[string]interface{}
	seq      int
	subs     []*Subscription
	readErr  error
	writeErr error
	writes   int

	// BeforeWrite runs at the start of every SetMerge and Insert.
	BeforeWrite func()
}

func New() *Store {
	return &Store{docs: make(map[string]map[string]interface{})}
}

// Put stores data at path without counting as a write.
func (s *Store) Put(path string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = copyData(data)
}

func (s *Store) Data(path string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyData(s.docs[path])
}

// Paths lists every stored document path under collection.
func (s *Store) Paths(collection string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for path := range s.docs {
		if strings.HasPrefix(path, collection+"/") {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

func (s *Store) SetReadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

func (s *Store) SetWriteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Writes counts SetMerge and Insert calls, failed ones included.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) Subscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscription, len(s.subs))
	copy(out, s.subs)
	return out
}

func (s *Store) GetDocument(_ context.Context, path string) (*storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	data, ok := s.docs[path]
	if !ok {
		return nil, nil
	}
	_, id, err := storage.SplitPath(path)
	if err != nil {
		return nil, err
	}
	return &storage.Document{ID: id, Path: path, Data: copyData(data)}, nil
}

func (s *Store) SetMerge(_ context.Context, path string, data map[string]interface{}) error {
	if err := s.beginWrite(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.docs[path]
	if existing == nil {
		existing = make(map[string]interface{})
	}
	for k, v := range data {
		existing[k] = v
	}
	s.docs[path] = existing
	return nil
}

func (s *Store) Insert(_ context.Context, collection string, data map[string]interface{}) (string, error) {
	if err := s.beginWrite(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("doc-%d", s.seq)
	s.docs[storage.DocumentPath(collection, id)] = copyData(data)
	return id, nil
}

func (s *Store) beginWrite() error {
	if s.BeforeWrite != nil {
		s.BeforeWrite()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return s.writeErr
}

func (s *Store) Query(collection string, r models.DateRange) storage.Query {
	return &query{store: s, collection: collection, dateRange: r}
}

type query struct {
	store      *Store
	collection string
	dateRange  models.DateRange
}

func (q *query) Get(_ context.Context) ([]storage.Document, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	if q.store.readErr != nil {
		return nil, q.store.readErr
	}

	var docs []storage.Document
	for path, data := range q.store.docs {
		collection, id, err := storage.SplitPath(path)
		if err != nil || collection != q.collection {
			continue
		}
		var dated struct {
			Date models.Timestamp `json:"date"`
		}
		if err := storage.Decode(data, &dated); err != nil {
			return nil, err
		}
		if !q.dateRange.Contains(dated.Date) {
			continue
		}
		docs = append(docs, storage.Document{ID: id, Path: path, Data: copyData(data)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (q *query) Subscribe(onSnapshot func([]storage.Document), onError func(error)) func() {
	sub := &Subscription{
		Collection: q.collection,
		Range:      q.dateRange,
		onSnapshot: onSnapshot,
		onError:    onError,
		query:      q,
	}
	q.store.mu.Lock()
	q.store.subs = append(q.store.subs, sub)
	q.store.mu.Unlock()
	return func() { sub.cancelled.Store(true) }
}

// Subscription records the callbacks handed to Query.Subscribe.
type Subscription struct {
	Collection string
	Range      models.DateRange

	onSnapshot func([]storage.Document)
	onError    func(error)
	query      *query
	cancelled  atomic.Bool
}

func (s *Subscription) Cancelled() bool {
	return s.cancelled.Load()
}

// Deliver invokes the snapshot callback even after cancellation, the way
// a late network delivery would.
func (s *Subscription) Deliver(docs []storage.Document) {
	s.onSnapshot(docs)
}

// Refresh delivers the query's current result.
func (s *Subscription) Refresh() error {
	docs, err := s.query.Get(context.Background())
	if err != nil {
		s.onError(err)
		return err
	}
	s.onSnapshot(docs)
	return nil
}

func (s *Subscription) Fail(err error) {
	s.onError(err)
}

func copyData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
