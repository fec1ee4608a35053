package ingest_test

import (
	"sync"
	"testing"
	"time"

	"github.com/treeline-db/treeline/bstore"
	"github.com/treeline-db/treeline/catalog"
	"github.com/treeline-db/treeline/ingest"
	"github.com/treeline-db/treeline/models"
	"github.com/treeline-db/treeline/stree"
)

// fakeMetaStore is an in-memory metadata sink and source with injectable
// failures.
type fakeMetaStore struct {
	mu        sync.Mutex
	insertErr error
	upsertErr error
	names     []catalog.Entry
	points    map[models.SeriesID][]bstore.Addr
	inserts   int
	upserts   int
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{points: make(map[models.SeriesID][]bstore.Addr)}
}

func (s *fakeMetaStore) InsertNewNames(entries []catalog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.insertErr != nil {
		return s.insertErr
	}
	s.names = append(s.names, entries...)
	return nil
}

func (s *fakeMetaStore) UpsertRescuePoints(points map[models.SeriesID][]bstore.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for id, addrs := range points {
		cp := make([]bstore.Addr, len(addrs))
		copy(cp, addrs)
		s.points[id] = cp
	}
	return nil
}

func (s *fakeMetaStore) SeriesNames() ([]catalog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]catalog.Entry, len(s.names))
	copy(entries, s.names)
	return entries, nil
}

func (s *fakeMetaStore) RescuePoints() (map[models.SeriesID][]bstore.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	points := make(map[models.SeriesID][]bstore.Addr, len(s.points))
	for id, addrs := range s.points {
		cp := make([]bstore.Addr, len(addrs))
		copy(cp, addrs)
		points[id] = cp
	}
	return points, nil
}

func (s *fakeMetaStore) SetErrors(insertErr, upsertErr error) {
	s.mu.Lock()
	s.insertErr = insertErr
	s.upsertErr = upsertErr
	s.mu.Unlock()
}

func (s *fakeMetaStore) Names() []catalog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]catalog.Entry, len(s.names))
	copy(entries, s.names)
	return entries
}

func (s *fakeMetaStore) Points(id models.SeriesID) []bstore.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bstore.Addr(nil), s.points[id]...)
}

func (s *fakeMetaStore) HasPoints(id models.SeriesID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.points[id]
	return ok
}

// NewTestRegistry returns a registry over a fresh in-memory block store,
// with trees sealing a leaf every leafSize points.
func NewTestRegistry(tb testing.TB, leafSize int) (*ingest.Registry, *bstore.MemStore) {
	tb.Helper()
	store := bstore.NewMemStore()
	r := ingest.NewRegistry(store)
	if leafSize > 0 {
		r.OpenTree = func(id models.SeriesID, roots []bstore.Addr) (ingest.Tree, error) {
			tree, err := stree.Open(id, roots, store)
			if err != nil {
				return nil, err
			}
			tree.LeafSize = leafSize
			return tree, nil
		}
	}
	return r, store
}

// MustCreateSession creates a session or fails the test.
func MustCreateSession(tb testing.TB, r *ingest.Registry) *ingest.Session {
	tb.Helper()
	s, err := r.CreateSession()
	if err != nil {
		tb.Fatal(err)
	}
	return s
}

// MustResolve resolves a series name through the session or fails the
// test.
func MustResolve(tb testing.TB, s *ingest.Session, name string) models.SeriesID {
	tb.Helper()
	id, err := s.Resolve([]byte(name))
	if err != nil {
		tb.Fatalf("Resolve(%q): %v", name, err)
	}
	return id
}

// waitFor polls fn until it reports true or the timeout expires.
func waitFor(tb testing.TB, timeout time.Duration, fn func() bool) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	tb.Fatal("condition not met before timeout")
}
