package meta_test

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/treeline-db/treeline/bstore"
	"github.com/treeline-db/treeline/catalog"
	"github.com/treeline-db/treeline/meta"
	"github.com/treeline-db/treeline/models"
)

func TestStore_SeriesNames(t *testing.T) {
	s := MustOpenStore(t)
	defer s.Close()

	entries := []catalog.Entry{
		{Name: []byte("cpu,host=a"), ID: 1},
		{Name: []byte("cpu,host=b"), ID: 2},
		{Name: []byte("mem,host=a"), ID: 3},
	}
	require.NoError(t, s.InsertNewNames(entries))

	got, err := s.SeriesNames()
	require.NoError(t, err)
	sortEntries(got)
	if diff := cmp.Diff(entries, got); diff != "" {
		t.Fatalf("unexpected series names (-want/+got):\n%s", diff)
	}
}

func TestStore_RescuePoints(t *testing.T) {
	s := MustOpenStore(t)
	defer s.Close()

	points := map[models.SeriesID][]bstore.Addr{
		1: {13, 77, 1024},
		2: {},
	}
	require.NoError(t, s.UpsertRescuePoints(points))

	got, err := s.RescuePoints()
	require.NoError(t, err)
	if diff := cmp.Diff(points, got); diff != "" {
		t.Fatalf("unexpected rescue points (-want/+got):\n%s", diff)
	}
}

func TestStore_UpsertOverwrites(t *testing.T) {
	s := MustOpenStore(t)
	defer s.Close()

	require.NoError(t, s.UpsertRescuePoints(map[models.SeriesID][]bstore.Addr{1: {13}}))
	require.NoError(t, s.UpsertRescuePoints(map[models.SeriesID][]bstore.Addr{1: {13, 77}}))

	got, err := s.RescuePoints()
	require.NoError(t, err)
	require.Equal(t, []bstore.Addr{13, 77}, got[1])
}

func TestStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.bolt")
	s := meta.NewStore(path)
	require.NoError(t, s.Open(context.Background()))

	require.NoError(t, s.InsertNewNames([]catalog.Entry{{Name: []byte("cpu,host=a"), ID: 1}}))
	require.NoError(t, s.UpsertRescuePoints(map[models.SeriesID][]bstore.Addr{1: {42}}))
	require.NoError(t, s.Close())

	s = meta.NewStore(path)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	names, err := s.SeriesNames()
	require.NoError(t, err)
	require.Len(t, names, 1)
	require.Equal(t, models.SeriesID(1), names[0].ID)

	points, err := s.RescuePoints()
	require.NoError(t, err)
	require.Equal(t, []bstore.Addr{42}, points[1])
}

func TestStore_Closed(t *testing.T) {
	s := meta.NewStore(filepath.Join(t.TempDir(), "meta.bolt"))

	require.ErrorIs(t, s.InsertNewNames(nil), meta.ErrStoreClosed)
	require.ErrorIs(t, s.UpsertRescuePoints(nil), meta.ErrStoreClosed)
	_, err := s.SeriesNames()
	require.ErrorIs(t, err, meta.ErrStoreClosed)
	_, err = s.RescuePoints()
	require.ErrorIs(t, err, meta.ErrStoreClosed)

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.InsertNewNames(nil), meta.ErrStoreClosed)
}

// MustOpenStore opens a store in a temporary directory or fails the test.
func MustOpenStore(tb testing.TB) *meta.Store {
	tb.Helper()
	s := meta.NewStore(filepath.Join(tb.TempDir(), "meta.bolt"))
	if err := s.Open(context.Background()); err != nil {
		tb.Fatal(err)
	}
	return s
}

func sortEntries(entries []catalog.Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
