package ingest_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/treeline-db/treeline/ingest"
	"github.com/treeline-db/treeline/models"
	"github.com/treeline-db/treeline/stree"
)

func TestSession_ResolveNormalizes(t *testing.T) {
	r, _ := NewTestRegistry(t, 0)
	defer r.Close()
	session := MustCreateSession(t, r)

	id1, err := session.Resolve([]byte("cpu,b=2,a=1"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := session.Resolve([]byte(" cpu , a=1 ,b=2"))
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("equivalent keys resolved to %d and %d", id1, id2)
	}

	name, err := r.LookupName(id1)
	if err != nil {
		t.Fatal(err)
	}
	if string(name) != "cpu,a=1,b=2" {
		t.Fatalf("registered name = %q", name)
	}
}

func TestSession_ResolveMalformed(t *testing.T) {
	r, _ := NewTestRegistry(t, 0)
	defer r.Close()
	session := MustCreateSession(t, r)

	if _, err := session.Resolve([]byte("cpu,=bad")); !errors.Is(err, models.ErrInvalidSeriesKey) {
		t.Fatalf("error = %v, want ErrInvalidSeriesKey", err)
	}
}

func TestSession_MirrorServesAfterRegistryClose(t *testing.T) {
	r, _ := NewTestRegistry(t, 0)
	session := MustCreateSession(t, r)

	id := MustResolve(t, session, "cpu,host=a")
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	// Known names still resolve from the session's private mirror.
	got, err := session.Resolve([]byte("cpu,host=a"))
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("mirror resolve = %d, want %d", got, id)
	}

	if _, err := session.Resolve([]byte("cpu,host=b")); !errors.Is(err, ingest.ErrRegistryClosed) {
		t.Fatalf("error = %v, want ErrRegistryClosed", err)
	}
}

func TestSession_NameOf(t *testing.T) {
	r, _ := NewTestRegistry(t, 0)
	defer r.Close()
	session := MustCreateSession(t, r)

	id := MustResolve(t, session, "cpu,host=a")

	buf := make([]byte, models.MaxSeriesKeySize)
	n, err := session.NameOf(id, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("cpu,host=a")) {
		t.Fatalf("NameOf = %q", buf[:n])
	}

	// An exactly sized buffer works.
	exact := make([]byte, n)
	if m, err := session.NameOf(id, exact); err != nil || m != n {
		t.Fatalf("NameOf into exact buffer = %d, %v", m, err)
	}

	if _, err := session.NameOf(404, buf); !errors.Is(err, ingest.ErrSeriesNotFound) {
		t.Fatalf("error = %v, want ErrSeriesNotFound", err)
	}
}

func TestSession_NameOf_ShortBuffer(t *testing.T) {
	r, _ := NewTestRegistry(t, 0)
	defer r.Close()
	session := MustCreateSession(t, r)

	id := MustResolve(t, session, "cpu,host=a")

	var sizeErr *ingest.SeriesKeySizeError
	buf := []byte{0xFF, 0xFF, 0xFF}
	_, err := session.NameOf(id, buf)
	if !errors.As(err, &sizeErr) {
		t.Fatalf("error = %v, want SeriesKeySizeError", err)
	}
	if sizeErr.Required != len("cpu,host=a") {
		t.Fatalf("Required = %d, want %d", sizeErr.Required, len("cpu,host=a"))
	}
	if !bytes.Equal(buf, []byte{0xFF, 0xFF, 0xFF}) {
		t.Fatalf("short buffer was written to: %v", buf)
	}
}

func TestSession_NameOf_AfterSessionClose(t *testing.T) {
	r, _ := NewTestRegistry(t, 0)
	defer r.Close()

	s1 := MustCreateSession(t, r)
	s2 := MustCreateSession(t, r)
	idMirrored := MustResolve(t, s1, "cpu,host=a")
	idOther := MustResolve(t, s2, "cpu,host=b")

	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	// Mirrored lookups survive close, registry lookups do not.
	buf := make([]byte, models.MaxSeriesKeySize)
	if _, err := s1.NameOf(idMirrored, buf); err != nil {
		t.Fatal(err)
	}
	if _, err := s1.NameOf(idOther, buf); !errors.Is(err, ingest.ErrSessionClosed) {
		t.Fatalf("error = %v, want ErrSessionClosed", err)
	}
}

func TestSession_Write(t *testing.T) {
	r, _ := NewTestRegistry(t, 0)
	defer r.Close()
	session := MustCreateSession(t, r)

	id := MustResolve(t, session, "cpu,host=a")
	if err := session.Write(models.NewFloatSample(id, 100, 0.5)); err != nil {
		t.Fatal(err)
	}
	if err := session.Write(models.NewFloatSample(id, 101, 0.6)); err != nil {
		t.Fatal(err)
	}

	if err := session.Write(models.NewFloatSample(id, 100, 0.7)); !errors.Is(err, ingest.ErrLateWrite) {
		t.Fatalf("error = %v, want ErrLateWrite", err)
	}
	if err := session.Write(models.NewFloatSample(42, 200, 1)); !errors.Is(err, ingest.ErrSeriesNotFound) {
		t.Fatalf("error = %v, want ErrSeriesNotFound", err)
	}

	if err := session.Write(models.Sample{SeriesID: id, Timestamp: 300}); !errors.Is(err, ingest.ErrMalformedSample) {
		t.Fatalf("error = %v, want ErrMalformedSample", err)
	}
}

func TestSession_WriteRoutesThroughOwner(t *testing.T) {
	r, store := NewTestRegistry(t, 2)
	defer r.Close()

	owner := MustCreateSession(t, r)
	other := MustCreateSession(t, r)

	id := MustResolve(t, owner, "cpu,host=a")
	if err := owner.Write(models.NewFloatSample(id, 100, 1)); err != nil {
		t.Fatal(err)
	}

	// The second session cannot acquire the series, so its sample is
	// handed to the owner. The append fills the two point leaf and the
	// owner's flush lands in the ledger.
	if err := other.Write(models.NewFloatSample(id, 101, 2)); err != nil {
		t.Fatal(err)
	}

	sink := newFakeMetaStore()
	if err := r.Checkpoint(sink); err != nil {
		t.Fatal(err)
	}
	roots := sink.Points(id)
	if len(roots) != 1 {
		t.Fatalf("rescue roots = %v, want one sealed leaf", roots)
	}

	tree, err := stree.Open(id, roots, store)
	if err != nil {
		t.Fatal(err)
	}
	var got []int64
	err = tree.Scan(func(timestamp int64, value float64) error {
		got = append(got, timestamp)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 100 || got[1] != 101 {
		t.Fatalf("scanned timestamps = %v, want [100 101]", got)
	}
}

func TestSession_WriteAfterOwnerCloses(t *testing.T) {
	r, _ := NewTestRegistry(t, 0)
	defer r.Close()

	owner := MustCreateSession(t, r)
	other := MustCreateSession(t, r)

	id := MustResolve(t, owner, "cpu,host=a")
	if err := owner.Write(models.NewFloatSample(id, 100, 1)); err != nil {
		t.Fatal(err)
	}
	if err := owner.Close(); err != nil {
		t.Fatal(err)
	}

	// With the owner gone the series is free to acquire.
	if err := other.Write(models.NewFloatSample(id, 101, 2)); err != nil {
		t.Fatal(err)
	}
}

func TestSession_WriteOwnerUnreachable(t *testing.T) {
	r, _ := NewTestRegistry(t, 0)
	defer r.Close()

	session := MustCreateSession(t, r)
	id := MustResolve(t, session, "cpu,host=a")

	// Pin the series under an owner no session answers for.
	if _, err := r.TryAcquire(id, 999); err != nil {
		t.Fatal(err)
	}

	if err := session.Write(models.NewFloatSample(id, 100, 1)); !errors.Is(err, ingest.ErrSeriesNotFound) {
		t.Fatalf("error = %v, want ErrSeriesNotFound", err)
	}
}

func TestSession_Close(t *testing.T) {
	r, _ := NewTestRegistry(t, 0)
	defer r.Close()

	session := MustCreateSession(t, r)
	id := MustResolve(t, session, "cpu,host=a")
	if err := session.Write(models.NewFloatSample(id, 100, 1)); err != nil {
		t.Fatal(err)
	}

	if err := session.Close(); err != nil {
		t.Fatal(err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := session.Write(models.NewFloatSample(id, 101, 1)); !errors.Is(err, ingest.ErrSessionClosed) {
		t.Fatalf("Write error = %v, want ErrSessionClosed", err)
	}
	if _, err := session.Resolve([]byte("cpu,host=b")); !errors.Is(err, ingest.ErrSessionClosed) {
		t.Fatalf("Resolve error = %v, want ErrSessionClosed", err)
	}
}
