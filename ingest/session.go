package ingest

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/treeline-db/treeline/bstore"
	"github.com/treeline-db/treeline/catalog"
	"github.com/treeline-db/treeline/models"
	"github.com/treeline-db/treeline/stree"
)

// Session is one producer's handle on the registry. It keeps a private
// mirror of resolved names and a cache of exclusively owned trees, so the
// hot write path touches no shared state. Sessions are safe for concurrent
// use and several sessions write concurrently against one registry.
//
// The session lock is never held while taking the metadata lock. Samples
// that must re-route through another session's tree therefore release the
// session lock first and travel through the registry's broadcast path.
type Session struct {
	registry *Registry
	id       uint64

	// mirrorMu guards the private name cache. It is a leaf lock: nothing
	// else is acquired while it is held.
	mirrorMu sync.Mutex
	mirror   *catalog.Catalog

	// mu guards the ownership cache and serializes appends to owned
	// trees.
	mu    sync.Mutex
	owned map[models.SeriesID]Tree

	closed atomic.Bool
}

// Resolve returns the identity for a series name, normalizing it to
// canonical form first. Names already seen by this session are served from
// the private mirror without touching the registry.
func (s *Session) Resolve(name []byte) (models.SeriesID, error) {
	canonical, err := models.NormalizeSeriesKey(name)
	if err != nil {
		return 0, err
	}

	s.mirrorMu.Lock()
	id := s.mirror.Match(canonical)
	s.mirrorMu.Unlock()
	if id != 0 {
		return id, nil
	}

	if s.closed.Load() {
		return 0, ErrSessionClosed
	}
	id, err = s.registry.ResolveOrCreate(canonical)
	if err != nil {
		return 0, err
	}

	s.mirrorMu.Lock()
	s.mirror.Insert(canonical, id)
	s.mirrorMu.Unlock()
	return id, nil
}

// NameOf copies the canonical name of id into buf and returns the number
// of bytes copied. When buf is too small it returns a SeriesKeySizeError
// carrying the required length and leaves buf untouched. Names already
// mirrored are served without touching the registry.
func (s *Session) NameOf(id models.SeriesID, buf []byte) (int, error) {
	s.mirrorMu.Lock()
	name, ok := s.mirror.NameOf(id)
	s.mirrorMu.Unlock()

	if !ok {
		if s.closed.Load() {
			return 0, ErrSessionClosed
		}
		var err error
		name, err = s.registry.LookupName(id)
		if err != nil {
			return 0, err
		}
		s.mirrorMu.Lock()
		s.mirror.Insert(name, id)
		s.mirrorMu.Unlock()
	}

	if len(buf) < len(name) {
		return 0, &SeriesKeySizeError{Required: len(name)}
	}
	return copy(buf, name), nil
}

// Write stores one sample. The first write to a series acquires exclusive
// ownership of its tree; if another session owns it the sample re-routes
// through that session, so contention never surfaces as an error. Unknown
// identities fail with ErrSeriesNotFound and stale timestamps with
// ErrLateWrite.
func (s *Session) Write(sample models.Sample) error {
	err := s.write(sample)
	s.registry.tracker.IncWrites(writeStatus(err))
	return err
}

func (s *Session) write(sample models.Sample) error {
	if sample.Kind != models.KindFloat {
		return ErrMalformedSample
	}
	id := sample.SeriesID

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	tree, ok := s.owned[id]
	if !ok {
		acquired, err := s.registry.TryAcquire(id, s.id)
		switch {
		case err == nil:
			s.owned[id] = acquired
			tree = acquired
		case errors.Is(err, ErrSeriesBusy):
			s.mu.Unlock()
			outcome, berr := s.registry.broadcast(sample, s.id)
			if berr != nil {
				return berr
			}
			return outcomeError(outcome)
		default:
			s.mu.Unlock()
			return err
		}
	}

	outcome, err := tree.Append(sample.Timestamp, sample.Value)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var roots []bstore.Addr
	if outcome == stree.AppendOKFlushNeeded {
		roots = tree.Roots()
	}
	s.mu.Unlock()

	if roots != nil {
		if err := s.registry.RecordFlush(id, roots); err != nil {
			return err
		}
	}
	return outcomeError(outcome)
}

// receiveBroadcast offers a re-routed sample to this session. It reports
// whether the session owns the sample's series, and on a flushing append
// returns the grown root set so the caller can update the ledger while it
// still holds the metadata lock.
func (s *Session) receiveBroadcast(sample models.Sample) (handled bool, outcome stree.Outcome, roots []bstore.Addr, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, ok := s.owned[sample.SeriesID]
	if !ok {
		return false, stree.AppendOK, nil, nil
	}
	outcome, err = tree.Append(sample.Timestamp, sample.Value)
	if err != nil {
		return true, outcome, nil, err
	}
	if outcome == stree.AppendOKFlushNeeded {
		roots = tree.Roots()
	}
	return true, outcome, roots, nil
}

// Close deregisters the session and releases every tree it owns back to
// the available state. It leaves the broadcast set before draining the
// ownership cache, so no sample routes here mid-teardown. Lookups served
// by the private mirror keep working after Close; everything else fails
// with ErrSessionClosed. Close is idempotent.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.registry.deregisterSession(s.id)

	s.mu.Lock()
	owned := s.owned
	s.owned = nil
	s.mu.Unlock()

	for id := range owned {
		s.registry.releaseSeries(id, s.id)
	}
	return nil
}

// outcomeError translates an append outcome into the session's error
// taxonomy.
func outcomeError(outcome stree.Outcome) error {
	switch outcome {
	case stree.AppendOK, stree.AppendOKFlushNeeded:
		return nil
	case stree.AppendLateWrite:
		return ErrLateWrite
	case stree.AppendBadID:
		return ErrSeriesNotFound
	default:
		return errors.Errorf("ingest: unexpected append outcome %d", outcome)
	}
}

// writeStatus maps a write result onto a metric status label.
func writeStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrLateWrite):
		return "late_write"
	case errors.Is(err, ErrSeriesNotFound):
		return "not_found"
	case errors.Is(err, ErrMalformedSample):
		return "malformed"
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrRegistryClosed):
		return "closed"
	default:
		return "error"
	}
}
