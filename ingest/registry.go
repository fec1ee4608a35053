// Package ingest implements the write path of the storage engine: a series
// registry that interns series names, a per-series ownership protocol that
// guarantees a single writer per append tree, and sessions that carry
// writes from individual producers.
//
// A session that writes to a series it does not own first tries to acquire
// the series. If another session already owns it, the sample is re-routed
// through the registry to the owning session instead of failing, so
// producers never coordinate ownership themselves.
//
// Locks nest in one direction only: metadata lock, then a session lock,
// then the table lock, then an entry lock. A session never holds its own
// lock while taking the metadata lock, which is what makes re-routing safe
// to run concurrently with ordinary writes.
package ingest

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/treeline-db/treeline/bstore"
	"github.com/treeline-db/treeline/catalog"
	"github.com/treeline-db/treeline/logger"
	"github.com/treeline-db/treeline/models"
	"github.com/treeline-db/treeline/stree"
)

// Tree is the append structure the registry manages for each series.
// Implementations are not safe for concurrent use; the ownership protocol
// guarantees a single writer.
type Tree interface {
	Append(timestamp int64, value float64) (stree.Outcome, error)
	Flush() (stree.Outcome, error)
	Roots() []bstore.Addr
}

// TreeOpenFunc builds or reopens the tree for a series from its recorded
// root set. An empty root set means a fresh series.
type TreeOpenFunc func(id models.SeriesID, roots []bstore.Addr) (Tree, error)

// MetadataSink receives the catalog names and rescue points drained by a
// checkpoint. Both methods must be safe to retry with the same payload.
type MetadataSink interface {
	InsertNewNames(entries []catalog.Entry) error
	UpsertRescuePoints(points map[models.SeriesID][]bstore.Addr) error
}

// MetadataSource supplies persisted metadata when a registry is restored.
type MetadataSource interface {
	SeriesNames() ([]catalog.Entry, error)
	RescuePoints() (map[models.SeriesID][]bstore.Addr, error)
}

// WaitStatus is the result of AwaitCheckpointWork.
type WaitStatus int

const (
	// WaitTimedOut means the timeout elapsed with no checkpoint work.
	WaitTimedOut WaitStatus = iota

	// WaitRetry means the waiter woke spuriously and should wait again.
	WaitRetry

	// WaitWorkAvailable means the ledger holds work for a checkpoint.
	WaitWorkAvailable
)

// String returns a short name for the status.
func (s WaitStatus) String() string {
	switch s {
	case WaitTimedOut:
		return "timed_out"
	case WaitRetry:
		return "retry"
	case WaitWorkAvailable:
		return "work_available"
	default:
		return "unknown"
	}
}

// Registry owns the series catalog, the ownership table and the rescue
// point ledger. All sessions of one engine share a single registry.
type Registry struct {
	// mu is the metadata lock. It guards the catalog, the rescue ledger,
	// the session set and the checkpoint wake channel.
	mu       sync.Mutex
	catalog  *catalog.Catalog
	rescue   map[models.SeriesID][]bstore.Addr
	rescueHW map[models.SeriesID]int
	sessions map[uint64]*Session
	lastSess uint64
	wake     chan struct{}

	// table guards the series id to entry mapping. It is separate from
	// the metadata lock so writers acquiring trees do not serialize
	// behind catalog and ledger traffic.
	table struct {
		sync.RWMutex
		entries map[models.SeriesID]*registryEntry
	}

	closed atomic.Bool

	// OpenTree builds the append tree for a series. Defaults to an
	// stree backed factory over the store passed to NewRegistry. Must be
	// set before the first ResolveOrCreate or Restore.
	OpenTree TreeOpenFunc

	// Clock is used for checkpoint wait timeouts. By default it uses a
	// real-time clock, but a mock clock can be used for testing.
	Clock clock.Clock

	logger  *zap.Logger
	tracker *ingestTracker
}

// NewRegistry returns an empty registry whose trees append to blocks.
func NewRegistry(blocks bstore.Store) *Registry {
	r := &Registry{
		catalog:  catalog.New(),
		rescue:   make(map[models.SeriesID][]bstore.Addr),
		rescueHW: make(map[models.SeriesID]int),
		sessions: make(map[uint64]*Session),
		wake:     make(chan struct{}),
		Clock:    clock.New(),
		logger:   zap.NewNop(),
		tracker:  newIngestTracker(newIngestMetrics(nil), nil),
	}
	r.table.entries = make(map[models.SeriesID]*registryEntry)
	r.OpenTree = func(id models.SeriesID, roots []bstore.Addr) (Tree, error) {
		return stree.Open(id, roots, blocks)
	}
	return r
}

// WithLogger sets the logger on the registry. Must be called before use.
func (r *Registry) WithLogger(log *zap.Logger) {
	r.logger = log.With(zap.String("service", "ingest"))
}

// SetDefaultMetricLabels sets the default labels for the registry's
// metrics. Must be called before the registry is used.
func (r *Registry) SetDefaultMetricLabels(labels prometheus.Labels) {
	r.tracker = newIngestTracker(newIngestMetrics(labels), labels)
}

// DisableMetrics stops the registry from tracking metrics. Must be called
// before the registry is used.
func (r *Registry) DisableMetrics() {
	r.tracker.enabled = false
}

// PrometheusCollectors returns the metrics associated with the registry.
func (r *Registry) PrometheusCollectors() []prometheus.Collector {
	return r.tracker.metrics.PrometheusCollectors()
}

// ResolveOrCreate returns the identity interned for the canonical name,
// allocating it on first sight. A new series gets an empty tree, and its
// empty ledger entry queues it for the next checkpoint. The operation is
// idempotent for identical names.
func (r *Registry) ResolveOrCreate(name []byte) (models.SeriesID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return 0, ErrRegistryClosed
	}

	id := r.catalog.Match(name)
	if id != 0 {
		return id, nil
	}

	id = r.catalog.Add(name)
	tree, err := r.OpenTree(id, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "ingest: open tree for series %d", id)
	}
	r.table.Lock()
	r.table.entries[id] = &registryEntry{tree: tree}
	r.table.Unlock()

	// Presence in the ledger is what makes a new series checkpoint work,
	// even before its first flush.
	r.rescue[id] = []bstore.Addr{}
	r.tracker.SetRescuePending(uint64(len(r.rescue)))
	r.notifyLocked()

	r.tracker.IncSeriesCreated()
	r.tracker.SetSeries(uint64(r.catalog.Len()))
	return id, nil
}

// LookupName returns the canonical name interned for id. The returned
// slice is the catalog's copy and must not be modified.
func (r *Registry) LookupName(id models.SeriesID) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	name, ok := r.catalog.NameOf(id)
	if !ok {
		return nil, ErrSeriesNotFound
	}
	return name, nil
}

// SeriesN returns the number of series known to the registry.
func (r *Registry) SeriesN() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.catalog.Len()
}

// TryAcquire attempts to transfer exclusive ownership of the series' tree
// to the given session. It returns ErrSeriesBusy when any session owns the
// tree and ErrSeriesNotFound when the identity is unknown.
func (r *Registry) TryAcquire(id models.SeriesID, session uint64) (Tree, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	r.table.RLock()
	e := r.table.entries[id]
	r.table.RUnlock()
	if e == nil {
		return nil, ErrSeriesNotFound
	}
	return e.tryAcquire(session)
}

// releaseSeries returns a series to the available state if session owns it.
func (r *Registry) releaseSeries(id models.SeriesID, session uint64) {
	r.table.RLock()
	e := r.table.entries[id]
	r.table.RUnlock()
	if e != nil {
		e.release(session)
	}
}

// RecordFlush stores the series' root set in the rescue ledger and wakes
// checkpoint waiters. Reports from racing flushes of one series may arrive
// out of order; a report carrying fewer roots than one already recorded is
// stale and is dropped, since a root set only ever grows.
func (r *Registry) RecordFlush(id models.SeriesID, roots []bstore.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	r.recordFlushLocked(id, roots)
	return nil
}

func (r *Registry) recordFlushLocked(id models.SeriesID, roots []bstore.Addr) {
	if len(roots) < r.rescueHW[id] {
		return
	}
	r.rescueHW[id] = len(roots)
	r.rescue[id] = roots
	r.tracker.SetRescuePending(uint64(len(r.rescue)))
	r.notifyLocked()
}

// notifyLocked wakes every waiter blocked in AwaitCheckpointWork. Callers
// must hold the metadata lock.
func (r *Registry) notifyLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

// wakeWaiters wakes checkpoint waiters without adding work, so a stopping
// checkpointer can observe its shutdown signal.
func (r *Registry) wakeWaiters() {
	r.mu.Lock()
	r.notifyLocked()
	r.mu.Unlock()
}

// AwaitCheckpointWork blocks until the rescue ledger holds work, the
// timeout elapses, or the registry closes. A wake with an empty ledger
// reports WaitRetry; callers are expected to wait again.
func (r *Registry) AwaitCheckpointWork(timeout time.Duration) (WaitStatus, error) {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return WaitTimedOut, ErrRegistryClosed
	}
	if len(r.rescue) > 0 {
		r.mu.Unlock()
		return WaitWorkAvailable, nil
	}
	wake := r.wake
	r.mu.Unlock()

	timer := r.Clock.Timer(timeout)
	defer timer.Stop()

	var timedOut bool
	select {
	case <-wake:
	case <-timer.C:
		timedOut = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return WaitTimedOut, ErrRegistryClosed
	}
	if len(r.rescue) > 0 {
		return WaitWorkAvailable, nil
	}
	if timedOut {
		return WaitTimedOut, nil
	}
	return WaitRetry, nil
}

// Checkpoint drains the newly allocated names and the rescue ledger and
// hands both to sink as one logical step under the metadata lock. This is
// the only operation that performs I/O under the metadata lock. A sink
// failure requeues the drained work so the next checkpoint retries it.
func (r *Registry) Checkpoint(sink MetadataSink) error {
	start := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	names := r.catalog.DrainNewNames()
	pending := len(r.rescue)
	if len(names) == 0 && pending == 0 {
		return nil
	}

	if len(names) > 0 {
		if err := sink.InsertNewNames(names); err != nil {
			r.catalog.RequeueNewNames(names)
			r.tracker.IncCheckpoint("error")
			return errors.Wrap(err, "ingest: persist new names")
		}
	}

	if pending > 0 {
		points := r.rescue
		r.rescue = make(map[models.SeriesID][]bstore.Addr)
		if err := sink.UpsertRescuePoints(points); err != nil {
			r.rescue = points
			r.tracker.IncCheckpoint("error")
			return errors.Wrap(err, "ingest: persist rescue points")
		}
		r.tracker.SetRescuePending(0)
	}

	r.tracker.IncCheckpoint("ok")
	r.tracker.ObserveCheckpointDuration(time.Since(start))
	return nil
}

// FlushAll seals the partial leaves of every unowned tree and records the
// grown root sets in the ledger. Owned trees are skipped: their sessions
// are still writing and flush through the ordinary path. Errors do not
// stop the sweep; they are combined and returned at the end.
func (r *Registry) FlushAll() error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	r.table.RLock()
	entries := make(map[models.SeriesID]*registryEntry, len(r.table.entries))
	for id, e := range r.table.entries {
		entries[id] = e
	}
	r.table.RUnlock()

	var (
		err     error
		flushed []models.SeriesID
		roots   [][]bstore.Addr
	)
	for id, e := range entries {
		e.mu.Lock()
		if e.owner == 0 {
			outcome, ferr := e.tree.Flush()
			if ferr != nil {
				err = multierr.Append(err, errors.Wrapf(ferr, "ingest: flush series %d", id))
			} else if outcome == stree.AppendOKFlushNeeded {
				flushed = append(flushed, id)
				roots = append(roots, e.tree.Roots())
			}
		}
		e.mu.Unlock()
	}

	for i, id := range flushed {
		if rerr := r.RecordFlush(id, roots[i]); rerr != nil {
			err = multierr.Append(err, rerr)
		}
	}
	return err
}

// CreateSession registers a new session with the registry.
func (r *Registry) CreateSession() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	r.lastSess++
	s := &Session{
		registry: r,
		id:       r.lastSess,
		mirror:   catalog.New(),
		owned:    make(map[models.SeriesID]Tree),
	}
	r.sessions[s.id] = s
	r.tracker.IncSessionsActive()
	return s, nil
}

// deregisterSession removes a closing session from the broadcast set.
func (r *Registry) deregisterSession(id uint64) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		r.tracker.DecSessionsActive()
	}
	r.mu.Unlock()
}

// broadcast offers a sample to every live session except the source. At
// most one session owns a series, so at most one can handle it. When the
// handling append grew the owner's root set the ledger is updated before
// the metadata lock is released. With no handler the sample's identity is
// unreachable and the outcome is AppendBadID.
func (r *Registry) broadcast(sample models.Sample, source uint64) (stree.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return stree.AppendBadID, ErrRegistryClosed
	}

	for id, s := range r.sessions {
		if id == source {
			continue
		}
		handled, outcome, roots, err := s.receiveBroadcast(sample)
		if err != nil {
			return outcome, err
		}
		if !handled {
			continue
		}
		if outcome == stree.AppendOKFlushNeeded {
			r.recordFlushLocked(sample.SeriesID, roots)
		}
		r.tracker.IncBroadcasts("handled")
		return outcome, nil
	}
	r.tracker.IncBroadcasts("unhandled")
	return stree.AppendBadID, nil
}

// Restore rebuilds the registry from persisted metadata: the catalog from
// the stored names and each series' tree from its recorded root set. Trees
// are opened in parallel. Restore must run before the registry serves
// sessions.
func (r *Registry) Restore(src MetadataSource) error {
	log, logEnd := logger.NewOperation(r.logger, "Restoring series registry", "registry_restore")
	defer logEnd()

	names, err := src.SeriesNames()
	if err != nil {
		return errors.Wrap(err, "ingest: restore names")
	}
	points, err := src.RescuePoints()
	if err != nil {
		return errors.Wrap(err, "ingest: restore rescue points")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	trees := make([]Tree, len(names))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, e := range names {
		i, e := i, e
		g.Go(func() error {
			tree, err := r.OpenTree(e.ID, points[e.ID])
			if err != nil {
				return errors.Wrapf(err, "ingest: reopen tree for series %d", e.ID)
			}
			trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.table.Lock()
	for i, e := range names {
		r.catalog.Insert(e.Name, e.ID)
		r.table.entries[e.ID] = &registryEntry{tree: trees[i]}
	}
	r.table.Unlock()
	for id, addrs := range points {
		r.rescueHW[id] = len(addrs)
	}

	r.tracker.SetSeries(uint64(r.catalog.Len()))
	log.Info("Series registry restored", zap.Int("series", len(names)))
	return nil
}

// Close marks the registry closed and wakes checkpoint waiters. Sessions
// that are still open observe ErrRegistryClosed from registry dependent
// calls; their mirrors keep serving lookups. Close is idempotent.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	r.notifyLocked()
	r.mu.Unlock()
	return nil
}
