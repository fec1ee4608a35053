// Package stree holds the per-series append structure. Points accumulate in
// an in-memory leaf; when the leaf fills it is sealed into the block store
// and its address joins the tree's root set. The root set is all that is
// needed to reopen the tree.
package stree

import (
	"github.com/pkg/errors"

	"github.com/treeline-db/treeline/bstore"
	"github.com/treeline-db/treeline/models"
)

// DefaultLeafSize is the number of points buffered before a leaf is sealed.
const DefaultLeafSize = 128

// Outcome describes the result of one append attempt.
type Outcome int

const (
	// AppendOK means the point was accepted.
	AppendOK Outcome = iota

	// AppendOKFlushNeeded means the point was accepted and the append
	// sealed a leaf, so the tree's root set changed.
	AppendOKFlushNeeded

	// AppendLateWrite means the point's timestamp is not strictly after
	// the newest stored point and was rejected.
	AppendLateWrite

	// AppendBadID means no reachable structure accepted the point's
	// series identity.
	AppendBadID
)

// String returns a short name for the outcome.
func (o Outcome) String() string {
	switch o {
	case AppendOK:
		return "ok"
	case AppendOKFlushNeeded:
		return "ok_flush_needed"
	case AppendLateWrite:
		return "late_write"
	case AppendBadID:
		return "bad_id"
	default:
		return "unknown"
	}
}

// Tree is the append structure for one series. It is not safe for
// concurrent use; the ingestion protocol guarantees a single writer.
type Tree struct {
	id    models.SeriesID
	store bstore.Store

	// LeafSize is the number of points per sealed leaf. Must be set
	// before the first Append.
	LeafSize int

	roots      []bstore.Addr
	count      uint64
	last       int64
	timestamps []int64
	values     []float64
}

// New returns an empty tree for the series backed by store.
func New(id models.SeriesID, store bstore.Store) *Tree {
	return &Tree{
		id:       id,
		store:    store,
		LeafSize: DefaultLeafSize,
	}
}

// Open rebuilds a tree from the root set recorded by a previous run. The
// sealed leaves are read back to recover the point count and the newest
// timestamp.
func Open(id models.SeriesID, roots []bstore.Addr, store bstore.Store) (*Tree, error) {
	t := New(id, store)
	t.roots = append(t.roots, roots...)

	for _, addr := range roots {
		data, err := store.ReadBlock(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "stree: read root block %d", addr)
		}
		blockID, timestamps, _, err := decodeLeaf(data)
		if err != nil {
			return nil, errors.Wrapf(err, "stree: decode root block %d", addr)
		}
		if blockID != id {
			return nil, errors.Errorf("stree: block %d belongs to series %d, want %d", addr, blockID, id)
		}
		if t.count > 0 && timestamps[0] <= t.last {
			return nil, errors.Errorf("stree: block %d out of order", addr)
		}
		t.count += uint64(len(timestamps))
		t.last = timestamps[len(timestamps)-1]
	}
	return t, nil
}

// ID returns the series identity the tree stores.
func (t *Tree) ID() models.SeriesID { return t.id }

// Len returns the number of points accepted by the tree, buffered or
// sealed.
func (t *Tree) Len() uint64 { return t.count }

// LastTimestamp returns the newest accepted timestamp, or zero when the
// tree is empty.
func (t *Tree) LastTimestamp() int64 { return t.last }

// Roots returns a copy of the tree's root set in seal order.
func (t *Tree) Roots() []bstore.Addr {
	roots := make([]bstore.Addr, len(t.roots))
	copy(roots, t.roots)
	return roots
}

// Append adds one point. Timestamps must be strictly increasing; a point at
// or before the newest stored timestamp is rejected with AppendLateWrite.
// When the append seals a leaf it returns AppendOKFlushNeeded and the root
// set grows by one address. A failed seal rolls the point back so the same
// point can be retried.
func (t *Tree) Append(timestamp int64, value float64) (Outcome, error) {
	if t.count > 0 && timestamp <= t.last {
		return AppendLateWrite, nil
	}

	prevLast := t.last
	t.timestamps = append(t.timestamps, timestamp)
	t.values = append(t.values, value)
	t.count++
	t.last = timestamp

	if len(t.timestamps) < t.LeafSize {
		return AppendOK, nil
	}
	if err := t.seal(); err != nil {
		t.timestamps = t.timestamps[:len(t.timestamps)-1]
		t.values = t.values[:len(t.values)-1]
		t.count--
		t.last = prevLast
		return AppendOK, err
	}
	return AppendOKFlushNeeded, nil
}

// Flush seals the partial leaf, if any. It returns AppendOKFlushNeeded when
// a block was written and AppendOK when there was nothing to do.
func (t *Tree) Flush() (Outcome, error) {
	if len(t.timestamps) == 0 {
		return AppendOK, nil
	}
	if err := t.seal(); err != nil {
		return AppendOK, err
	}
	return AppendOKFlushNeeded, nil
}

// seal writes the buffered leaf to the block store and grows the root set.
func (t *Tree) seal() error {
	block := encodeLeaf(t.id, t.timestamps, t.values)
	addr, err := t.store.WriteBlock(block)
	if err != nil {
		return errors.Wrap(err, "stree: seal leaf")
	}
	t.roots = append(t.roots, addr)
	t.timestamps = t.timestamps[:0]
	t.values = t.values[:0]
	return nil
}

// Scan calls fn for every stored point in timestamp order, sealed leaves
// first, then the in-memory leaf. Scanning stops at the first error.
func (t *Tree) Scan(fn func(timestamp int64, value float64) error) error {
	for _, addr := range t.roots {
		data, err := t.store.ReadBlock(addr)
		if err != nil {
			return errors.Wrapf(err, "stree: read root block %d", addr)
		}
		blockID, timestamps, values, err := decodeLeaf(data)
		if err != nil {
			return errors.Wrapf(err, "stree: decode root block %d", addr)
		}
		if blockID != t.id {
			return errors.Errorf("stree: block %d belongs to series %d, want %d", addr, blockID, t.id)
		}
		for i := range timestamps {
			if err := fn(timestamps[i], values[i]); err != nil {
				return err
			}
		}
	}
	for i := range t.timestamps {
		if err := fn(t.timestamps[i], t.values[i]); err != nil {
			return err
		}
	}
	return nil
}
