// Package catalog maps canonical series keys to numeric identities.
//
// A Catalog performs no locking of its own. The registry guards the global
// catalog with its metadata lock and each session guards its private mirror
// with the session's mirror lock, so the catalog stays a plain data
// structure.
package catalog

import (
	"github.com/treeline-db/treeline/models"
)

// Entry pairs a canonical series key with its identity.
type Entry struct {
	Name []byte
	ID   models.SeriesID
}

// Catalog is an append-only mapping between canonical series keys and
// identities. Names added with Add queue up for the next metadata
// checkpoint; names learned with Insert do not.
type Catalog struct {
	byName  map[string]models.SeriesID
	byID    map[models.SeriesID][]byte
	pending []Entry
	next    models.SeriesID
}

// New returns an empty catalog. Identities are assigned starting at 1.
func New() *Catalog {
	return &Catalog{
		byName: make(map[string]models.SeriesID),
		byID:   make(map[models.SeriesID][]byte),
		next:   1,
	}
}

// Match returns the identity interned for name, or zero when the name is
// unknown.
func (c *Catalog) Match(name []byte) models.SeriesID {
	return c.byName[string(name)]
}

// Add interns a private copy of name under a freshly allocated identity and
// queues the pair for the next checkpoint. The caller must ensure the name
// is not already present.
func (c *Catalog) Add(name []byte) models.SeriesID {
	id := c.next
	c.next++

	owned := make([]byte, len(name))
	copy(owned, name)
	c.byName[string(owned)] = id
	c.byID[id] = owned
	c.pending = append(c.pending, Entry{Name: owned, ID: id})
	return id
}

// Insert interns a private copy of name under an already allocated identity
// without queueing it for a checkpoint. It is used to restore the catalog
// from metadata and to fill session mirrors, and keeps the allocator ahead
// of every identity it sees.
func (c *Catalog) Insert(name []byte, id models.SeriesID) {
	owned := make([]byte, len(name))
	copy(owned, name)
	c.byName[string(owned)] = id
	c.byID[id] = owned
	if id >= c.next {
		c.next = id + 1
	}
}

// NameOf returns the interned name for id. The returned slice is the
// catalog's copy and must not be modified.
func (c *Catalog) NameOf(id models.SeriesID) ([]byte, bool) {
	name, ok := c.byID[id]
	return name, ok
}

// DrainNewNames removes and returns every entry queued since the last
// drain, in allocation order.
func (c *Catalog) DrainNewNames() []Entry {
	pending := c.pending
	c.pending = nil
	return pending
}

// RequeueNewNames returns drained entries to the front of the queue so a
// failed checkpoint can retry them in order.
func (c *Catalog) RequeueNewNames(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	c.pending = append(entries, c.pending...)
}

// Len returns the number of interned names.
func (c *Catalog) Len() int {
	return len(c.byID)
}
