// Package models describes the values passed through the ingestion path:
// series identities, canonical series keys, and individual samples.
package models

// SeriesID is the numeric identity assigned to a canonical series key.
// Identities are allocated monotonically starting at 1; the zero value
// marks an unresolved sample.
type SeriesID uint64

// IsZero returns true if the id has not been assigned.
func (id SeriesID) IsZero() bool { return id == 0 }

// Kind is the payload type carried by a sample.
type Kind uint8

const (
	// KindEmpty is a sample with no payload. It is never writable.
	KindEmpty Kind = iota

	// KindFloat is a numeric sample holding a float64 value.
	KindFloat

	// KindEvent is an opaque event payload. The ingestion core does not
	// store events; they are rejected at the write boundary.
	KindEvent
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindFloat:
		return "float"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Sample is a single measurement addressed to one series.
type Sample struct {
	SeriesID  SeriesID
	Timestamp int64
	Value     float64
	Kind      Kind
}

// NewFloatSample returns a float sample for the given series.
func NewFloatSample(id SeriesID, timestamp int64, value float64) Sample {
	return Sample{
		SeriesID:  id,
		Timestamp: timestamp,
		Value:     value,
		Kind:      KindFloat,
	}
}
