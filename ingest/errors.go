package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistryClosed is returned by registry operations after Close.
	ErrRegistryClosed = errors.New("ingest: registry closed")

	// ErrSessionClosed is returned by session operations that need the
	// registry after the session closed.
	ErrSessionClosed = errors.New("ingest: session closed")

	// ErrSeriesBusy reports that another session exclusively owns the
	// series. Write resolves it by re-routing through the owner, so it
	// never reaches a Write caller.
	ErrSeriesBusy = errors.New("ingest: series busy")

	// ErrSeriesNotFound is returned when an identity has no registered
	// series, or when no live session could accept a re-routed sample.
	ErrSeriesNotFound = errors.New("ingest: series not found")

	// ErrLateWrite is returned when a sample's timestamp is not strictly
	// after the newest stored point of its series.
	ErrLateWrite = errors.New("ingest: late write")

	// ErrMalformedSample is returned when a sample does not carry a float
	// payload.
	ErrMalformedSample = errors.New("ingest: malformed sample")
)

// SeriesKeySizeError is returned by NameOf when the caller's buffer cannot
// hold the series key. Required is the buffer length needed.
type SeriesKeySizeError struct {
	Required int
}

func (e *SeriesKeySizeError) Error() string {
	return fmt.Sprintf("ingest: series key requires %d bytes", e.Required)
}
