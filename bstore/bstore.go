// Package bstore stores opaque blocks of bytes and hands back stable
// addresses for them. Blocks are immutable once written; the address of a
// block never changes for the life of the store.
package bstore

import "errors"

var (
	// ErrBlockNotFound is returned when an address does not refer to a
	// written block.
	ErrBlockNotFound = errors.New("bstore: block not found")

	// ErrBlockCorrupt is returned when a block fails checksum or frame
	// validation.
	ErrBlockCorrupt = errors.New("bstore: block corrupt")

	// ErrBlockTooLarge is returned when a block exceeds the store's
	// configured maximum size.
	ErrBlockTooLarge = errors.New("bstore: block too large")

	// ErrStoreClosed is returned when the store has been closed.
	ErrStoreClosed = errors.New("bstore: store closed")
)

// Addr locates a block within a store. The zero value is never a valid
// address.
type Addr uint64

// Store persists blocks and reads them back by address.
type Store interface {
	// WriteBlock appends a block and returns its address.
	WriteBlock(data []byte) (Addr, error)

	// ReadBlock returns the block stored at addr.
	ReadBlock(addr Addr) ([]byte, error)
}
