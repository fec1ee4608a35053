package bstore

import "sync"

// MemStore is an in-memory Store used for testing and ephemeral engines.
type MemStore struct {
	mu     sync.RWMutex
	blocks map[Addr][]byte
	next   Addr
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		blocks: make(map[Addr][]byte),
		next:   1,
	}
}

// WriteBlock appends a copy of data and returns its address.
func (s *MemStore) WriteBlock(data []byte) (Addr, error) {
	block := make([]byte, len(data))
	copy(block, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	addr := s.next
	s.next++
	s.blocks[addr] = block
	return addr, nil
}

// ReadBlock returns a copy of the block stored at addr.
func (s *MemStore) ReadBlock(addr Addr) ([]byte, error) {
	s.mu.RLock()
	block, ok := s.blocks[addr]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlockNotFound
	}
	out := make([]byte, len(block))
	copy(out, block)
	return out, nil
}

// Len returns the number of stored blocks.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}
