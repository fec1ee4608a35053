package bstore

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/treeline-db/treeline/logger"
)

// DefaultMaxBlockSize is the largest uncompressed block FileStore accepts
// unless configured otherwise.
const DefaultMaxBlockSize = 16 << 20

// blockHeaderSize is the frame header: payload length then checksum.
const blockHeaderSize = 4 + 8

// FileStore is an append-only Store backed by a single file. Each block is
// framed as a big-endian payload length, an xxhash checksum of the payload,
// and the snappy-compressed payload. A block's address is its frame offset
// plus one, so address zero stays invalid.
type FileStore struct {
	mu   sync.RWMutex
	path string
	file *os.File
	size int64

	// SyncWrites forces an fsync after every block write. Must be set
	// before Open.
	SyncWrites bool

	// MaxBlockSize caps the uncompressed size of a single block. Must be
	// set before Open.
	MaxBlockSize uint64

	logger *zap.Logger
}

// NewFileStore returns a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:         path,
		MaxBlockSize: DefaultMaxBlockSize,
		logger:       zap.NewNop(),
	}
}

// WithLogger sets the logger on the store. Must be called before Open.
func (s *FileStore) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "bstore"))
}

// Path returns the location of the backing file.
func (s *FileStore) Path() string { return s.path }

// Open opens or creates the backing file, validates the frames it holds and
// truncates any torn write left by a crash.
func (s *FileStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, logEnd := logger.NewOperation(s.logger, "Opening block store", "bstore_open",
		zap.String("path", s.path))
	defer logEnd()

	if err := os.MkdirAll(filepath.Dir(s.path), 0777); err != nil {
		return errors.Wrap(err, "bstore: create directory")
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return errors.Wrap(err, "bstore: open file")
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrap(err, "bstore: stat file")
	}

	tail, blocks, err := s.scan(file, fi.Size())
	if err != nil {
		file.Close()
		return err
	}
	if tail < fi.Size() {
		s.logger.Warn("Truncating torn block at end of file",
			zap.String("path", s.path),
			zap.Int64("offset", tail),
			zap.Int64("bytes_dropped", fi.Size()-tail))
		if err := file.Truncate(tail); err != nil {
			file.Close()
			return errors.Wrap(err, "bstore: truncate torn tail")
		}
	}

	s.file = file
	s.size = tail
	s.logger.Info("Block store opened",
		zap.Int("blocks", blocks), zap.Int64("size", tail))
	return nil
}

// scan walks the frame headers from the start of the file and returns the
// offset of the last complete frame and the number of frames before it.
func (s *FileStore) scan(file *os.File, size int64) (int64, int, error) {
	var (
		header [blockHeaderSize]byte
		off    int64
		blocks int
	)
	for size-off >= blockHeaderSize {
		if _, err := file.ReadAt(header[:], off); err != nil {
			return 0, 0, errors.Wrap(err, "bstore: read frame header")
		}
		length := int64(binary.BigEndian.Uint32(header[:4]))
		if length > int64(snappy.MaxEncodedLen(int(s.MaxBlockSize))) {
			break
		}
		if off+blockHeaderSize+length > size {
			break
		}
		off += blockHeaderSize + length
		blocks++
	}
	return off, blocks, nil
}

// WriteBlock appends a block and returns its address.
func (s *FileStore) WriteBlock(data []byte) (Addr, error) {
	if uint64(len(data)) > s.MaxBlockSize {
		return 0, ErrBlockTooLarge
	}
	payload := snappy.Encode(nil, data)

	frame := make([]byte, blockHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(frame[4:12], xxhash.Sum64(payload))
	copy(frame[blockHeaderSize:], payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, ErrStoreClosed
	}
	off := s.size
	if _, err := s.file.WriteAt(frame, off); err != nil {
		return 0, errors.Wrap(err, "bstore: write block")
	}
	if s.SyncWrites {
		if err := s.file.Sync(); err != nil {
			return 0, errors.Wrap(err, "bstore: sync")
		}
	}
	s.size = off + int64(len(frame))
	return Addr(off + 1), nil
}

// ReadBlock returns the block stored at addr.
func (s *FileStore) ReadBlock(addr Addr) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, ErrStoreClosed
	}
	if addr == 0 || int64(addr-1) >= s.size {
		return nil, ErrBlockNotFound
	}
	off := int64(addr - 1)

	var header [blockHeaderSize]byte
	if _, err := s.file.ReadAt(header[:], off); err != nil {
		return nil, errors.Wrap(err, "bstore: read frame header")
	}
	length := int64(binary.BigEndian.Uint32(header[:4]))
	if length > int64(snappy.MaxEncodedLen(int(s.MaxBlockSize))) {
		return nil, ErrBlockCorrupt
	}
	if off+blockHeaderSize+length > s.size {
		return nil, ErrBlockCorrupt
	}

	payload := make([]byte, length)
	if _, err := s.file.ReadAt(payload, off+blockHeaderSize); err != nil {
		return nil, errors.Wrap(err, "bstore: read block payload")
	}
	if xxhash.Sum64(payload) != binary.BigEndian.Uint64(header[4:12]) {
		return nil, ErrBlockCorrupt
	}
	data, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, errors.Wrap(ErrBlockCorrupt, err.Error())
	}
	return data, nil
}

// Close syncs and closes the backing file. It is safe to call more than
// once.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}
