// Package meta persists ingestion metadata: the series catalog and the
// rescue points recorded at each checkpoint. Both live in a single bolt
// database so a checkpoint is one transaction.
package meta

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/treeline-db/treeline/bstore"
	"github.com/treeline-db/treeline/catalog"
	"github.com/treeline-db/treeline/models"
)

// ErrStoreClosed is returned when the store is used before Open or after
// Close.
var ErrStoreClosed = errors.New("meta: store closed")

var (
	seriesBucket = []byte("series")
	rescueBucket = []byte("rescue")
)

// Store is a bolt backed metadata store.
type Store struct {
	path   string
	db     *bolt.DB
	logger *zap.Logger
}

// NewStore returns a store backed by the bolt database at path.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the store. Must be called before Open.
func (s *Store) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "meta"))
}

// Path returns the location of the bolt database.
func (s *Store) Path() string { return s.path }

// Open opens the database and creates the buckets if needed.
func (s *Store) Open(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		s.logger.Error("Unable to create directory", zap.String("path", s.path), zap.Error(err))
		return err
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return errors.Wrapf(err, "meta: unable to open %s", s.path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(seriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(rescueBucket)
		return err
	}); err != nil {
		db.Close()
		return errors.Wrap(err, "meta: create buckets")
	}

	s.db = db
	return nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// InsertNewNames persists freshly allocated catalog entries. Re-inserting
// an entry overwrites it with the same value, so retries are safe.
func (s *Store) InsertNewNames(entries []catalog.Entry) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(seriesBucket)
		for _, e := range entries {
			if err := b.Put(e.Name, encodeID(e.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertRescuePoints replaces the stored root sets for every series in
// points. An entry with no addresses still marks the series as known.
func (s *Store) UpsertRescuePoints(points map[models.SeriesID][]bstore.Addr) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rescueBucket)
		for id, addrs := range points {
			if err := b.Put(encodeID(id), encodeAddrs(addrs)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SeriesNames returns every persisted catalog entry.
func (s *Store) SeriesNames() ([]catalog.Entry, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	var entries []catalog.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(seriesBucket).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return errors.Errorf("meta: series entry %q has malformed id", k)
			}
			name := make([]byte, len(k))
			copy(name, k)
			entries = append(entries, catalog.Entry{Name: name, ID: decodeID(v)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// RescuePoints returns the root sets recorded for every series.
func (s *Store) RescuePoints() (map[models.SeriesID][]bstore.Addr, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	points := make(map[models.SeriesID][]bstore.Addr)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(rescueBucket).ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return errors.Errorf("meta: rescue entry has malformed id key")
			}
			addrs, err := decodeAddrs(v)
			if err != nil {
				return err
			}
			points[decodeID(k)] = addrs
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

func encodeID(id models.SeriesID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

func decodeID(buf []byte) models.SeriesID {
	return models.SeriesID(binary.BigEndian.Uint64(buf))
}

func encodeAddrs(addrs []bstore.Addr) []byte {
	buf := make([]byte, 8*len(addrs))
	for i, addr := range addrs {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(addr))
	}
	return buf
}

func decodeAddrs(buf []byte) ([]bstore.Addr, error) {
	if len(buf)%8 != 0 {
		return nil, errors.Errorf("meta: rescue entry has malformed address list")
	}
	addrs := make([]bstore.Addr, 0, len(buf)/8)
	for off := 0; off < len(buf); off += 8 {
		addrs = append(addrs, bstore.Addr(binary.BigEndian.Uint64(buf[off:])))
	}
	return addrs, nil
}
