package stree

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/treeline-db/treeline/models"
)

// Sealed leaves are encoded as:
//
//	series id    uint64, big endian
//	point count  uint32, big endian
//	first ts     int64, big endian
//	ts deltas    count-1 unsigned varints
//	values       count float64 bit patterns, big endian
//
// Timestamps inside a leaf are strictly increasing, so every delta is a
// positive varint.
const leafHeaderSize = 8 + 4 + 8

// ErrCorruptLeaf is returned when a leaf block fails structural validation.
var ErrCorruptLeaf = errors.New("stree: corrupt leaf block")

func encodeLeaf(id models.SeriesID, timestamps []int64, values []float64) []byte {
	n := len(timestamps)
	buf := make([]byte, leafHeaderSize, leafHeaderSize+(n-1)*binary.MaxVarintLen64+n*8)
	binary.BigEndian.PutUint64(buf[0:8], uint64(id))
	binary.BigEndian.PutUint32(buf[8:12], uint32(n))
	binary.BigEndian.PutUint64(buf[12:20], uint64(timestamps[0]))

	var varint [binary.MaxVarintLen64]byte
	for i := 1; i < n; i++ {
		w := binary.PutUvarint(varint[:], uint64(timestamps[i]-timestamps[i-1]))
		buf = append(buf, varint[:w]...)
	}
	var value [8]byte
	for _, v := range values {
		binary.BigEndian.PutUint64(value[:], math.Float64bits(v))
		buf = append(buf, value[:]...)
	}
	return buf
}

func decodeLeaf(data []byte) (models.SeriesID, []int64, []float64, error) {
	if len(data) < leafHeaderSize {
		return 0, nil, nil, errors.Wrap(ErrCorruptLeaf, "short header")
	}
	id := models.SeriesID(binary.BigEndian.Uint64(data[0:8]))
	n := int(binary.BigEndian.Uint32(data[8:12]))
	if n == 0 {
		return 0, nil, nil, errors.Wrap(ErrCorruptLeaf, "empty leaf")
	}

	timestamps := make([]int64, 0, n)
	timestamps = append(timestamps, int64(binary.BigEndian.Uint64(data[12:20])))
	rest := data[leafHeaderSize:]
	for i := 1; i < n; i++ {
		delta, w := binary.Uvarint(rest)
		if w <= 0 {
			return 0, nil, nil, errors.Wrap(ErrCorruptLeaf, "bad timestamp delta")
		}
		next := timestamps[i-1] + int64(delta)
		if next <= timestamps[i-1] {
			return 0, nil, nil, errors.Wrap(ErrCorruptLeaf, "timestamps not increasing")
		}
		timestamps = append(timestamps, next)
		rest = rest[w:]
	}
	if len(rest) != n*8 {
		return 0, nil, nil, errors.Wrapf(ErrCorruptLeaf, "value section is %d bytes, want %d", len(rest), n*8)
	}

	values := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		values = append(values, math.Float64frombits(binary.BigEndian.Uint64(rest[i*8:])))
	}
	return id, timestamps, values, nil
}
