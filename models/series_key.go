package models

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// MaxSeriesKeySize is the largest canonical series key, in bytes, that the
// catalog will accept.
const MaxSeriesKeySize = 65535

var (
	// ErrInvalidSeriesKey is returned when a series key cannot be reduced
	// to canonical form.
	ErrInvalidSeriesKey = errors.New("invalid series key")

	// ErrSeriesKeyTooLarge is returned when a series key exceeds
	// MaxSeriesKeySize.
	ErrSeriesKeyTooLarge = errors.New("series key too large")
)

type tag struct {
	key   []byte
	value []byte
}

// NormalizeSeriesKey reduces key to its canonical form: the metric name
// first, then tags sorted by key, elements joined by commas with surrounding
// whitespace removed. Two spellings of the same series normalize to the same
// bytes, so the catalog interns exactly one identity per series.
//
// The metric name is the optional first element carrying no '='. Every other
// element must be a key=value pair with a non-empty key and value. Duplicate
// tag keys keep the last value.
func NormalizeSeriesKey(key []byte) ([]byte, error) {
	if len(key) > MaxSeriesKeySize {
		return nil, ErrSeriesKeyTooLarge
	}

	var (
		metric []byte
		tags   []tag
	)
	for i, elem := range bytes.Split(key, []byte{','}) {
		elem = trimSpace(elem)
		if len(elem) == 0 {
			return nil, fmt.Errorf("%w: empty element", ErrInvalidSeriesKey)
		}
		eq := bytes.IndexByte(elem, '=')
		if eq < 0 {
			if i != 0 {
				return nil, fmt.Errorf("%w: tag %q missing '='", ErrInvalidSeriesKey, elem)
			}
			metric = elem
			continue
		}
		k, v := trimSpace(elem[:eq]), trimSpace(elem[eq+1:])
		if len(k) == 0 {
			return nil, fmt.Errorf("%w: empty tag key in %q", ErrInvalidSeriesKey, elem)
		}
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty tag value for %q", ErrInvalidSeriesKey, k)
		}
		tags = append(tags, tag{key: k, value: v})
	}

	// Equal keys keep input order, so the last occurrence of a duplicate
	// ends each run.
	sort.SliceStable(tags, func(i, j int) bool {
		return bytes.Compare(tags[i].key, tags[j].key) < 0
	})

	var buf bytes.Buffer
	buf.Grow(len(key))
	if metric != nil {
		buf.Write(metric)
	}
	for i, t := range tags {
		if i+1 < len(tags) && bytes.Equal(t.key, tags[i+1].key) {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte(',')
		}
		buf.Write(t.key)
		buf.WriteByte('=')
		buf.Write(t.value)
	}
	return buf.Bytes(), nil
}

// trimSpace removes leading and trailing ASCII spaces and tabs.
func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}
