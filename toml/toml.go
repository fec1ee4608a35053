// Package toml adds support to marshal and unmarshal types not in the
// official TOML spec.
package toml

import (
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode"
)

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	// Ignore if there is no value set.
	if len(text) == 0 {
		return nil
	}

	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText converts a duration to a string for encoding toml.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// Size represents a TOML parseable file size.
// Users can specify size using "k" or "K" for kibibytes, "m" or "M" for
// mebibytes, and "g" or "G" for gibibytes. If a size suffix isn't specified
// then bytes are assumed.
type Size uint64

// UnmarshalText parses a byte size from text.
func (s *Size) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return fmt.Errorf("size was empty")
	}

	// The multiplier defaults to 1 in case the size has
	// no suffix (and is then just raw bytes).
	mult := uint64(1)

	lastByte := text[len(text)-1]
	if !unicode.IsDigit(rune(lastByte)) {
		switch unicode.ToLower(rune(lastByte)) {
		case 'k':
			mult = 1 << 10 // KiB
		case 'm':
			mult = 1 << 20 // MiB
		case 'g':
			mult = 1 << 30 // GiB
		default:
			return fmt.Errorf("unknown size suffix: %c (expected k, m, or g)", lastByte)
		}
		text = text[:len(text)-1]
	}

	val, err := strconv.ParseUint(string(text), 10, 64)
	if err != nil {
		return fmt.Errorf("size %q cannot be interpreted as an integer: %v", string(text), err)
	}
	if val > math.MaxUint64/mult {
		return fmt.Errorf("size %q cannot be represented by a uint64", string(text))
	}

	*s = Size(val * mult)
	return nil
}

// MarshalText converts a size to a string for encoding toml.
func (s Size) MarshalText() (text []byte, err error) {
	return []byte(strconv.FormatUint(uint64(s), 10)), nil
}
