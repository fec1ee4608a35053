package toml_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	btoml "github.com/BurntSushi/toml"

	"github.com/treeline-db/treeline/storage"
	"github.com/treeline-db/treeline/toml"
)

// Ensure that durations can be unmarshaled and marshaled.
func TestDuration_Text(t *testing.T) {
	var d toml.Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatal(err)
	}
	if time.Duration(d) != 90*time.Second {
		t.Fatalf("unexpected duration: %v", d)
	}

	text, err := d.MarshalText()
	if err != nil {
		t.Fatal(err)
	} else if string(text) != "1m30s" {
		t.Fatalf("unexpected text: %s", text)
	}
}

// Ensure that an empty duration is left unchanged.
func TestDuration_UnmarshalText_Empty(t *testing.T) {
	d := toml.Duration(time.Minute)
	if err := d.UnmarshalText(nil); err != nil {
		t.Fatal(err)
	}
	if time.Duration(d) != time.Minute {
		t.Fatalf("unexpected duration: %v", d)
	}
}

// Ensure that megabyte sizes can be parsed.
func TestSize_UnmarshalText_MB(t *testing.T) {
	var s toml.Size
	if err := s.UnmarshalText([]byte("200m")); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if s != 200*(1<<20) {
		t.Fatalf("unexpected size: %d", s)
	}
}

// Ensure that gigabyte sizes can be parsed.
func TestSize_UnmarshalText_GB(t *testing.T) {
	var s toml.Size
	if err := s.UnmarshalText([]byte("1g")); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if s != 1<<30 {
		t.Fatalf("unexpected size: %d", s)
	}
}

func TestSize_UnmarshalText(t *testing.T) {
	var s toml.Size
	for _, test := range []struct {
		str  string
		want uint64
	}{
		{"1", 1},
		{"10", 10},
		{"100", 100},
		{"1k", 1 << 10},
		{"10k", 10 << 10},
		{"100K", 100 << 10},
		{"1M", 1 << 20},
		{"10m", 10 << 20},
		{"100M", 100 << 20},
		{"1G", 1 << 30},
		{"10g", 10 << 30},
		{"100G", 100 << 30},
	} {
		if err := s.UnmarshalText([]byte(test.str)); err != nil {
			t.Fatalf("%q: %s", test.str, err)
		}
		if uint64(s) != test.want {
			t.Fatalf("%q: got %d, want %d", test.str, uint64(s), test.want)
		}
	}
}

func TestSize_UnmarshalText_Invalid(t *testing.T) {
	var s toml.Size
	for _, str := range []string{
		"10000000000000000000g",
		"abcdef",
		"1KB",
		"√m",
		"a1",
		"",
	} {
		if err := s.UnmarshalText([]byte(str)); err == nil {
			t.Fatalf("input should have failed to parse: %q", str)
		}
	}
}

// Ensure the storage configuration can be encoded.
func TestConfig_Encode(t *testing.T) {
	c := storage.NewConfig()
	c.CheckpointInterval = toml.Duration(10 * time.Second)

	var buf bytes.Buffer
	if err := btoml.NewEncoder(&buf).Encode(&c); err != nil {
		t.Fatalf("unexpected encoding error: %v", err)
	}
	if !strings.Contains(buf.String(), `checkpoint-interval = "10s"`) {
		t.Fatalf("encoding config produced invalid result:\n%s", buf.String())
	}
}

// Ensure the storage configuration can be decoded with human readable sizes.
func TestConfig_DecodeSize(t *testing.T) {
	var c storage.Config
	data := fmt.Sprintf("dir = %q\nmax-block-size = \"4m\"\n", "/tmp/treeline")
	if _, err := btoml.Decode(data, &c); err != nil {
		t.Fatalf("unexpected decoding error: %v", err)
	}
	if uint64(c.MaxBlockSize) != 4<<20 {
		t.Fatalf("unexpected max block size: %d", c.MaxBlockSize)
	}
}
