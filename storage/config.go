package storage

import (
	"errors"
	"path/filepath"

	"github.com/treeline-db/treeline/bstore"
	"github.com/treeline-db/treeline/ingest"
	"github.com/treeline-db/treeline/stree"
	"github.com/treeline-db/treeline/toml"
)

const (
	// DefaultCheckpointInterval is the frequency at which pending series
	// names and rescue points are persisted to the metadata store.
	DefaultCheckpointInterval = ingest.DefaultCheckpointInterval

	// DefaultTreeLeafSize is the number of points a series buffers before
	// sealing a leaf block.
	DefaultTreeLeafSize = stree.DefaultLeafSize

	// DefaultMaxBlockSize is the largest sealed block the block store will
	// accept.
	DefaultMaxBlockSize = bstore.DefaultMaxBlockSize
)

// Config holds the configuration for an Engine.
type Config struct {
	Dir                string        `toml:"dir"`
	CheckpointInterval toml.Duration `toml:"checkpoint-interval"`
	TreeLeafSize       int           `toml:"tree-leaf-size"`
	MaxBlockSize       toml.Size     `toml:"max-block-size"`
	SyncWrites         bool          `toml:"sync-writes"`
}

// NewConfig initialises a new config for an Engine.
func NewConfig() Config {
	return Config{
		CheckpointInterval: toml.Duration(DefaultCheckpointInterval),
		TreeLeafSize:       DefaultTreeLeafSize,
		MaxBlockSize:       toml.Size(DefaultMaxBlockSize),
	}
}

// Validate checks for a usable configuration.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("Storage.Dir must be specified")
	}
	if c.CheckpointInterval <= 0 {
		return errors.New("Storage.CheckpointInterval must be positive")
	}
	if c.TreeLeafSize <= 0 {
		return errors.New("Storage.TreeLeafSize must be positive")
	}
	if c.MaxBlockSize == 0 {
		return errors.New("Storage.MaxBlockSize must be positive")
	}
	return nil
}

// BlockStorePath returns the location of the sealed block file.
func (c Config) BlockStorePath() string {
	return filepath.Join(c.Dir, "treeline.blocks")
}

// MetaStorePath returns the location of the metadata store.
func (c Config) MetaStorePath() string {
	return filepath.Join(c.Dir, "treeline.bolt")
}
