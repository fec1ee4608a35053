package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/treeline-db/treeline/bstore"
	"github.com/treeline-db/treeline/ingest"
	"github.com/treeline-db/treeline/logger"
	"github.com/treeline-db/treeline/meta"
	"github.com/treeline-db/treeline/models"
	"github.com/treeline-db/treeline/stree"
)

// ErrEngineClosed is returned when a caller attempts to use the engine while
// it's closed.
var ErrEngineClosed = errors.New("engine is closed")

// Engine assembles the block store, metadata store, series registry and
// checkpointer behind a single open/close lifecycle.
type Engine struct {
	config   Config
	engineID *int // Not used by default.
	nodeID   *int // Not used by default.

	mu           sync.RWMutex
	closing      chan struct{} // closing is nil when the engine is closed.
	blocks       *bstore.FileStore
	meta         *meta.Store
	registry     *ingest.Registry
	checkpointer *ingest.Checkpointer

	defaultMetricLabels prometheus.Labels

	logger *zap.Logger
}

// Option is a functional option for NewEngine.
type Option func(*Engine)

// WithEngineID sets an engine id, which can be useful for logging when multiple
// engines are in use.
func WithEngineID(id int) Option {
	return func(e *Engine) {
		e.engineID = &id
		e.defaultMetricLabels["engine_id"] = fmt.Sprint(*e.engineID)
	}
}

// WithNodeID sets a node id on the engine, which can be useful for logging
// when a system has engines running on multiple nodes.
func WithNodeID(id int) Option {
	return func(e *Engine) {
		e.nodeID = &id
		e.defaultMetricLabels["node_id"] = fmt.Sprint(*e.nodeID)
	}
}

// NewEngine initialises a new storage engine, including its block store,
// metadata store, series registry and checkpointer.
func NewEngine(c Config, options ...Option) *Engine {
	e := &Engine{
		config:              c,
		defaultMetricLabels: prometheus.Labels{},
		logger:              zap.NewNop(),
	}

	// Initialize block store.
	e.blocks = bstore.NewFileStore(c.BlockStorePath())
	e.blocks.SyncWrites = c.SyncWrites
	if c.MaxBlockSize > 0 {
		e.blocks.MaxBlockSize = uint64(c.MaxBlockSize)
	}

	// Initialize metadata store.
	e.meta = meta.NewStore(c.MetaStorePath())

	// Initialise registry with an append tree factory honoring the
	// configured leaf size.
	leafSize := c.TreeLeafSize
	if leafSize <= 0 {
		leafSize = DefaultTreeLeafSize
	}
	e.registry = ingest.NewRegistry(e.blocks)
	e.registry.OpenTree = func(id models.SeriesID, roots []bstore.Addr) (ingest.Tree, error) {
		tree, err := stree.Open(id, roots, e.blocks)
		if err != nil {
			return nil, err
		}
		tree.LeafSize = leafSize
		return tree, nil
	}

	// Initialise checkpointer.
	e.checkpointer = ingest.NewCheckpointer(e.registry, e.meta)
	if interval := time.Duration(c.CheckpointInterval); interval > 0 {
		e.checkpointer.Interval = interval
	}

	// Apply options.
	for _, option := range options {
		option(e)
	}

	// Set default metrics labels.
	e.registry.SetDefaultMetricLabels(e.defaultMetricLabels)

	return e
}

// WithLogger sets the logger on the engine. It must be called before Open.
func (e *Engine) WithLogger(log *zap.Logger) {
	fields := []zap.Field{}
	if e.nodeID != nil {
		fields = append(fields, zap.Int("node_id", *e.nodeID))
	}

	if e.engineID != nil {
		fields = append(fields, zap.Int("engine_id", *e.engineID))
	}
	fields = append(fields, zap.String("service", "storage-engine"))

	e.logger = log.With(fields...)
	e.blocks.WithLogger(e.logger)
	e.meta.WithLogger(e.logger)
	e.registry.WithLogger(e.logger)
	e.checkpointer.WithLogger(e.logger)
}

// PrometheusCollectors returns all the prometheus collectors associated with
// the engine and its components.
func (e *Engine) PrometheusCollectors() []prometheus.Collector {
	var metrics []prometheus.Collector
	metrics = append(metrics, e.registry.PrometheusCollectors()...)
	return metrics
}

// Open opens the engine and all underlying resources, restores the series
// registry from the metadata store, and starts the checkpointer. It returns
// an error if any of the underlying systems fail to open.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing != nil {
		return nil // Already open
	}

	if err := e.config.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(e.config.Dir, 0777); err != nil {
		return err
	}

	log, end := logger.NewOperation(e.logger, "Opening storage engine", "storage_engine_open", zap.String("path", e.config.Dir))
	defer end()

	// Open the stores in order and clean up if any fail.
	var oh openHelper
	oh.Open(ctx, e.blocks)
	oh.Open(ctx, e.meta)
	if err := oh.Done(); err != nil {
		return err
	}

	if err := e.registry.Restore(e.meta); err != nil {
		e.meta.Close()
		e.blocks.Close()
		return err
	}

	if err := e.checkpointer.Open(ctx); err != nil {
		e.registry.Close()
		e.meta.Close()
		e.blocks.Close()
		return err
	}

	e.closing = make(chan struct{})
	log.Info("Storage engine open", zap.Int("series", e.registry.SeriesN()))

	return nil
}

// Close closes the engine and all underlying resources. Buffered points are
// sealed and carried into the metadata store by the checkpointer's final
// drain before the stores shut down.
func (e *Engine) Close() error {
	e.mu.RLock()
	if e.closing == nil {
		e.mu.RUnlock()
		return nil // Already closed
	}
	close(e.closing)
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closing = nil

	err := e.registry.FlushAll()
	err = multierr.Append(err, e.checkpointer.Close())
	err = multierr.Append(err, e.registry.Close())
	err = multierr.Append(err, e.meta.Close())
	err = multierr.Append(err, e.blocks.Close())
	return err
}

// CreateSession starts a new write session against the engine's registry.
func (e *Engine) CreateSession() (*ingest.Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closing == nil {
		return nil, ErrEngineClosed
	}
	return e.registry.CreateSession()
}

// SeriesCardinality returns the number of series in the engine.
func (e *Engine) SeriesCardinality() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closing == nil {
		return 0
	}
	return int64(e.registry.SeriesN())
}

// Path returns the path of the engine's base directory.
func (e *Engine) Path() string {
	return e.config.Dir
}
