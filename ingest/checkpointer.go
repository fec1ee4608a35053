package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/treeline-db/treeline/logger"
)

// DefaultCheckpointInterval is the default bound on one wait for
// checkpoint work.
const DefaultCheckpointInterval = time.Second

// Checkpointer drains the registry's pending metadata into a sink from a
// background goroutine. It sleeps on the registry's checkpoint signal, so a
// flush or a new series wakes it immediately; the interval only bounds how
// long it sleeps when nothing happens.
type Checkpointer struct {
	registry *Registry
	sink     MetadataSink

	// Interval bounds one wait for checkpoint work and paces retries
	// after a sink failure. Must be set before Open.
	Interval time.Duration

	logger  *zap.Logger
	wg      sync.WaitGroup
	closing chan struct{}
	closed  atomic.Bool
}

// NewCheckpointer returns a stopped checkpointer draining registry into
// sink.
func NewCheckpointer(registry *Registry, sink MetadataSink) *Checkpointer {
	return &Checkpointer{
		registry: registry,
		sink:     sink,
		Interval: DefaultCheckpointInterval,
		logger:   zap.NewNop(),
		closing:  make(chan struct{}),
	}
}

// WithLogger sets the logger on the checkpointer. Must be called before
// Open.
func (c *Checkpointer) WithLogger(log *zap.Logger) {
	c.logger = log.With(zap.String("service", "checkpointer"))
}

// Open starts the background loop.
func (c *Checkpointer) Open(ctx context.Context) error {
	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *Checkpointer) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closing:
			return
		default:
		}

		status, err := c.registry.AwaitCheckpointWork(c.Interval)
		if err != nil {
			if errors.Is(err, ErrRegistryClosed) {
				return
			}
			c.logger.Error("Checkpoint wait failed", zap.Error(err))
			continue
		}
		if status != WaitWorkAvailable {
			continue
		}

		if err := c.registry.Checkpoint(c.sink); err != nil {
			if errors.Is(err, ErrRegistryClosed) {
				return
			}
			c.logger.Error("Checkpoint failed", zap.Error(err))

			// The failed work was requeued and would wake us right
			// back up; pace the retry instead of spinning.
			timer := c.registry.Clock.Timer(c.Interval)
			select {
			case <-c.closing:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		c.logger.Debug("Checkpoint complete")
	}
}

// Close stops the loop and runs one final checkpoint so a clean shutdown
// persists everything still pending. It is safe to call more than once.
func (c *Checkpointer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_, logEnd := logger.NewOperation(c.logger, "Stopping checkpointer", "checkpointer_close")
	defer logEnd()

	close(c.closing)
	c.registry.wakeWaiters()
	c.wg.Wait()

	err := c.registry.Checkpoint(c.sink)
	if errors.Is(err, ErrRegistryClosed) {
		return nil
	}
	return err
}
