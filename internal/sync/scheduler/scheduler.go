// Package scheduler drives the sync worker: a recurring timer runs one tick
// per pairing, and a second loop drains the push queue between ticks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	syncpkg "github.com/eutimioliusbel/pfasync/backend/internal/sync"
	"github.com/eutimioliusbel/pfasync/backend/internal/sync/queue"
)

// PairingSource lists the pairings a tick should process.
type PairingSource func(ctx context.Context) ([]models.Pairing, error)

// StaticPairings returns a PairingSource serving a fixed list.
func StaticPairings(pairings ...models.Pairing) PairingSource {
	return func(context.Context) ([]models.Pairing, error) {
		return pairings, nil
	}
}

// Config holds scheduler configuration.
type Config struct {
	Interval              time.Duration // Time between ticks (default: 15 minutes)
	TickTimeout           time.Duration // Upper bound for one pairing's tick (default: 10 minutes)
	MaxConcurrentPairings int           // Pairings ticked at once (default: 4)
	StaleAfter            time.Duration // Age after which a syncing push is released (default: 10 minutes)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:              15 * time.Minute,
		TickTimeout:           10 * time.Minute,
		MaxConcurrentPairings: 4,
		StaleAfter:            10 * time.Minute,
	}
}

// Scheduler manages background sync operations. Ticks may overlap: a tick
// that outlives the interval keeps running while the next one starts.
// The worker's compare-and-swap state changes make that safe.
type Scheduler struct {
	engine   syncpkg.Engine
	queue    *queue.PushQueue
	pairings PairingSource
	cfg      Config
	logger   *logging.Logger

	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	lastTickTime time.Time
	ticksRunning int
	ticks        int64
	pushes       int64
}

// NewScheduler creates a new Scheduler. A nil config selects the defaults.
func NewScheduler(engine syncpkg.Engine, q *queue.PushQueue, pairings PairingSource, config *Config, logger *logging.Logger) *Scheduler {
	cfg := *DefaultConfig()
	if config != nil {
		if config.Interval > 0 {
			cfg.Interval = config.Interval
		}
		if config.TickTimeout > 0 {
			cfg.TickTimeout = config.TickTimeout
		}
		if config.MaxConcurrentPairings > 0 {
			cfg.MaxConcurrentPairings = config.MaxConcurrentPairings
		}
		if config.StaleAfter > 0 {
			cfg.StaleAfter = config.StaleAfter
		}
	}
	if logger == nil {
		logger = logging.Get()
	}

	return &Scheduler{
		engine:   engine,
		queue:    q,
		pairings: pairings,
		cfg:      cfg,
		logger:   logger.With(map[string]interface{}{"component": "scheduler"}),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the timer loop and the queue loop. Pushes orphaned by a
// previous process are released first.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.recoverStale(ctx)

	s.wg.Add(2)
	go s.periodicLoop(ctx)
	go s.queueLoop(ctx)

	s.logger.Info("Sync scheduler started", map[string]interface{}{
		"interval":                s.cfg.Interval.String(),
		"max_concurrent_pairings": s.cfg.MaxConcurrentPairings,
	})
}

// Stop stops the scheduler and waits for in-flight ticks and pushes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	close(s.stopCh)
	cancel()
	s.wg.Wait()

	s.logger.Info("Sync scheduler stopped")
}

func (s *Scheduler) periodicLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			running := s.ticksRunning
			s.mu.RUnlock()
			if running > 0 {
				s.logger.Debug("Previous tick still running, starting another", map[string]interface{}{"running": running})
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.recoverStale(ctx)
				s.RunTick(ctx)
			}()
		}
	}
}

func (s *Scheduler) queueLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		item := s.queue.DequeueBlocking(ctx)
		if item == nil {
			return
		}
		s.push(ctx, item)
	}
}

func (s *Scheduler) push(ctx context.Context, item *queue.Item) {
	defer s.queue.Complete(item.ModificationID)

	result, err := s.engine.Push(ctx, item.ModificationID)
	if errors.Is(err, errors.ErrInvalidTransition) {
		s.logger.Debug("Queued push already handled", map[string]interface{}{
			"modification_id": item.ModificationID.String(),
		})
		return
	}
	if err != nil {
		s.logger.ErrorWithCode("Queued push failed", string(errors.CodeOf(err)), err, map[string]interface{}{
			"modification_id": item.ModificationID.String(),
			"attempts":        item.Attempts,
		})
		return
	}

	s.mu.Lock()
	s.pushes++
	s.mu.Unlock()
	s.logger.Debug("Queued push finished", map[string]interface{}{
		"modification_id": item.ModificationID.String(),
		"outcome":         string(result.Outcome),
	})
}

func (s *Scheduler) recoverStale(ctx context.Context) {
	if _, err := s.engine.RecoverStale(ctx, s.cfg.StaleAfter); err != nil {
		s.logger.Error("Failed to recover stale pushes", err)
	}
}

// RunTick ticks every pairing once, at most MaxConcurrentPairings at a
// time, and waits for all of them. Failures are logged per pairing and do
// not stop the others.
func (s *Scheduler) RunTick(ctx context.Context) []*syncpkg.TickResult {
	pairings, err := s.pairings(ctx)
	if err != nil {
		s.logger.Error("Failed to list pairings", err)
		return nil
	}

	s.mu.Lock()
	s.ticksRunning++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ticksRunning--
		s.ticks++
		s.lastTickTime = time.Now()
		s.mu.Unlock()
	}()

	results := make([]*syncpkg.TickResult, len(pairings))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentPairings)
	for i, p := range pairings {
		g.Go(func() error {
			results[i] = s.tickPairing(ctx, p)
			return nil
		})
	}
	g.Wait()
	return results
}

// TriggerPairing runs one tick of a pairing now and waits for it.
func (s *Scheduler) TriggerPairing(ctx context.Context, p models.Pairing) *syncpkg.TickResult {
	return s.tickPairing(ctx, p)
}

func (s *Scheduler) tickPairing(ctx context.Context, p models.Pairing) *syncpkg.TickResult {
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	result, err := s.engine.Tick(tickCtx, p)
	fields := map[string]interface{}{"pairing": p.String()}
	if result != nil {
		fields["pushes"] = len(result.Pushes)
		fields["conflicts"] = result.Conflicts()
		fields["skipped"] = result.Skipped
		if result.Pull != nil {
			fields["fetched"] = result.Pull.Fetched
			fields["updated"] = result.Pull.Updated
		}
	}
	if err != nil {
		s.logger.ErrorWithCode("Tick finished with errors", string(errors.CodeOf(err)), err, fields)
	} else {
		s.logger.Info("Tick completed", fields)
	}
	return result
}

// Status reports the scheduler's state.
type Status struct {
	IsRunning    bool
	LastTickTime *time.Time
	TicksRunning int
	Ticks        int64
	QueuedPushes int64
	QueueStats   map[string]int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:    s.isRunning,
		TicksRunning: s.ticksRunning,
		Ticks:        s.ticks,
		QueuedPushes: s.pushes,
		QueueStats:   s.queue.Stats(),
	}
	if !s.lastTickTime.IsZero() {
		last := s.lastTickTime
		status.LastTickTime = &last
	}
	return status
}

// Queued lists the pushes waiting in the queue for one organization.
func (s *Scheduler) Queued(organizationID string) []*queue.Item {
	return s.queue.List(organizationID)
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
