package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/metrics"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/realtime"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/registry"
)

// Sweeper periodically marks stale dynamic agents inactive. The agent
// record stays resolvable by id; a fresh heartbeat reactivates it.
type Sweeper struct {
	monitor   *Monitor
	store     *registry.Store
	threshold time.Duration
	interval  time.Duration
	logger    *slog.Logger
	events    *realtime.Hub // nil when realtime is not wired
	stop      chan struct{}
	running   atomic.Bool
}

// WithEvents attaches a realtime hub for stale notices.
func (s *Sweeper) WithEvents(hub *realtime.Hub) *Sweeper {
	s.events = hub
	return s
}

// NewSweeper creates a staleness sweeper. threshold is the heartbeat
// age past which a dynamic agent is considered unreachable.
func NewSweeper(monitor *Monitor, store *registry.Store, threshold, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		monitor:   monitor,
		store:     store,
		threshold: threshold,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in liveness sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep()
}

// Sweep runs one classification pass and deactivates what it finds.
// Exported so tests and admin tooling can trigger it directly.
func (s *Sweeper) Sweep() {
	stale := s.monitor.FindStale(s.threshold)
	if len(stale) == 0 {
		return
	}

	swept := 0
	for _, id := range stale {
		if err := s.store.SetStatus(id, registry.StatusInactive); err != nil {
			s.logger.Warn("failed to deactivate stale agent", "agent", id, "error", err)
			continue
		}
		s.events.Publish(realtime.EventAgentStale, map[string]interface{}{
			"agentId": id,
		})
		swept++
	}

	metrics.StaleSweepsTotal.Add(float64(swept))
	s.logger.Info("stale agents deactivated", "count", swept, "threshold", s.threshold)
}
