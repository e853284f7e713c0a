// Package supervisor runs a fixed pool of worker processes that share one
// listening socket. It restarts crashed workers under a restart policy,
// replaces every worker on reload, and drains them on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/authlook/internal/metrics"
)

const (
	defaultMaxRestarts    = 5
	defaultRestartWindow  = time.Minute
	defaultCooldown       = 30 * time.Second
	defaultGracePeriod    = 10 * time.Second
	defaultRestartBackoff = 100 * time.Millisecond
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRestartPolicy replaces the default crash restart policy.
func WithRestartPolicy(policy *RestartPolicy) Option {
	return func(s *Supervisor) {
		s.policy = policy
	}
}

// WithGracePeriod bounds how long a worker may drain before it is killed.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithMetrics records worker lifecycle events.
func WithMetrics(m *metrics.Supervisor) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) {
		s.clock = clock
	}
}

// WithRestartBackoff sets the pause before a crashed worker is respawned.
func WithRestartBackoff(d time.Duration) Option {
	return func(s *Supervisor) {
		s.backoff = d
	}
}

// Supervisor owns the worker pool. Run drives it; Reload may be called from
// any goroutine.
type Supervisor struct {
	workers int
	spawner Spawner
	logger  *zap.Logger
	policy  *RestartPolicy
	metrics *metrics.Supervisor
	grace   time.Duration
	backoff time.Duration
	clock   func() time.Time

	slots   []*slot
	exits   chan exitEvent
	respawn chan int
	reload  chan struct{}
	quit    chan struct{}
}

type slot struct {
	id         int
	generation int
	proc       Process
	done       chan struct{}
}

type exitEvent struct {
	slot       int
	generation int
	err        error
}

// New builds a supervisor for workers processes started by spawner.
func New(workers int, spawner Spawner, logger *zap.Logger, opts ...Option) (*Supervisor, error) {
	if workers < 1 {
		return nil, fmt.Errorf("workers must be >= 1, got %d", workers)
	}
	if spawner == nil {
		return nil, fmt.Errorf("spawner required")
	}

	s := &Supervisor{
		workers: workers,
		spawner: spawner,
		logger:  logger,
		policy:  NewRestartPolicy(defaultMaxRestarts, defaultRestartWindow, defaultCooldown),
		grace:   defaultGracePeriod,
		backoff: defaultRestartBackoff,
		clock:   time.Now,
		exits:   make(chan exitEvent, workers),
		respawn: make(chan int, workers),
		reload:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.slots = make([]*slot, workers)
	for i := range s.slots {
		s.slots[i] = &slot{id: i + 1}
	}
	return s, nil
}

// Reload asks Run to replace every worker. Requests arriving while a reload
// is pending are coalesced.
func (s *Supervisor) Reload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// Run starts the pool and blocks until ctx is cancelled, then stops every
// worker. It fails only if the initial pool cannot be started.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.quit)
	s.logger.Info("starting workers", zap.Int("workers", s.workers))

	for _, sl := range s.slots {
		if err := s.start(sl); err != nil {
			s.stopAll()
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping workers")
			s.stopAll()
			return nil

		case ev := <-s.exits:
			s.handleExit(ev)

		case id := <-s.respawn:
			sl := s.slots[id-1]
			if sl.proc != nil {
				continue
			}
			if err := s.start(sl); err != nil {
				s.logger.Error("worker respawn failed", zap.Int("worker", id), zap.Error(err))
				s.scheduleRespawn(id, s.policy.CooldownDuration)
			}

		case <-s.reload:
			s.logger.Info("reloading workers")
			s.metrics.Reloaded()
			for _, sl := range s.slots {
				s.stop(sl)
				s.policy.Reset(sl.id)
				if err := s.start(sl); err != nil {
					s.logger.Error("worker restart failed", zap.Int("worker", sl.id), zap.Error(err))
					s.scheduleRespawn(sl.id, s.policy.CooldownDuration)
					continue
				}
				s.metrics.Restarted("reload")
			}
		}
	}
}

func (s *Supervisor) start(sl *slot) error {
	proc, err := s.spawner.Spawn(sl.id)
	if err != nil {
		return err
	}

	sl.generation++
	sl.proc = proc
	sl.done = make(chan struct{})
	s.metrics.WorkerStarted()
	s.logger.Info("worker started", zap.Int("worker", sl.id), zap.Int("pid", proc.Pid()))

	go func(id, generation int, proc Process, done chan struct{}) {
		err := proc.Wait()
		close(done)
		select {
		case s.exits <- exitEvent{slot: id, generation: generation, err: err}:
		case <-s.quit:
		}
	}(sl.id, sl.generation, proc, sl.done)

	return nil
}

// handleExit reacts to a worker that exited on its own. Exits of workers the
// supervisor stopped itself carry a stale generation and are ignored.
func (s *Supervisor) handleExit(ev exitEvent) {
	sl := s.slots[ev.slot-1]
	if ev.generation != sl.generation || sl.proc == nil {
		return
	}

	pid := sl.proc.Pid()
	sl.proc = nil
	s.metrics.WorkerExited()

	now := s.clock()
	s.logger.Warn("worker exited", zap.Int("worker", sl.id), zap.Int("pid", pid), zap.Error(ev.err))

	if !s.policy.ShouldRestart(sl.id, now) {
		s.policy.EnterCooldown(sl.id, now)
		s.logger.Error("worker restart storm, cooling down",
			zap.Int("worker", sl.id),
			zap.Duration("cooldown", s.policy.CooldownDuration),
		)
		s.scheduleRespawn(sl.id, s.policy.CooldownDuration)
		return
	}

	count := s.policy.RecordRestart(sl.id, now)
	s.metrics.Restarted("crash")
	s.logger.Info("restarting worker", zap.Int("worker", sl.id), zap.Int("restarts_in_window", count))
	s.scheduleRespawn(sl.id, s.backoff)
}

func (s *Supervisor) scheduleRespawn(id int, after time.Duration) {
	send := func() {
		select {
		case s.respawn <- id:
		case <-s.quit:
		}
	}
	if after <= 0 {
		go send()
		return
	}
	time.AfterFunc(after, send)
}

// stop terminates one worker: SIGTERM to its group, then SIGKILL once the
// grace period is over.
func (s *Supervisor) stop(sl *slot) {
	if sl.proc == nil {
		return
	}
	proc, done := sl.proc, sl.done
	sl.proc = nil
	sl.generation++

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("signal worker failed", zap.Int("worker", sl.id), zap.Error(err))
	}

	select {
	case <-done:
	case <-time.After(s.grace):
		s.logger.Warn("worker did not exit in time, killing", zap.Int("worker", sl.id), zap.Int("pid", proc.Pid()))
		_ = proc.Kill()
		<-done
	}
	s.metrics.WorkerExited()
	s.logger.Info("worker stopped", zap.Int("worker", sl.id))
}

// stopAll signals every worker first so they drain in parallel, then waits.
func (s *Supervisor) stopAll() {
	type pending struct {
		sl   *slot
		proc Process
		done chan struct{}
	}
	var running []pending
	for _, sl := range s.slots {
		if sl.proc == nil {
			continue
		}
		running = append(running, pending{sl: sl, proc: sl.proc, done: sl.done})
		sl.proc = nil
		sl.generation++
	}

	for _, p := range running {
		if err := p.proc.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("signal worker failed", zap.Int("worker", p.sl.id), zap.Error(err))
		}
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	expired := false
	for _, p := range running {
		if !expired {
			select {
			case <-p.done:
				s.metrics.WorkerExited()
				continue
			case <-timer.C:
				expired = true
			}
		}

		select {
		case <-p.done:
		default:
			s.logger.Warn("worker did not exit in time, killing", zap.Int("worker", p.sl.id), zap.Int("pid", p.proc.Pid()))
			_ = p.proc.Kill()
			<-p.done
		}
		s.metrics.WorkerExited()
	}
}
