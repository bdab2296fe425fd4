// Package refresh schedules principal rebuilds: it coalesces bursts of refresh requests,
// keeps at most one rebuild per principal in flight and retries failures with bounded backoff.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/principalanalytics/internal/domain"
)

// ErrClosed is returned to manual refresh callers once the scheduler shut down.
var ErrClosed = errors.New("refresh scheduler closed")

// Rebuilder builds and commits one principal.
type Rebuilder interface {
	Rebuild(ctx context.Context, principalID string) error
}

// Options tune scheduling behaviour.
type Options struct {
	CoalesceDelay       time.Duration
	MaxAttempts         int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	BuildTimeout        time.Duration
	MaxConcurrentBuilds int
	// LeaseWait bounds how long one attempt polls a lease held by another process.
	// Held-lease polls do not count against MaxAttempts.
	LeaseWait           time.Duration
}

const maxCoalesceDelay = 2 * time.Second

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		CoalesceDelay:       500 * time.Millisecond,
		MaxAttempts:         4,
		BaseBackoff:         200 * time.Millisecond,
		MaxBackoff:          10 * time.Second,
		BuildTimeout:        30 * time.Second,
		MaxConcurrentBuilds: 8,
		LeaseWait:           45 * time.Second,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.CoalesceDelay < 0 {
		o.CoalesceDelay = 0
	}
	if o.CoalesceDelay > maxCoalesceDelay {
		o.CoalesceDelay = maxCoalesceDelay
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.MaxAttempts > 5 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = def.BaseBackoff
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = o.BaseBackoff
	}
	if o.BuildTimeout <= 0 {
		o.BuildTimeout = def.BuildTimeout
	}
	if o.MaxConcurrentBuilds <= 0 {
		o.MaxConcurrentBuilds = def.MaxConcurrentBuilds
	}
	if o.LeaseWait <= 0 {
		o.LeaseWait = def.LeaseWait
	}
	return o
}

// principalState is the in-flight bookkeeping for one principal. A principal with no
// timer, no running build and no waiters has no entry.
type principalState struct {
	timer   *time.Timer
	running bool
	dirty   bool
	waiters []chan error
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Waiting int `json:"waiting"`
}

// Scheduler owns the in-flight and pending rebuild state for every principal in this process.
type Scheduler struct {
	rebuilder Rebuilder
	lease     Lease
	opts      Options
	logger    *log.Logger
	fatal     func(error)
	sleep     func(context.Context, time.Duration) error

	sem chan struct{}

	mu     sync.Mutex
	states map[string]*principalState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures optional behaviour for the Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the scheduler logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithLease adds cross-process exclusion around each build.
func WithLease(lease Lease) Option {
	return func(s *Scheduler) {
		if lease != nil {
			s.lease = lease
		}
	}
}

// WithFatalHandler receives errors the process cannot recover from.
func WithFatalHandler(fn func(error)) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.fatal = fn
		}
	}
}

// NewScheduler constructs a Scheduler. Call Close to stop it.
func NewScheduler(rebuilder Rebuilder, opts Options, options ...Option) *Scheduler {
	opts = opts.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		rebuilder: rebuilder,
		lease:     NoopLease{},
		opts:      opts,
		logger:    log.New(log.Writer(), "[scheduler] ", log.LstdFlags|log.Lshortfile),
		sleep:     sleepContext,
		sem:       make(chan struct{}, opts.MaxConcurrentBuilds),
		states:    make(map[string]*principalState),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.fatal = func(err error) { s.logger.Fatalf("fatal: %v", err) }
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Request schedules a coalesced rebuild of principalID. It never blocks.
// A request that finds a rebuild pending is merged into it; one that finds a rebuild running
// marks the principal dirty so exactly one follow-up build runs after it.
func (s *Scheduler) Request(principalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	requestsTotal.WithLabelValues("signal").Inc()

	st := s.state(principalID)
	switch {
	case st.running:
		st.dirty = true
		mergedTotal.Inc()
	case st.timer != nil:
		mergedTotal.Inc()
	default:
		s.arm(principalID, st)
	}
}

// RefreshNow runs a rebuild of principalID without the coalescing delay and waits for it.
// The build it waits for always starts after the call, so its result reflects source state
// at or after the request time.
func (s *Scheduler) RefreshNow(ctx context.Context, principalID string) error {
	done := make(chan error, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	requestsTotal.WithLabelValues("manual").Inc()
	st := s.state(principalID)
	st.waiters = append(st.waiters, done)
	if !st.running {
		s.disarm(st)
		s.start(principalID, st)
	}
	s.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports pending, running and waiting counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	for _, st := range s.states {
		if st.timer != nil {
			stats.Pending++
		}
		if st.running {
			stats.Running++
		}
		stats.Waiting += len(st.waiters)
	}
	return stats
}

// Close stops pending timers, cancels backoff waits and waits for running builds to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, st := range s.states {
		s.disarm(st)
		if !st.running {
			delete(s.states, id)
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) state(principalID string) *principalState {
	st, ok := s.states[principalID]
	if !ok {
		st = &principalState{}
		s.states[principalID] = st
	}
	return st
}

// arm starts the coalescing timer. Caller holds s.mu.
func (s *Scheduler) arm(principalID string, st *principalState) {
	st.timer = time.AfterFunc(s.opts.CoalesceDelay, func() { s.fire(principalID, st) })
	pendingGauge.Inc()
}

// disarm stops a pending coalescing timer. Caller holds s.mu.
func (s *Scheduler) disarm(st *principalState) {
	if st.timer == nil {
		return
	}
	st.timer.Stop()
	st.timer = nil
	pendingGauge.Dec()
}

func (s *Scheduler) fire(principalID string, st *principalState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.timer == nil {
		// Stopped and superseded by a manual refresh or Close.
		return
	}
	st.timer = nil
	pendingGauge.Dec()
	if s.closed {
		return
	}
	if st.running {
		st.dirty = true
		return
	}
	s.start(principalID, st)
}

// start launches the run loop. Caller holds s.mu and has checked st is not running.
func (s *Scheduler) start(principalID string, st *principalState) {
	st.running = true
	runningGauge.Inc()
	s.wg.Add(1)
	go s.run(principalID, st)
}

// run executes builds for one principal until no further work was requested while it ran.
func (s *Scheduler) run(principalID string, st *principalState) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		waiters := st.waiters
		st.waiters = nil
		st.dirty = false
		s.mu.Unlock()

		err := s.execute(principalID)
		for _, w := range waiters {
			w <- err
		}

		s.mu.Lock()
		if errors.Is(err, ErrLeaseHeld) && !s.closed {
			// The other process's build may predate the change that triggered this one.
			st.dirty = true
		}
		if len(st.waiters) > 0 && !s.closed {
			s.mu.Unlock()
			continue
		}
		st.running = false
		runningGauge.Dec()
		if s.closed {
			for _, w := range st.waiters {
				w <- ErrClosed
			}
			st.waiters = nil
		} else if st.dirty {
			st.dirty = false
			s.arm(principalID, st)
		}
		if st.timer == nil && !st.running && len(st.waiters) == 0 {
			delete(s.states, principalID)
		}
		s.mu.Unlock()
		return
	}
}

// execute runs one logical rebuild with retries. Concurrency slots are released between attempts
// so a principal in backoff never holds up the others.
func (s *Scheduler) execute(principalID string) error {
	var err error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		err = s.attemptWithLease(principalID)
		if errors.Is(err, ErrLeaseHeld) {
			buildsTotal.WithLabelValues("lease_held").Inc()
			s.logger.Printf("principal %s lease still held after %s; deferring", principalID, s.opts.LeaseWait)
			return err
		}
		if err == nil {
			if attempt > 1 {
				s.logger.Printf("principal %s rebuilt after %d attempts", principalID, attempt)
			}
			return nil
		}
		if errors.Is(err, domain.ErrSnapshotStoreCorrupted) {
			buildsTotal.WithLabelValues("fatal").Inc()
			s.fatal(fmt.Errorf("principal %s: %w", principalID, err))
			return err
		}
		if s.ctx.Err() != nil {
			return err
		}
		if !domain.IsRetryable(err) {
			buildsTotal.WithLabelValues("failed").Inc()
			s.logger.Printf("principal %s rebuild failed permanently: %v", principalID, err)
			return err
		}
		if attempt == s.opts.MaxAttempts {
			break
		}

		delay := s.backoff(attempt)
		retriesTotal.Inc()
		s.logger.Printf("principal %s rebuild attempt %d/%d failed: %v; retrying in %s", principalID, attempt, s.opts.MaxAttempts, err, delay)
		if serr := s.sleep(s.ctx, delay); serr != nil {
			return err
		}
	}
	buildsTotal.WithLabelValues("exhausted").Inc()
	s.logger.Printf("principal %s rebuild gave up after %d attempts: %v", principalID, s.opts.MaxAttempts, err)
	return err
}

// attemptWithLease repeats attempt while another process holds the principal's lease,
// polling every BaseBackoff for at most LeaseWait.
func (s *Scheduler) attemptWithLease(principalID string) error {
	polls := int(s.opts.LeaseWait / s.opts.BaseBackoff)
	for poll := 0; ; poll++ {
		err := s.attempt(principalID)
		if !errors.Is(err, ErrLeaseHeld) || poll >= polls {
			return err
		}
		leaseWaitsTotal.Inc()
		if serr := s.sleep(s.ctx, s.opts.BaseBackoff); serr != nil {
			return err
		}
	}
}

func (s *Scheduler) attempt(principalID string) error {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx.Done():
		return ErrClosed
	}
	defer func() { <-s.sem }()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.BuildTimeout)
	defer cancel()

	release, err := s.lease.Acquire(ctx, principalID)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Printf("principal %s lease release: %v", principalID, rerr)
		}
	}()

	start := time.Now()
	err = s.rebuilder.Rebuild(ctx, principalID)
	buildSeconds.Observe(time.Since(start).Seconds())
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrBuildTimeout) {
		err = fmt.Errorf("%w: %v", domain.ErrBuildTimeout, err)
	}
	if err == nil {
		buildsTotal.WithLabelValues("succeeded").Inc()
	}
	return err
}

// backoff returns base * 2^(attempt-1), capped at MaxBackoff.
func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := s.opts.BaseBackoff * time.Duration(1<<(attempt-1))
	if delay <= 0 || delay > s.opts.MaxBackoff {
		delay = s.opts.MaxBackoff
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
