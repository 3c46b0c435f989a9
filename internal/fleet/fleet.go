// Package fleet creates the simulated user population over time, decides
// when the run is over and tears every session down before reporting.
package fleet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/torosent/sseswarm/internal/metrics"
	"github.com/torosent/sseswarm/internal/session"
)

// Config controls population size and run timing.
type Config struct {
	Users         int
	Stagger       time.Duration
	Observe       time.Duration
	CreationPoll  time.Duration
	InflightGrace time.Duration
	UniqueIDs     bool
	Seed          int64
	Timing        session.Timing
}

// Reason says why a run stopped.
type Reason string

const (
	ReasonObserved    Reason = "observation window elapsed"
	ReasonInterrupted Reason = "interrupted"
)

// Result is the outcome of a run.
type Result struct {
	RunID     string
	StartedAt time.Time
	Elapsed   time.Duration
	Reason    Reason
	// Drained is false when writes were still in flight at the grace deadline.
	Drained  bool
	Snapshot metrics.Snapshot
	Stats    metrics.Stats
}

// Controller drives one run.
type Controller struct {
	cfg     Config
	deps    session.Deps
	log     *zap.Logger
	ids     *IDGenerator
	limiter *rate.Limiter
	runID   ulid.ULID

	// OnShutdown, if set, runs after every session was told to terminate and
	// before in-flight writes are drained.
	OnShutdown func()

	mu       sync.Mutex
	sessions []*session.Session

	created    atomic.Int64
	latched    atomic.Bool
	allCreated chan struct{}
}

// New prepares a Controller. deps.Jitter is replaced by the fleet's seeded source.
func New(cfg Config, deps session.Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.CreationPoll <= 0 {
		cfg.CreationPoll = 5 * time.Second
	}
	ids := NewIDGenerator(cfg.Seed, cfg.UniqueIDs)
	deps.Jitter = ids.Jitter

	limit := rate.Inf
	if cfg.Stagger > 0 {
		limit = rate.Every(cfg.Stagger)
	}

	runID := ulid.Make()
	return &Controller{
		cfg:        cfg,
		deps:       deps,
		log:        deps.Logger.With(zap.String("run_id", runID.String())),
		ids:        ids,
		limiter:    rate.NewLimiter(limit, 1),
		runID:      runID,
		allCreated: make(chan struct{}),
	}
}

// RunID identifies this run in summaries and history.
func (c *Controller) RunID() string { return c.runID.String() }

// Created returns how many sessions have been created so far.
func (c *Controller) Created() int { return int(c.created.Load()) }

// Target returns the configured population size.
func (c *Controller) Target() int { return c.cfg.Users }

// Connected counts sessions currently holding an open stream.
func (c *Controller) Connected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sessions {
		if s.State() == session.StateConnected {
			n++
		}
	}
	return n
}

// AllCreated is closed once every session has been created.
func (c *Controller) AllCreated() <-chan struct{} { return c.allCreated }

// Run creates the population, waits for the observation window to elapse
// after the last creation (or for ctx to end), then shuts everything down.
func (c *Controller) Run(ctx context.Context) Result {
	c.deps.Metrics.Start()
	started := time.Now()
	c.log.Info("Starting load test", zap.Int("users", c.cfg.Users))

	createCtx, stopCreating := context.WithCancel(ctx)
	defer stopCreating()

	// Sessions outlive the caller's context; shutdown terminates them explicitly.
	sessCtx := context.WithoutCancel(ctx)

	var creators sync.WaitGroup
	creators.Add(2)
	go func() {
		defer creators.Done()
		c.create(createCtx, sessCtx)
	}()
	go func() {
		defer creators.Done()
		c.pollCreated(createCtx)
	}()

	reason := c.await(ctx)
	stopCreating()
	creators.Wait()

	drained := c.shutdown()
	c.deps.Metrics.Seal()

	elapsed := time.Since(started)
	snap := c.deps.Metrics.Snapshot()
	stats := snap.Stats(elapsed)
	stats.RunID = c.RunID()

	c.log.Info("Load test finished",
		zap.String("reason", string(reason)),
		zap.Duration("elapsed", elapsed),
		zap.Bool("drained", drained),
	)
	return Result{
		RunID:     c.RunID(),
		StartedAt: started,
		Elapsed:   elapsed,
		Reason:    reason,
		Drained:   drained,
		Snapshot:  snap,
		Stats:     stats,
	}
}

func (c *Controller) create(ctx, sessCtx context.Context) {
	for i := 0; i < c.cfg.Users; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		s := session.New(c.ids.Next(), c.cfg.Timing, c.deps)

		c.mu.Lock()
		c.sessions = append(c.sessions, s)
		c.mu.Unlock()

		c.deps.Metrics.AddSession()
		s.Start(sessCtx)

		if int(c.created.Add(1)) >= c.cfg.Users {
			c.markAllCreated("last session created")
		}
	}
}

func (c *Controller) pollCreated(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CreationPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.allCreated:
			return
		case <-ticker.C:
			if c.Created() >= c.cfg.Users {
				c.markAllCreated("creation poll")
			}
		}
	}
}

// markAllCreated flips the all-created latch. Only the first caller wins;
// it reports whether this call flipped it.
func (c *Controller) markAllCreated(source string) bool {
	if !c.latched.CompareAndSwap(false, true) {
		return false
	}
	close(c.allCreated)
	c.log.Info("All users created",
		zap.Int("users", c.Created()),
		zap.String("trigger", source),
		zap.Duration("observe", c.cfg.Observe),
	)
	return true
}

func (c *Controller) await(ctx context.Context) Reason {
	select {
	case <-ctx.Done():
		return ReasonInterrupted
	case <-c.allCreated:
	}

	timer := time.NewTimer(c.cfg.Observe)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ReasonInterrupted
	case <-timer.C:
		return ReasonObserved
	}
}

// shutdown terminates every session and waits up to the in-flight grace
// period for their last writes to settle.
func (c *Controller) shutdown() bool {
	c.mu.Lock()
	sessions := append([]*session.Session(nil), c.sessions...)
	c.mu.Unlock()

	c.log.Info("Shutting down sessions", zap.Int("sessions", len(sessions)))
	for _, s := range sessions {
		s.Terminate()
	}
	if c.OnShutdown != nil {
		c.OnShutdown()
	}

	all := make(chan struct{})
	go func() {
		for _, s := range sessions {
			<-s.Done()
		}
		close(all)
	}()

	grace := time.NewTimer(c.cfg.InflightGrace)
	defer grace.Stop()
	select {
	case <-all:
		return true
	case <-grace.C:
		c.log.Warn("In-flight writes did not settle before the grace period",
			zap.Int64("in_flight", c.deps.Metrics.InFlight()),
			zap.Duration("grace", c.cfg.InflightGrace),
		)
		return false
	}
}
