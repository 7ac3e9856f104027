// Package pool runs the multi-agent scan mode: several role-specialized
// workers (crawler, scanner, fuzzer, analyzer) operating concurrently against
// one shared state, with a verification pipeline promoting their suspicions
// into confirmed findings.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/periscan/periscan/db"
	"github.com/periscan/periscan/pkg/agent/control"
	"github.com/periscan/periscan/pkg/agent/guard"
	"github.com/periscan/periscan/pkg/agent/recheck"
	"github.com/periscan/periscan/pkg/agent/shared"
	"github.com/periscan/periscan/pkg/backend"
	"github.com/periscan/periscan/pkg/llm"
	"github.com/periscan/periscan/pkg/scope"
)

// Config sizes the pool.
type Config struct {
	Target              string
	ScanID              uint
	Workers             map[Role]int
	IterationsPerWorker int
	RequestsPerSecond   float64
}

// ConfigFromViper builds a Config from the swarm.* settings.
func ConfigFromViper(target string, scanID uint) Config {
	workers := make(map[Role]int)
	for _, role := range Roles {
		workers[role] = viper.GetInt("swarm.workers." + role.String())
	}
	return Config{
		Target:              target,
		ScanID:              scanID,
		Workers:             workers,
		IterationsPerWorker: viper.GetInt("swarm.iterations_per_worker"),
		RequestsPerSecond:   viper.GetFloat64("swarm.requests_per_second"),
	}
}

// Pool owns the workers, the shared state and the verification pipeline for
// one swarm-mode scan.
type Pool struct {
	cfg      Config
	state    *shared.State
	backend  *guard.Backend
	throttle *llm.Throttle
	pipeline *recheck.Pipeline
	ctrl     *control.RunControl
	workers  []*Worker
	store    recheck.Store

	sleep func(ctx context.Context, d time.Duration)
}

// Option configures a Pool.
type Option func(*Pool)

// WithSleepFunc overrides how workers wait, for deterministic tests. Must be
// applied at construction, before workers are built.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(p *Pool) { p.sleep = sleep }
}

// New assembles a Pool. The backend is wrapped with the standard guardrails;
// store may be nil when findings should stay in memory only.
func New(cfg Config, be backend.Backend, throttle *llm.Throttle, store recheck.Store, opts ...Option) *Pool {
	if cfg.IterationsPerWorker <= 0 {
		cfg.IterationsPerWorker = 20
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}

	p := &Pool{
		cfg:      cfg,
		state:    shared.NewState(),
		backend:  guard.New(be, guard.WithScope(scope.FromTarget(cfg.Target))),
		throttle: throttle,
		ctrl:     control.New(cfg.ScanID),
		store:    store,
	}
	p.sleep = func(ctx context.Context, d time.Duration) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	for _, opt := range opts {
		opt(p)
	}

	pipelineOpts := []recheck.Option{recheck.WithSleepFunc(p.sleep)}
	if threshold := viper.GetInt("recheck.confidence_threshold"); threshold > 0 {
		pipelineOpts = append(pipelineOpts, recheck.WithConfidenceThreshold(threshold))
	}
	if spacing := viper.GetInt("recheck.payload_spacing_ms"); spacing > 0 {
		pipelineOpts = append(pipelineOpts, recheck.WithPayloadSpacing(time.Duration(spacing)*time.Millisecond))
	}
	if poll := viper.GetInt("recheck.poll_interval"); poll > 0 {
		pipelineOpts = append(pipelineOpts, recheck.WithPollInterval(time.Duration(poll)*time.Second))
	}
	p.pipeline = recheck.New(p.state, p.backend, throttle, store, cfg.ScanID, pipelineOpts...)

	for _, role := range Roles {
		for i := 0; i < cfg.Workers[role]; i++ {
			p.workers = append(p.workers, &Worker{
				ID:         fmt.Sprintf("%s-%d", role, i+1),
				Role:       role,
				Target:     cfg.Target,
				state:      p.state,
				backend:    p.backend,
				throttle:   throttle,
				ctrl:       p.ctrl,
				limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
				iterations: cfg.IterationsPerWorker,
				pausePoll:  defaultPausePoll,
				emptyWait:  defaultEmptyWait,
				sleep:      p.sleep,
			})
		}
	}
	return p
}

// State exposes the shared state, mainly for observers and tests.
func (p *Pool) State() *shared.State {
	return p.state
}

// Control exposes the pause/resume/stop handle for this run.
func (p *Pool) Control() *control.RunControl {
	return p.ctrl
}

// Run executes the swarm scan to completion. It returns an error only for
// configuration and availability failures; worker-level errors are logged
// and absorbed.
func (p *Pool) Run(ctx context.Context) error {
	if p.cfg.Target == "" {
		return fmt.Errorf("no target configured")
	}
	if len(p.workers) == 0 {
		return fmt.Errorf("no workers configured")
	}
	if !p.backend.IsAvailable(ctx) {
		return fmt.Errorf("tool backend unavailable")
	}

	if _, err := p.backend.CallTool(ctx, backend.ToolAddToScope, map[string]any{"url": p.cfg.Target}); err != nil {
		return fmt.Errorf("adding target to scope: %w", err)
	}

	p.state.AddEndpoint(&shared.Endpoint{
		URL:      p.cfg.Target,
		Method:   "GET",
		AgentID:  "seed",
		Priority: 10,
	})

	runCtx := p.ctrl.Context()
	p.pipeline.Start(runCtx)

	log.Info().
		Str("target", p.cfg.Target).
		Int("workers", len(p.workers)).
		Msg("Swarm scan started")

	var wg conc.WaitGroup
	for _, worker := range p.workers {
		worker := worker
		wg.Go(func() {
			worker.Run(runCtx)
		})
	}
	wg.Wait()

	p.pipeline.Stop()
	p.persistSessions()
	p.summarize()
	return nil
}

// persistSessions saves captured auth material when the store supports it.
func (p *Pool) persistSessions() {
	saver, ok := p.store.(interface{ CreateSession(*db.Session) error })
	if !ok {
		return
	}
	for _, session := range p.state.Sessions() {
		if err := saver.CreateSession(session); err != nil {
			log.Error().Err(err).Str("agent", session.AgentID).Msg("Failed to persist captured session")
		}
	}
}

// Pause suspends all workers at their next loop boundary.
func (p *Pool) Pause() {
	p.ctrl.Pause()
}

// Resume releases paused workers.
func (p *Pool) Resume() {
	p.ctrl.Resume()
}

// Stop ends the run cooperatively; workers observe it at their next check.
func (p *Pool) Stop() {
	p.ctrl.Stop()
}

func (p *Pool) summarize() {
	stats := p.state.Snapshot()
	event := log.Info().
		Int("endpoints_discovered", stats.EndpointsDiscovered).
		Int("endpoints_tested", stats.EndpointsTested).
		Int("requests_sent", stats.RequestsSent).
		Int("findings", stats.VulnsFound).
		Int("confirmed", p.pipeline.Confirmed()).
		Int("rejected", p.pipeline.Rejected())
	for _, worker := range p.workers {
		event = event.Int(worker.ID+"_iterations", worker.IterationsDone())
	}
	event.Msg("Swarm scan finished")
}
