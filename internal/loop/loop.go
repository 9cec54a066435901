// Package loop drives the improvement cycle: probe the protected model,
// adjudicate the exchange, and when a breach is confirmed, synthesize
// and deploy a mitigation. Each cycle walks the stages
// probing -> adjudicating -> synthesizing -> deploying; the last two
// run only on a confirmed breach.
package loop

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/bastion-ai/bastion/internal/adjudicator"
	"github.com/bastion-ai/bastion/internal/audit"
	"github.com/bastion-ai/bastion/internal/probe"
	"github.com/bastion-ai/bastion/internal/redact"
	"github.com/bastion-ai/bastion/internal/synthesis"
	"github.com/bastion-ai/bastion/internal/telemetry"
	"github.com/bastion-ai/bastion/internal/warden"
)

// ErrHalted is returned by Run when the consecutive failure ceiling is
// reached; the loop will not restart on its own.
var ErrHalted = errors.New("loop halted after repeated failures")

// Outcome classifies one finished cycle.
type Outcome string

const (
	OutcomeNoBreach     Outcome = "no_breach"
	OutcomeInconclusive Outcome = "inconclusive"
	OutcomeMitigated    Outcome = "mitigated"
	OutcomeRejected     Outcome = "rejected_overfit"
	OutcomeError        Outcome = "error"
)

// Config tunes the coordinator.
type Config struct {
	Workers                int
	Interval               time.Duration
	ProbeTimeout           time.Duration
	SynthesisTimeout       time.Duration
	BackoffBase            time.Duration
	BackoffMax             time.Duration
	MaxConsecutiveFailures int
	HistoryWindow          int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 60 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 10
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
}

// CycleResult is the outcome of one cycle, surfaced by the API when a
// cycle is requested on demand.
type CycleResult struct {
	Outcome         Outcome       `json:"outcome"`
	AttemptID       string        `json:"attempt_id,omitempty"`
	VerdictID       string        `json:"verdict_id,omitempty"`
	Decision        string        `json:"decision,omitempty"`
	Category        string        `json:"category,omitempty"`
	PolicyID        string        `json:"policy_id,omitempty"`
	SnapshotVersion uint64        `json:"snapshot_version,omitempty"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"-"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Running             bool      `json:"running"`
	Halted              bool      `json:"halted"`
	Cycles              uint64    `json:"cycles"`
	Breaches            uint64    `json:"breaches"`
	Mitigations         uint64    `json:"mitigations"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastOutcome         Outcome   `json:"last_outcome,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastCycleAt         time.Time `json:"last_cycle_at,omitempty"`
}

// Coordinator owns the closed loop.
type Coordinator struct {
	cfg      Config
	gen      probe.Generator
	gateway  *warden.Gateway
	ensemble *adjudicator.Ensemble
	synth    *synthesis.Synthesizer
	deployer *synthesis.Deployer
	mem      *audit.MemorySink
	emitter  *audit.Emitter
	tel      *telemetry.Provider
	rng      *rand.Rand

	mu     sync.Mutex
	status Status
}

func New(cfg Config, gen probe.Generator, gw *warden.Gateway, ens *adjudicator.Ensemble, synth *synthesis.Synthesizer, dep *synthesis.Deployer, mem *audit.MemorySink, em *audit.Emitter, tel *telemetry.Provider) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:      cfg,
		gen:      gen,
		gateway:  gw,
		ensemble: ens,
		synth:    synth,
		deployer: dep,
		mem:      mem,
		emitter:  em,
		tel:      tel,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run drives cycles until ctx is cancelled or the failure ceiling is
// hit. Cycles are dispatched at the configured interval to a bounded
// worker pool; a tick with no free worker is skipped, never queued.
func (c *Coordinator) Run(ctx context.Context) error {
	c.setRunning(true)
	defer c.setRunning(false)

	sem := make(chan struct{}, c.cfg.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := c.waitInterval(ctx); err != nil {
			return nil
		}
		if c.haltedNow() {
			return ErrHalted
		}

		select {
		case sem <- struct{}{}:
		default:
			continue // all workers busy
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			res := c.RunCycle(ctx)
			if res.Outcome == OutcomeError {
				redact.Logf("loop: cycle failed: %s", res.Error)
			}
		}()
	}
}

// waitInterval sleeps the base interval plus exponential backoff with
// full jitter when recent cycles failed.
func (c *Coordinator) waitInterval(ctx context.Context) error {
	delay := c.cfg.Interval

	c.mu.Lock()
	failures := c.status.ConsecutiveFailures
	c.mu.Unlock()
	if failures > 0 {
		backoff := c.cfg.BackoffBase << (failures - 1)
		if backoff > c.cfg.BackoffMax || backoff <= 0 {
			backoff = c.cfg.BackoffMax
		}
		c.mu.Lock()
		jittered := time.Duration(c.rng.Int63n(int64(backoff)) + 1)
		c.mu.Unlock()
		delay += jittered
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// RunCycle executes exactly one cycle and returns its result. It is
// safe to call concurrently with Run; the API uses it for on-demand
// cycles.
func (c *Coordinator) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	res := c.runStages(ctx)
	res.Duration = time.Since(start)

	c.tel.RecordCycle(string(res.Outcome))
	c.recordOutcome(res)
	return res
}

func (c *Coordinator) runStages(ctx context.Context) CycleResult {
	// probing
	stageStart := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	var history []string
	if c.mem != nil {
		history = c.mem.RecentAttemptInputs(c.cfg.HistoryWindow)
	}
	input, err := c.gen.Generate(probeCtx, history)
	if err != nil {
		cancel()
		return CycleResult{Outcome: OutcomeError, Error: fmt.Sprintf("generate probe: %v", err)}
	}
	served, err := c.gateway.Serve(probeCtx, warden.Request{Prompt: input, Probe: true})
	cancel()
	c.tel.RecordStage("probing", float64(time.Since(stageStart).Milliseconds()))
	if err != nil {
		return CycleResult{Outcome: OutcomeError, Error: fmt.Sprintf("serve probe: %v", err)}
	}

	attempt := &audit.ProbeAttempt{
		ID:              served.AttemptID,
		Input:           input,
		Response:        served.Response,
		Action:          string(served.Action),
		SnapshotVersion: served.SnapshotVersion,
	}
	res := CycleResult{AttemptID: attempt.ID}

	// adjudicating
	stageStart = time.Now()
	verdict := c.ensemble.Adjudicate(ctx, attempt)
	c.tel.RecordStage("adjudicating", float64(time.Since(stageStart).Milliseconds()))
	c.emit(ctx, &audit.Record{Kind: audit.KindVerdict, Verdict: verdict})
	res.VerdictID = verdict.ID
	res.Decision = string(verdict.Decision)
	res.Category = verdict.Category

	switch verdict.Decision {
	case audit.DecisionNoBreach:
		res.Outcome = OutcomeNoBreach
		return res
	case audit.DecisionInconclusive:
		res.Outcome = OutcomeInconclusive
		return res
	}

	// synthesizing
	stageStart = time.Now()
	breach := synthesis.ExtractBreach(attempt, verdict)
	c.emit(ctx, &audit.Record{Kind: audit.KindBreach, Breach: breach})

	synthCtx, cancel := context.WithTimeout(ctx, c.cfg.SynthesisTimeout)
	cand, err := c.synth.Synthesize(synthCtx, breach)
	cancel()
	c.tel.RecordStage("synthesizing", float64(time.Since(stageStart).Milliseconds()))
	if err != nil {
		res.Outcome = OutcomeError
		res.Error = fmt.Sprintf("synthesize policy: %v", err)
		return res
	}

	// deploying
	stageStart = time.Now()
	deployed, version, err := c.deployer.Deploy(ctx, breach, cand)
	c.tel.RecordStage("deploying", float64(time.Since(stageStart).Milliseconds()))
	if err != nil {
		if errors.Is(err, synthesis.ErrOverfit) {
			res.Outcome = OutcomeRejected
			res.Error = err.Error()
			return res
		}
		res.Outcome = OutcomeError
		res.Error = fmt.Sprintf("deploy policy: %v", err)
		return res
	}

	res.Outcome = OutcomeMitigated
	res.PolicyID = deployed.ID
	res.SnapshotVersion = version
	return res
}

func (c *Coordinator) emit(ctx context.Context, rec *audit.Record) {
	if c.emitter != nil {
		c.emitter.Emit(ctx, rec)
	}
}

func (c *Coordinator) recordOutcome(res CycleResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.Cycles++
	c.status.LastOutcome = res.Outcome
	c.status.LastCycleAt = time.Now().UTC()

	switch res.Outcome {
	case OutcomeError:
		c.status.ConsecutiveFailures++
		c.status.LastError = res.Error
		if c.status.ConsecutiveFailures >= c.cfg.MaxConsecutiveFailures {
			c.status.Halted = true
			redact.Logf("loop: halting after %d consecutive failures", c.status.ConsecutiveFailures)
		}
	case OutcomeMitigated:
		c.status.ConsecutiveFailures = 0
		c.status.LastError = ""
		c.status.Breaches++
		c.status.Mitigations++
	case OutcomeRejected:
		c.status.ConsecutiveFailures = 0
		c.status.LastError = ""
		c.status.Breaches++
	default:
		c.status.ConsecutiveFailures = 0
		c.status.LastError = ""
	}
}

// Status returns a snapshot of the loop state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) setRunning(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Running = v
}

func (c *Coordinator) haltedNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Halted
}
