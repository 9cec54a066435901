// Package warden is the enforcement gateway in front of the protected
// model. Every request, ordinary or probe, pins one policy snapshot and
// is evaluated against it before and after the model call.
package warden

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bastion-ai/bastion/internal/audit"
	"github.com/bastion-ai/bastion/internal/policy"
	"github.com/bastion-ai/bastion/internal/provider"
	"github.com/bastion-ai/bastion/internal/store"
	"github.com/bastion-ai/bastion/internal/telemetry"
)

// BlockedText replaces the model response when a policy blocks.
const BlockedText = "This request was declined by safety policy."

// Request is one prompt to serve through the gateway.
type Request struct {
	Prompt string
	System string
	Probe  bool // adversarial traffic from the probing agent
}

// Result is the enforced outcome of one request.
type Result struct {
	AttemptID       string
	Response        string
	Action          policy.Action
	PolicyID        string
	Flagged         bool
	SnapshotVersion uint64
}

// Gateway serves requests with before/after policy enforcement.
type Gateway struct {
	store    *store.Store
	upstream provider.Provider
	model    string
	timeout  time.Duration
	emitter  *audit.Emitter
	tel      *telemetry.Provider
}

func New(st *store.Store, upstream provider.Provider, model string, timeout time.Duration, em *audit.Emitter, tel *telemetry.Provider) *Gateway {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Gateway{
		store:    st,
		upstream: upstream,
		model:    model,
		timeout:  timeout,
		emitter:  em,
		tel:      tel,
	}
}

// Serve evaluates, forwards, and re-evaluates one request. The snapshot
// is pinned once at entry, so a mid-flight policy activation never
// splits a request across two policy versions.
func (g *Gateway) Serve(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	snap := g.store.Current()

	ctx, span := g.tel.Tracer().Start(ctx, "warden.serve")
	defer span.End()

	res := &Result{
		AttemptID:       "att_" + uuid.NewString(),
		SnapshotVersion: snap.Version,
		Action:          policy.ActionAllow,
	}

	pre := snap.Evaluate(req.Prompt, policy.PhasePre)
	res.Action = pre.Action
	if pre.Policy != nil {
		res.PolicyID = pre.Policy.ID
	}
	res.Flagged = hasAction(pre.Hits, policy.ActionFlag)

	prompt := req.Prompt
	hits := len(pre.Hits)
	var upstreamMs float64

	switch pre.Action {
	case policy.ActionBlock:
		// blocked input never reaches the model
		res.Response = BlockedText
	default:
		if pre.Action == policy.ActionRewrite {
			prompt = pre.Rewritten
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		upstreamStart := time.Now()
		resp, err := g.upstream.Complete(callCtx, &provider.Request{
			Model:  g.model,
			System: req.System,
			Prompt: prompt,
		})
		cancel()
		upstreamMs = float64(time.Since(upstreamStart).Milliseconds())
		if err != nil {
			g.recordAttempt(ctx, req, res, start, upstreamMs, hits)
			return nil, fmt.Errorf("upstream model: %w", err)
		}

		post := snap.Evaluate(resp.Text, policy.PhasePost)
		hits += len(post.Hits)
		res.Response = post.Rewritten
		res.Flagged = res.Flagged || hasAction(post.Hits, policy.ActionFlag)
		if post.Action.Stronger(res.Action) {
			res.Action = post.Action
			if post.Policy != nil {
				res.PolicyID = post.Policy.ID
			}
		}
		if post.Action == policy.ActionBlock {
			res.Response = BlockedText
		}
	}

	span.SetAttributes(telemetry.SafeAttributes(map[string]any{
		"attempt_id":       res.AttemptID,
		"action":           string(res.Action),
		"snapshot_version": res.SnapshotVersion,
		"probe":            req.Probe,
	})...)

	g.recordAttempt(ctx, req, res, start, upstreamMs, hits)
	return res, nil
}

// recordAttempt emits the probe attempt record and request metrics.
// Ordinary traffic is metered but never written to the audit trail.
func (g *Gateway) recordAttempt(ctx context.Context, req Request, res *Result, start time.Time, upstreamMs float64, hits int) {
	g.tel.RecordRequestMetrics(string(res.Action), req.Probe, float64(time.Since(start).Milliseconds()), upstreamMs, hits)
	if !req.Probe || g.emitter == nil {
		return
	}
	g.emitter.Emit(ctx, &audit.Record{
		Kind: audit.KindProbeAttempt,
		Attempt: &audit.ProbeAttempt{
			ID:              res.AttemptID,
			Input:           req.Prompt,
			Response:        res.Response,
			Action:          string(res.Action),
			SnapshotVersion: res.SnapshotVersion,
			CreatedAt:       time.Now().UTC(),
		},
	})
}

func hasAction(hits []policy.Hit, a policy.Action) bool {
	for _, h := range hits {
		if h.Action == a {
			return true
		}
	}
	return false
}
