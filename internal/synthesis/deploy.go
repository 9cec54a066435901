package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bastion-ai/bastion/internal/audit"
	"github.com/bastion-ai/bastion/internal/policy"
	"github.com/bastion-ai/bastion/internal/redact"
	"github.com/bastion-ai/bastion/internal/store"
	"github.com/bastion-ai/bastion/internal/telemetry"
)

// Deployer pushes validated candidates through the store and records
// every lifecycle transition in the audit trail.
type Deployer struct {
	store     *store.Store
	validator *Validator
	emitter   *audit.Emitter
	tel       *telemetry.Provider
}

func NewDeployer(st *store.Store, v *Validator, em *audit.Emitter, tel *telemetry.Provider) *Deployer {
	return &Deployer{store: st, validator: v, emitter: em, tel: tel}
}

// Deploy validates and activates the candidate. An ErrConflict from a
// concurrent lineage winner is retried once against the fresh snapshot;
// a second conflict surfaces to the caller.
func (d *Deployer) Deploy(ctx context.Context, breach *audit.BreachRecord, cand policy.Policy) (policy.Policy, uint64, error) {
	if err := d.validator.Validate(cand); err != nil {
		d.emitEvent(ctx, &audit.PolicyEvent{
			Type:     "rejected_overfit",
			Lineage:  cand.Lineage,
			BreachID: breach.ID,
			Detail:   err.Error(),
		})
		return policy.Policy{}, 0, err
	}

	var (
		version uint64
		handle  store.Handle
		err     error
	)
	for attempt := 0; attempt < 2; attempt++ {
		handle, err = d.store.Propose(cand)
		if err != nil {
			return policy.Policy{}, 0, fmt.Errorf("propose candidate: %w", err)
		}
		d.emitEvent(ctx, &audit.PolicyEvent{
			Type:     "proposed",
			PolicyID: handle.ID,
			Lineage:  cand.Lineage,
			BreachID: breach.ID,
		})

		version, err = d.store.Activate(handle)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt == 1 {
			return policy.Policy{}, 0, fmt.Errorf("activate candidate: %w", err)
		}
		redact.Logf("synthesis: activation conflict for breach %s, re-proposing once: %v", breach.ID, err)
	}

	deployed, err := d.store.Get(handle.ID)
	if err != nil {
		return policy.Policy{}, 0, fmt.Errorf("read back activated policy: %w", err)
	}

	ttm := float64(time.Since(breach.CreatedAt).Milliseconds())
	if ttm < 0 {
		ttm = 0
	}
	d.emitEvent(ctx, &audit.PolicyEvent{
		Type:             "activated",
		PolicyID:         deployed.ID,
		Lineage:          deployed.Lineage,
		SnapshotVersion:  version,
		BreachID:         breach.ID,
		TimeToMitigation: ttm,
	})
	d.tel.RecordActivation(ttm)
	redact.Logf("synthesis: activated policy %s for breach %s in %.0fms (snapshot %d)", deployed.ID, breach.ID, ttm, version)
	return deployed, version, nil
}

// Retire removes an active policy and records the transition.
func (d *Deployer) Retire(ctx context.Context, policyID string) (uint64, error) {
	version, err := d.store.Retire(policyID)
	if err != nil {
		return 0, err
	}
	d.emitEvent(ctx, &audit.PolicyEvent{
		Type:            "retired",
		PolicyID:        policyID,
		SnapshotVersion: version,
	})
	return version, nil
}

func (d *Deployer) emitEvent(ctx context.Context, ev *audit.PolicyEvent) {
	if d.emitter == nil {
		return
	}
	ev.CreatedAt = time.Now().UTC()
	d.emitter.Emit(ctx, &audit.Record{Kind: audit.KindPolicyEvent, Policy: ev})
}
