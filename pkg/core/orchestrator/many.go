package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunMany runs independent plans with at most parallelism runs at a time.
// Results are in input order. A plan not started before ctx is cancelled
// yields a failed result carrying the cancellation.
func (o *Orchestrator) RunMany(ctx context.Context, plans []Plan, parallelism int) []*MultiPeriodResult {
	if parallelism <= 0 {
		parallelism = 1
	}
	results := make([]*MultiPeriodResult, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, plan := range plans {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = cancelled(plan, err)
				return nil
			}
			results[i] = o.Run(gctx, plan)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func cancelled(plan Plan, err error) *MultiPeriodResult {
	return &MultiPeriodResult{
		Entity:   plan.Entity,
		Scenario: plan.Scenario,
		State:    StateFailed,
		Errors:   []RunError{{Stage: StageCancel, Message: err.Error(), Err: err}},
	}
}
