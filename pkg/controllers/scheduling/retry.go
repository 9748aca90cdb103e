package scheduling

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Retry is a fixed-interval retry budget: Count attempts, Interval apart.
type Retry struct {
	Count    int           `json:"count"`
	Interval time.Duration `json:"interval"`
}

func (r Retry) Backoff() wait.Backoff {
	steps := r.Count
	if steps < 1 {
		steps = 1
	}
	return wait.Backoff{Duration: r.Interval, Factor: 1, Steps: steps}
}

// Poll runs condition until it returns true or an error, or until the budget is spent.
// An exhausted budget returns wait.ErrWaitTimeout.
func (r Retry) Poll(ctx context.Context, condition wait.ConditionFunc) error {
	return wait.ExponentialBackoffWithContext(ctx, r.Backoff(), condition)
}

// Sleep waits for one interval or until the context is done.
func (r Retry) Sleep(ctx context.Context) error {
	if r.Interval <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
