package health

import (
	"context"
	"time"
)

// debounced wraps a Checker so a single failing probe doesn't immediately
// freeze the node. The agent freezes on the first failing probe by
// default; Debounced is the opt-in alternative for a probe an operator
// expects to flap, e.g. a co-located process still finishing its own
// startup work.
type debounced struct {
	checker Checker
	cfg     Config

	startedAt time.Time
	failures  int
	unhealthy bool
}

// Debounced returns a Checker that only reports unhealthy after
// cfg.Retries consecutive failures of the wrapped checker, always reports
// healthy during cfg.StartPeriod, and caps each wrapped call at
// cfg.Timeout when set.
func Debounced(checker Checker, cfg Config) Checker {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	return &debounced{checker: checker, cfg: cfg, startedAt: time.Now()}
}

func (d *debounced) Check(ctx context.Context) Result {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	res := d.checker.Check(ctx)
	if res.Healthy {
		d.failures = 0
		d.unhealthy = false
	} else {
		d.failures++
		if d.failures >= d.cfg.Retries {
			d.unhealthy = true
		}
	}

	if d.cfg.StartPeriod > 0 && time.Since(d.startedAt) < d.cfg.StartPeriod {
		return Result{Healthy: true, Message: "in start period", CheckedAt: res.CheckedAt, Duration: res.Duration}
	}
	return Result{
		Healthy:   !d.unhealthy,
		Message:   res.Message,
		CheckedAt: res.CheckedAt,
		Duration:  res.Duration,
	}
}

func (d *debounced) Type() CheckType {
	return d.checker.Type()
}
