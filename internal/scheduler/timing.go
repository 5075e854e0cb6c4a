package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/reckon/internal/ir"
)

// RetryDelay returns the wait before retry number attempt (1-based) under
// policy p. The base delay grows by p.Multiplier from p.Initial and is
// capped at p.Max. Jitter only shortens a delay, and never below the
// previous base, so delays stay within p.Max and never decrease.
func RetryDelay(p ir.BackoffPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var prev, base time.Duration
	for i := 0; i < attempt; i++ {
		prev, base = base, b.NextBackOff()
	}
	if p.Max > 0 && base > p.Max {
		base = p.Max
	}
	if p.Jitter <= 0 {
		return base
	}
	lo := time.Duration(float64(base) * (1 - p.Jitter))
	if lo < prev {
		lo = prev
	}
	if lo >= base {
		return base
	}
	return lo + time.Duration(rand.Float64()*float64(base-lo))
}

// firstOccurrence is the first regular occurrence of a new job.
func firstOccurrence(k ir.JobKind, now time.Time) (time.Time, error) {
	switch k.Type {
	case ir.JobOnce:
		return k.RunAt, nil
	case ir.JobInterval:
		return now.Add(k.Every), nil
	case ir.JobCron:
		sched, err := ir.ParseCron(k.Expr)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now), nil
	}
	return time.Time{}, &ir.SchedulingError{Field: "kind.type", Message: "unknown job kind " + string(k.Type)}
}

// nextOccurrence returns the first regular occurrence after prev that is
// also after now. Occurrences missed while the process was down or busy
// are skipped rather than run in a burst.
func nextOccurrence(k ir.JobKind, prev, now time.Time) (time.Time, error) {
	switch k.Type {
	case ir.JobInterval:
		next := prev.Add(k.Every)
		if !next.After(now) {
			missed := now.Sub(prev) / k.Every
			next = prev.Add((missed + 1) * k.Every)
		}
		return next, nil
	case ir.JobCron:
		sched, err := ir.ParseCron(k.Expr)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(later(prev, now)), nil
	}
	return time.Time{}, &ir.SchedulingError{Field: "kind.type", Message: "job kind " + string(k.Type) + " does not recur"}
}

// jitter returns a random offset in [0, limit).
func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
