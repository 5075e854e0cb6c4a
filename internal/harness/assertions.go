package harness

import (
	"context"
	"fmt"
	"slices"
	"sort"
)

// check evaluates an expect step and returns one message per mismatch.
func (h *Harness) check(ctx context.Context, e Expect) []string {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if e.Fired != nil || e.NoFires {
		var fired []string
		if h.lastTick != nil {
			for _, f := range h.lastTick.Fired {
				if f.Error == "" {
					fired = append(fired, f.Trigger)
				}
			}
		}
		want := slices.Clone(e.Fired)
		sort.Strings(fired)
		sort.Strings(want)
		if h.lastTick == nil {
			fail("fired: no tick has run")
		} else if !slices.Equal(fired, want) {
			fail("fired: expected %v, got %v", want, fired)
		}
	}

	h.mu.Lock()
	calls := make(map[string]int, len(h.calls))
	for k, v := range h.calls {
		calls[k] = v
	}
	h.mu.Unlock()
	for _, name := range sortedKeys(e.Invocations) {
		if got, want := calls[name], e.Invocations[name]; got != want {
			fail("invocations %s: expected %d, got %d", name, want, got)
		}
	}

	for _, id := range sortedKeys(e.Jobs) {
		j, err := h.rt.Scheduler.Get(ctx, id)
		if err != nil {
			fail("job %s: %v", id, err)
			continue
		}
		if j.Status != e.Jobs[id] {
			fail("job %s: expected %s, got %s (last error %q)", id, e.Jobs[id], j.Status, j.LastError)
		}
	}

	for _, name := range sortedKeys(e.Triggers) {
		t, err := h.rt.Repo.GetTrigger(ctx, name)
		if err != nil {
			fail("trigger %s: %v", name, err)
			continue
		}
		if t.Status != e.Triggers[name] {
			fail("trigger %s: expected %s, got %s", name, e.Triggers[name], t.Status)
		}
	}

	for _, pred := range sortedKeys(e.Facts) {
		n, err := h.rt.Repo.CountFacts(ctx, pred)
		if err != nil {
			fail("facts %s: %v", pred, err)
			continue
		}
		if n != e.Facts[pred] {
			fail("facts %s: expected %d, got %d", pred, e.Facts[pred], n)
		}
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
