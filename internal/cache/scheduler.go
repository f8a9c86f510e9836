package cache

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/paged-mem/pagedmem/internal/obs"
)

// EvictionScheduler drives PagedAllocator.EvictExcess on a cron schedule, so
// a long-idle allocator still sheds resident pages down toward its budget
// instead of waiting for the next foreground allocation to trip eviction.
type EvictionScheduler struct {
	alloc  *PagedAllocator
	target int
	log    *obs.Logger
	cron   *cron.Cron
}

// NewEvictionScheduler parses expr as a standard 5-field cron expression
// or a descriptor (e.g. "*/30 * * * *", "@every 30s") and wires it to sweep alloc down to
// target resident pages on each tick.
func NewEvictionScheduler(alloc *PagedAllocator, expr string, target int, log *obs.Logger) (*EvictionScheduler, error) {
	c := cron.New()
	es := &EvictionScheduler{alloc: alloc, target: target, log: log, cron: c}
	if _, err := c.AddFunc(expr, es.sweep); err != nil {
		return nil, fmt.Errorf("cache: invalid eviction schedule %q: %w", expr, err)
	}
	return es, nil
}

// Start begins running the schedule in the background.
func (es *EvictionScheduler) Start() { es.cron.Start() }

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (es *EvictionScheduler) Stop() {
	ctx := es.cron.Stop()
	<-ctx.Done()
}

func (es *EvictionScheduler) sweep() {
	n, err := es.alloc.EvictExcess(es.target)
	if err != nil {
		es.log.Printf("eviction sweep: %v", err)
		return
	}
	if n > 0 {
		es.log.Printf("eviction sweep: evicted %d page(s), resident=%d", n, es.alloc.ResidentCount())
	}
}
