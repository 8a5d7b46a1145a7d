package queue

import (
	"context"
	"log"
	"time"
)

// Reaper periodically sweeps tickets stuck in called state. It is an ordinary
// caller of the engine's SweepMissed operation on a timer, with no storage
// access of its own.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	timeout  time.Duration
}

func NewReaper(engine *Engine, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		engine:   engine,
		interval: interval,
		timeout:  10 * time.Second,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, r.timeout)
			reaped, err := r.engine.SweepMissed(sweepCtx)
			cancel()
			if err != nil {
				log.Printf("reaper sweep error=%v", err)
				continue
			}
			if len(reaped) > 0 {
				log.Printf("reaper sweep reaped=%d", len(reaped))
			}
		}
	}
}
