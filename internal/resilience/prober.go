package resilience

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

// Prober periodically probes evaluators that are not Live so Down
// evaluators can come back without a restart
type Prober struct {
	tracker  *AvailabilityTracker
	interval time.Duration
}

// NewProber creates a prober; interval <= 0 disables the background loop
func NewProber(tracker *AvailabilityTracker, interval time.Duration) *Prober {
	return &Prober{tracker: tracker, interval: interval}
}

// Start runs the probe loop until ctx is done
func (p *Prober) Start(ctx context.Context) {
	if p.interval <= 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce probes every Degraded or Down evaluator concurrently and
// returns the IDs it probed
func (p *Prober) ProbeOnce(ctx context.Context) []types.EvaluatorID {
	var targets []types.EvaluatorID
	for _, s := range p.tracker.Snapshot() {
		if s.Level != types.Live {
			targets = append(targets, s.EvaluatorID)
		}
	}

	var g errgroup.Group
	for _, id := range targets {
		g.Go(func() error {
			state, err := p.tracker.Probe(ctx, id)
			if err != nil {
				slog.Warn("Evaluator probe aborted", "evaluator", id, "error", err)
				return nil
			}
			slog.Debug("Evaluator probed", "evaluator", id, "level", state.Level)
			return nil
		})
	}
	_ = g.Wait()
	return targets
}
