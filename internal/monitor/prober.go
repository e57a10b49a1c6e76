package monitor

import (
	"container/heap"
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/stackwatch/http-mon/internal/metrics"
	"github.com/stackwatch/http-mon/pkg/types"
)

// UnreachableFunc receives the verdict for a target whose sliding window
// elapsed without a successful probe. The prober exits right after calling
// it; ownership of the target transfers to the escalation it starts.
type UnreachableFunc func(ctx context.Context, target types.Target)

// probe is one outbound HTTP GET. The launch timestamp is a monotonic
// offset in nanoseconds from the prober's start. ok is written before the
// done flag is set, so a reader that observes done also observes ok.
type probe struct {
	launched int64
	ok       bool
	done     atomic.Bool
}

// probeHeap is a min-heap of probes ordered by launch time. The front entry
// is the oldest probe that has neither succeeded nor been dominated by a
// newer success; its age is what the verdict rule measures.
type probeHeap []*probe

func (h probeHeap) Len() int           { return len(h) }
func (h probeHeap) Less(i, j int) bool { return h[i].launched < h[j].launched }
func (h probeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *probeHeap) Push(x any)        { *h = append(*h, x.(*probe)) }
func (h *probeHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

// Prober runs the probing loop for a single target. It launches overlapping
// HTTP GETs at the target's period, keeps the in-flight set ordered by
// launch time, and fires a single unreachable verdict when the sliding
// window criterion is met.
//
// The loop terminates when: the owned set no longer contains the target
// (cooperative cancellation, no verdict), the verdict fires (handoff to the
// escalation path), or the context is cancelled.
type Prober struct {
	target        types.Target
	owned         OwnedSet
	client        *http.Client
	onUnreachable UnreachableFunc
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewProber creates a prober for the target. The client should carry no
// request timeout: a hung probe staying in the pending set until the window
// elapses is exactly the evidence the verdict rule needs.
func NewProber(target types.Target, owned OwnedSet, client *http.Client, onUnreachable UnreachableFunc, m *metrics.Metrics, logger *slog.Logger) *Prober {
	return &Prober{
		target:        target,
		owned:         owned,
		client:        client,
		onUnreachable: onUnreachable,
		metrics:       m,
		logger: logger.With(
			"component", "prober",
			"target_id", target.ID,
			"url", target.URL,
		),
	}
}

// Run executes the probing loop until cancellation or verdict.
func (p *Prober) Run(ctx context.Context) {
	period := p.target.PeriodDuration()
	windowNS := p.target.WindowDuration().Nanoseconds()

	// All launch timestamps are monotonic offsets from base; comparisons
	// never touch the wall clock.
	base := time.Now()

	inflight := &probeHeap{}
	heap.Init(inflight)

	p.metrics.ProbersActive.Inc()
	defer p.metrics.ProbersActive.Dec()

	p.logger.Info("prober started",
		"period", period,
		"window", p.target.WindowDuration(),
	)

	for {
		tickStart := time.Now()

		if ctx.Err() != nil {
			p.logger.Info("prober stopping (context cancelled)")
			return
		}

		// Cooperative cancellation: consult the owned set before launching.
		// In-flight probes are abandoned; their completion has no effect.
		if !p.owned.Owns(p.target.ID) {
			p.logger.Info("prober stopping (target no longer owned)")
			return
		}

		p.launch(ctx, base, inflight)

		// latestOK is the newest launch that has completed with a 2xx.
		// Everything launched at or before it is dominated and pruned.
		// Completed failures are not liveness evidence: they never advance
		// latestOK, and their launch timestamps stay in the set as evidence
		// of silence until a later success dominates them.
		var latestOK int64 = -1
		for _, pr := range *inflight {
			if pr.done.Load() && pr.ok && pr.launched > latestOK {
				latestOK = pr.launched
			}
		}
		for inflight.Len() > 0 && (*inflight)[0].launched <= latestOK {
			heap.Pop(inflight)
		}

		if inflight.Len() > 0 {
			oldest := (*inflight)[0]
			if time.Since(base).Nanoseconds()-oldest.launched >= windowNS {
				p.logger.Warn("target unreachable, firing verdict",
					"oldest_pending_age", time.Duration(time.Since(base).Nanoseconds()-oldest.launched),
				)
				p.onUnreachable(ctx, p.target)
				return
			}
		}

		elapsed := time.Since(tickStart)
		if elapsed >= period {
			p.logger.Warn("probe period exceeded", "elapsed", elapsed, "period", period)
			continue
		}

		select {
		case <-ctx.Done():
			p.logger.Info("prober stopping (context cancelled)")
			return
		case <-time.After(period - elapsed):
		}
	}
}

// launch issues one probe without waiting for outstanding ones.
func (p *Prober) launch(ctx context.Context, base time.Time, inflight *probeHeap) {
	pr := &probe{launched: time.Since(base).Nanoseconds()}
	heap.Push(inflight, pr)

	p.metrics.ProbesSent.Inc()
	p.metrics.ProbesInFlight.Inc()

	go func() {
		defer p.metrics.ProbesInFlight.Dec()

		ok := false
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target.URL, nil)
		if err == nil {
			resp, doErr := p.client.Do(req)
			if doErr == nil {
				ok = resp.StatusCode >= 200 && resp.StatusCode < 300
				resp.Body.Close()
			}
		}
		// Connection errors, TLS failures and timeouts classify exactly as
		// non-2xx: no liveness evidence.
		if ok {
			p.metrics.ProbesSucceeded.Inc()
		}
		pr.ok = ok
		pr.done.Store(true)
	}()
}
