package telemetry

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/oig-battery-box/batterycore/internal/types"
)

// SourceStatus is the outward-visible health of a polling source.
type SourceStatus int

const (
	StatusHealthy SourceStatus = iota
	StatusDegraded
)

func (s SourceStatus) String() string {
	if s == StatusDegraded {
		return "degraded"
	}
	return "healthy"
}

const maxBackoff = 5 * time.Minute
const degradeAfter = 3

// Poller runs GetStats and GetExtendedStats on independent periodic
// schedules with jitter and exponential backoff, implementing §4.1's
// polling discipline: base period ±5s jitter for GetStats, a longer fixed
// period for GetExtendedStats, degraded status after three consecutive
// failures on either.
type Poller struct {
	source         Source
	basePeriod     time.Duration
	extendedPeriod time.Duration
	logger         *log.Logger

	mu              sync.RWMutex
	latest          types.TelemetrySnapshot
	haveLatest      bool
	latestExtended  types.TelemetrySnapshot
	status          SourceStatus
	consecutiveFail int
}

// NewPoller builds a Poller. extendedPeriod is floored at 300s per spec.
func NewPoller(source Source, basePeriod, extendedPeriod time.Duration, logger *log.Logger) *Poller {
	if extendedPeriod < 300*time.Second {
		extendedPeriod = 300 * time.Second
	}
	return &Poller{source: source, basePeriod: basePeriod, extendedPeriod: extendedPeriod, logger: logger}
}

// Latest returns the most recently published standard-cadence snapshot.
func (p *Poller) Latest() (types.TelemetrySnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.haveLatest
}

// LatestExtended returns the most recently published extended-cadence snapshot.
func (p *Poller) LatestExtended() types.TelemetrySnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latestExtended
}

// Status reports whether the source is healthy or degraded.
func (p *Poller) Status() SourceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Run polls GetStats and GetExtendedStats on their own cadences until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.runLoop(ctx, p.pollStats, p.basePeriod, true) }()
	go func() { defer wg.Done(); p.runLoop(ctx, p.pollExtended, p.extendedPeriod, false) }()
	wg.Wait()
	return ctx.Err()
}

func (p *Poller) runLoop(ctx context.Context, poll func(context.Context) error, base time.Duration, jitter bool) {
	backoff := base
	for {
		if err := poll(ctx); err != nil {
			p.recordFailure(err)
			backoff = nextBackoff(backoff, base)
		} else {
			p.recordSuccess()
			backoff = base
		}

		sleep := backoff
		if jitter && backoff == base {
			sleep = withJitter(base, 5*time.Second)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func withJitter(base, spread time.Duration) time.Duration {
	delta := time.Duration(rand.Int63n(int64(2*spread))) - spread
	d := base + delta
	if d < 0 {
		d = 0
	}
	return d
}

func nextBackoff(current, base time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	if next < base {
		next = base
	}
	return next
}

func (p *Poller) pollStats(ctx context.Context) error {
	snap, err := p.source.GetStats(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.latest = snap
	p.haveLatest = true
	p.mu.Unlock()
	return nil
}

func (p *Poller) pollExtended(ctx context.Context) error {
	snap, err := p.source.GetExtendedStats(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.latestExtended = snap
	p.mu.Unlock()
	return nil
}

func (p *Poller) recordFailure(err error) {
	p.mu.Lock()
	p.consecutiveFail++
	if p.consecutiveFail >= degradeAfter {
		p.status = StatusDegraded
	}
	p.mu.Unlock()
	if p.logger != nil {
		p.logger.Printf("telemetry: poll failed (%d consecutive): %v", p.consecutiveFail, err)
	}
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	p.consecutiveFail = 0
	p.status = StatusHealthy
	p.mu.Unlock()
}
