package document

import (
	"time"

	"golang.org/x/time/rate"
)

// SnapshotPolicy decides, per local change, whether to publish a fresh
// snapshot alongside the delta.
type SnapshotPolicy interface {
	SnapshotDue() bool
}

// EveryChange snapshots on every local change. Peers then only ever need
// the head of each log.
type EveryChange struct{}

func (EveryChange) SnapshotDue() bool { return true }

// IntervalPolicy snapshots at most once per interval; changes in between
// publish a plain delta.
type IntervalPolicy struct {
	limiter *rate.Limiter
}

// NewIntervalPolicy allows one snapshot per every, starting immediately.
func NewIntervalPolicy(every time.Duration) *IntervalPolicy {
	return &IntervalPolicy{limiter: rate.NewLimiter(rate.Every(every), 1)}
}

func (p *IntervalPolicy) SnapshotDue() bool {
	return p.limiter.Allow()
}
