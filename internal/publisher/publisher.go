// Package publisher implements the update channel (spec.md §2 item 8 / §4.7):
// a throttled, coalescing fan-out of models.MempoolUpdate to decoupled
// subscribers. Slow subscribers never back-pressure the pipeline — a
// subscriber's channel holds at most one pending update, and a new update
// overwrites whatever was still waiting (last-write-wins), matching
// spec.md §5's "publisher coalescing rather than back-pressure".
package publisher

import (
	"sync"
	"time"

	"github.com/rawblock/utxoracle/pkg/models"
)

// MaxRecentPoints bounds MempoolUpdate.RecentPoints, per spec.md §6 ("at
// most N ≈ 500").
const MaxRecentPoints = 500

// Publisher decides when to emit a MempoolUpdate and fans it out to every
// current subscriber. It is the sole owner of the recent-points ring buffer
// and the throttle/material-change state; one Publisher serves the whole
// process.
type Publisher struct {
	mu sync.Mutex

	minInterval         time.Duration
	materialChangeRatio float64

	haveLast   bool
	lastSent   models.MempoolUpdate
	lastSentAt time.Time

	recent []models.RecentPoint

	subs map[chan models.MempoolUpdate]struct{}
}

// New constructs a Publisher. minInterval and materialChangeRatio correspond
// to spec.md §6's publisher.min_interval_ms and
// publisher.material_change_ratio.
func New(minInterval time.Duration, materialChangeRatio float64) *Publisher {
	return &Publisher{
		minInterval:         minInterval,
		materialChangeRatio: materialChangeRatio,
		subs:                make(map[chan models.MempoolUpdate]struct{}),
	}
}

// Subscribe returns a channel that receives the latest published update.
// The channel is buffered with capacity 1; Unsubscribe must be called when
// the subscriber is done to avoid leaking the registration.
func (p *Publisher) Subscribe() chan models.MempoolUpdate {
	ch := make(chan models.MempoolUpdate, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	return ch
}

// Unsubscribe removes ch from the fan-out set and closes it.
func (p *Publisher) Unsubscribe(ch chan models.MempoolUpdate) {
	p.mu.Lock()
	delete(p.subs, ch)
	p.mu.Unlock()
	close(ch)
}

// ShouldEmit reports whether, as of now with the given live price, a new
// update should be published: either the throttle floor has elapsed, or the
// live price moved by more than materialChangeRatio since the last emission
// — "whichever is earlier" per spec.md §4.7.
func (p *Publisher) ShouldEmit(now time.Time, livePrice float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldEmitLocked(now, livePrice)
}

func (p *Publisher) shouldEmitLocked(now time.Time, livePrice float64) bool {
	if !p.haveLast {
		return true
	}
	if now.Sub(p.lastSentAt) >= p.minInterval {
		return true
	}
	if p.lastSent.LivePrice <= 0 {
		return livePrice > 0
	}
	delta := (livePrice - p.lastSent.LivePrice) / p.lastSent.LivePrice
	if delta < 0 {
		delta = -delta
	}
	return delta > p.materialChangeRatio
}

// Publish evaluates ShouldEmit and, if due, records update into the
// recent-points ring buffer and fans it out to every subscriber. It always
// returns the update actually recorded as "current" (either the freshly
// published one or, if throttled, the previously published one), so callers
// have a value to log regardless.
func (p *Publisher) Publish(now time.Time, update models.MempoolUpdate) (emitted models.MempoolUpdate, didEmit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.shouldEmitLocked(now, update.LivePrice) {
		return p.lastSent, false
	}

	update.AsOf = now
	p.recent = append(p.recent, models.RecentPoint{
		Timestamp: now,
		Price:     update.LivePrice,
		SizeHint:  len(update.RecentPoints),
	})
	if len(p.recent) > MaxRecentPoints {
		p.recent = p.recent[len(p.recent)-MaxRecentPoints:]
	}
	update.RecentPoints = append([]models.RecentPoint(nil), p.recent...)

	p.lastSent = update
	p.lastSentAt = now
	p.haveLast = true

	for ch := range p.subs {
		select {
		case ch <- update:
		default:
			// Coalesce: drop the stale pending value and install the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
		}
	}

	return update, true
}
