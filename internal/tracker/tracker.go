// Package tracker implements the per-host sliding-window request counter
// used to adapt the idle timeout to recent traffic.
package tracker

import (
	"sync"
	"time"
)

const (
	windowShort = 5 * time.Minute
	windowLong  = 30 * time.Minute
	maxBuckets  = 30 // 30 one-minute buckets cover the long window
)

type bucket struct {
	epochMinute int64
	count       int64
}

// Tracker is a minute-bucketed request counter, at most one bucket per
// minute, evicting anything older than the long window. Safe for concurrent
// use without any outside lock; the lifecycle controller calls it without
// holding the host's lock.
type Tracker struct {
	mu      sync.Mutex
	buckets []bucket // oldest first, at most maxBuckets entries
	now     func() time.Time
}

// New returns an empty Tracker using wall-clock time.
func New() *Tracker {
	return &Tracker{now: time.Now}
}

// Record increments the current minute's bucket, creating it if the newest
// bucket belongs to an earlier minute, and evicts buckets older than the
// long window from the front.
func (t *Tracker) Record() {
	t.mu.Lock()
	defer t.mu.Unlock()

	minute := t.now().Unix() / 60
	n := len(t.buckets)
	if n > 0 && t.buckets[n-1].epochMinute == minute {
		t.buckets[n-1].count++
	} else {
		t.buckets = append(t.buckets, bucket{epochMinute: minute, count: 1})
	}
	t.evictLocked(minute)
}

func (t *Tracker) evictLocked(nowMinute int64) {
	cutoff := nowMinute - int64(windowLong/time.Minute)
	i := 0
	for i < len(t.buckets) && t.buckets[i].epochMinute <= cutoff {
		i++
	}
	if i > 0 {
		t.buckets = append([]bucket(nil), t.buckets[i:]...)
	}
	if len(t.buckets) > maxBuckets {
		t.buckets = t.buckets[len(t.buckets)-maxBuckets:]
	}
}

// Rates returns (short_rpm, long_rpm): total requests within the last 5 and
// 30 minutes respectively, divided by the window length in minutes.
func (t *Tracker) Rates() (shortRPM, longRPM float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	minute := t.now().Unix() / 60
	shortCutoff := minute - int64(windowShort/time.Minute)
	longCutoff := minute - int64(windowLong/time.Minute)

	var shortSum, longSum int64
	for _, b := range t.buckets {
		if b.epochMinute > longCutoff {
			longSum += b.count
		}
		if b.epochMinute > shortCutoff {
			shortSum += b.count
		}
	}

	shortRPM = float64(shortSum) / windowShort.Minutes()
	longRPM = float64(longSum) / windowLong.Minutes()
	return shortRPM, longRPM
}

// EffectiveWait implements the adaptive_wait smoothstep curve of spec.md
// §4.4.3 step 2. r is the request rate in requests/minute, as returned by
// Rates (callers pass max(shortRPM, longRPM)).
func EffectiveWait(r, lowReqPerHour, highReqPerHour float64, minWait, maxWait time.Duration) time.Duration {
	lo := lowReqPerHour / 60
	hi := highReqPerHour / 60

	var t float64
	if hi > lo {
		t = (r - lo) / (hi - lo)
	}
	t = clamp(t, 0, 1)
	f := t * t * (3 - 2*t) // smoothstep

	span := float64(maxWait - minWait)
	return minWait + time.Duration(span*f)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
