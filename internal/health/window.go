package health

import "time"

// Window names a rolling uptime window.
type Window struct {
	Name   string
	Length time.Duration
}

// bucketsPerWindow is the resolution of every rolling window.
const bucketsPerWindow = 60

type bucket struct {
	index int64
	up    int64
	total int64
}

// rolling counts up samples over a sliding window of fixed-size buckets.
type rolling struct {
	name    string
	width   time.Duration
	buckets [bucketsPerWindow]bucket
}

func newRolling(w Window) *rolling {
	width := w.Length / bucketsPerWindow
	if width <= 0 {
		width = time.Second
	}
	return &rolling{name: w.Name, width: width}
}

func (r *rolling) add(at time.Time, up bool) {
	idx := at.UnixNano() / int64(r.width)
	b := &r.buckets[idx%bucketsPerWindow]
	if b.index != idx {
		*b = bucket{index: idx}
	}
	b.total++
	if up {
		b.up++
	}
}

// ratio returns the share of up samples in the window ending at now, in
// percent. ok is false when the window has no samples.
func (r *rolling) ratio(now time.Time) (pct float64, ok bool) {
	idx := now.UnixNano() / int64(r.width)
	var up, total int64
	for _, b := range r.buckets {
		if b.total == 0 || b.index > idx || b.index <= idx-bucketsPerWindow {
			continue
		}
		up += b.up
		total += b.total
	}
	if total == 0 {
		return 0, false
	}
	return float64(up) * 100 / float64(total), true
}
