package monitoring

// Limiter rate-limits repeated warnings per key. Time is supplied by the caller
// (sample timestamps in ms) so replayed streams log identically.
//
// Not safe for concurrent use.
type Limiter struct {
	intervalMs int64
	last       map[string]int64
	suppressed map[string]int
}

// NewLimiter allows one message per key every intervalMs.
func NewLimiter(intervalMs int64) *Limiter {
	return &Limiter{
		intervalMs: intervalMs,
		last:       make(map[string]int64),
		suppressed: make(map[string]int),
	}
}

// Allow reports whether a message for key may be emitted at nowMs. When it
// returns true, suppressed is the number of messages dropped since the last
// allowed one.
func (l *Limiter) Allow(key string, nowMs int64) (ok bool, suppressed int) {
	if l == nil {
		return true, 0
	}
	prev, seen := l.last[key]
	if seen && nowMs-prev < l.intervalMs && nowMs >= prev {
		l.suppressed[key]++
		return false, 0
	}
	l.last[key] = nowMs
	suppressed = l.suppressed[key]
	delete(l.suppressed, key)
	return true, suppressed
}

// Warnf logs through Logf when Allow permits it.
func (l *Limiter) Warnf(key string, nowMs int64, format string, v ...interface{}) {
	ok, dropped := l.Allow(key, nowMs)
	if !ok {
		return
	}
	if dropped > 0 {
		format += " (%d similar suppressed)"
		v = append(v, dropped)
	}
	Logf(format, v...)
}

// Reset forgets all keys.
func (l *Limiter) Reset() {
	if l == nil {
		return
	}
	clear(l.last)
	clear(l.suppressed)
}
