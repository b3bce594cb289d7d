package ratelimit

import (
	"sync"
	"time"

	"github.com/quizforge/quizforge/internal/metrics"
	"github.com/quizforge/quizforge/internal/subscription"
)

// Verdict is the advisory result of a per-user rate check. It is returned
// to the caller before the gate-and-debit protocol begins; a denial never
// costs credits.
type Verdict struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
}

// window counts requests in one fixed interval.
type window struct {
	start time.Time
	count int
}

func (w *window) roll(now time.Time, size time.Duration) {
	if now.Sub(w.start) >= size {
		w.start = now.Truncate(size)
		w.count = 0
	}
}

type userState struct {
	minute   window
	hour     window
	day      window
	lastSeen time.Time
}

// PlanLimiter enforces per-user request budgets taken from the caller's
// plan. Limits are passed in on every check so a plan change takes effect
// on the next request without invalidation.
type PlanLimiter struct {
	mu    sync.Mutex
	users map[string]*userState
	now   func() time.Time
	stop  chan struct{}
}

// NewPlanLimiter creates a per-user limiter and starts its cleanup sweep.
func NewPlanLimiter() *PlanLimiter {
	l := &PlanLimiter{
		users: make(map[string]*userState),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Stop stops the cleanup goroutine.
func (l *PlanLimiter) Stop() {
	close(l.stop)
}

func (l *PlanLimiter) cleanup() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-25 * time.Hour)
			for id, st := range l.users {
				if st.lastSeen.Before(cutoff) {
					delete(l.users, id)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Check consumes one request slot for the user if every window has room.
// Remaining reports the tightest window's headroom after this request;
// ResetTime is when the blocking (or tightest) window rolls over. A zero
// limit means that window is unlimited. Burst widens the minute window
// only, so a short spike passes while the hour and day budgets hold.
func (l *PlanLimiter) Check(userID string, limits subscription.RateLimits) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st, ok := l.users[userID]
	if !ok {
		st = &userState{
			minute: window{start: now.Truncate(time.Minute)},
			hour:   window{start: now.Truncate(time.Hour)},
			day:    window{start: now.Truncate(24 * time.Hour)},
		}
		l.users[userID] = st
	}
	st.lastSeen = now

	st.minute.roll(now, time.Minute)
	st.hour.roll(now, time.Hour)
	st.day.roll(now, 24*time.Hour)

	// Burst buys extra headroom inside a single minute window; the hour
	// and day caps still bound the sustained rate.
	minuteLimit := limits.PerMinute
	if minuteLimit > 0 && limits.Burst > 0 {
		minuteLimit += limits.Burst
	}

	checks := []struct {
		w     *window
		limit int
		size  time.Duration
	}{
		{&st.minute, minuteLimit, time.Minute},
		{&st.hour, limits.PerHour, time.Hour},
		{&st.day, limits.PerDay, 24 * time.Hour},
	}

	remaining := -1
	reset := st.minute.start.Add(time.Minute)
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		if c.w.count >= c.limit {
			metrics.RateLimitRejections.Inc()
			return Verdict{
				Allowed:   false,
				Remaining: 0,
				ResetTime: c.w.start.Add(c.size),
			}
		}
		left := c.limit - c.w.count - 1
		if remaining == -1 || left < remaining {
			remaining = left
			reset = c.w.start.Add(c.size)
		}
	}

	st.minute.count++
	st.hour.count++
	st.day.count++

	if remaining == -1 {
		remaining = 0 // all windows unlimited
	}
	return Verdict{Allowed: true, Remaining: remaining, ResetTime: reset}
}
