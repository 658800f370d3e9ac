package clock

import (
	"sync"
	"time"
)

// Clock abstracts time so tests can control expiry and reuse-interval
// behavior without sleeping.
type Clock interface {
	// Now returns the current time
	Now() time.Time
}

// Ticker invokes a callback on a fixed interval until stopped.
type Ticker interface {
	// Start begins invoking fn on the interval. It returns immediately.
	Start(fn func())
	// Stop halts the ticker. Safe to call more than once.
	Stop()
}

// SystemClock uses the real system clock
type SystemClock struct{}

// NewSystemClock creates a clock that uses the real system time
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Now returns the current system time
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// Ticker returns a ticker backed by time.Ticker
func (c *SystemClock) Ticker(interval time.Duration) Ticker {
	return &systemTicker{interval: interval}
}

type systemTicker struct {
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

func (t *systemTicker) Start(fn func()) {
	t.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (t *systemTicker) Stop() {
	t.once.Do(func() {
		if t.stop != nil {
			close(t.stop)
		}
	})
}

// FixtureClock is a controllable clock for testing.
// It allows tests to set specific times and advance time programmatically.
type FixtureClock struct {
	mu          sync.Mutex
	currentTime time.Time
}

// NewFixtureClock creates a fixture clock starting at the given time.
// If zero time is provided, uses time.Now().
func NewFixtureClock(startTime time.Time) *FixtureClock {
	if startTime.IsZero() {
		startTime = time.Now()
	}
	return &FixtureClock{
		currentTime: startTime,
	}
}

// Now returns the current fixture time
func (c *FixtureClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTime
}

// Set sets the fixture clock to a specific time
func (c *FixtureClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTime = t
}

// Advance moves the fixture clock forward by the given duration
func (c *FixtureClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTime = c.currentTime.Add(d)
}
