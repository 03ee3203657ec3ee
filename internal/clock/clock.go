// Package clock provides the time abstraction shared by the engine and
// the bar aggregators. One interface, two implementations: LiveClock
// drives timers from the wall clock, TestClock is advanced manually for
// deterministic replay. Code written against Clock behaves identically
// in both modes given identical input timestamps.
package clock

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimeEvent is emitted when a timer fires. Events carry the scheduled
// fire time, not the time the callback ran.
type TimeEvent struct {
	Name string
	ID   uuid.UUID
	At   time.Time
}

// Handler receives fired time events. Live timers invoke it from a timer
// goroutine; the receiver is responsible for routing the event onto its
// own processing path.
type Handler func(ev TimeEvent)

// Clock schedules named timers and reports the current time.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// SetTimeAlert schedules a one-shot event at the given time. An
	// alert in the past fires at the next opportunity.
	SetTimeAlert(name string, at time.Time) error

	// SetTimer schedules a repeating event every interval, first firing
	// at start (or at Now+interval when start is zero).
	SetTimer(name string, interval time.Duration, start time.Time) error

	// CancelTimer cancels a named timer; unknown names are a no-op.
	CancelTimer(name string)

	// CancelTimers cancels all timers.
	CancelTimers()

	// TimerNames returns the names of active timers.
	TimerNames() []string
}

type timer struct {
	name     string
	nextAt   time.Time
	interval time.Duration // zero for one-shot alerts
	live     *time.Timer   // live clock only
}

func validateTimer(name string, interval time.Duration, repeating bool) error {
	if name == "" {
		return fmt.Errorf("timer name must not be empty")
	}
	if repeating && interval <= 0 {
		return fmt.Errorf("timer %q interval must be positive, got %s", name, interval)
	}
	return nil
}

// LiveClock schedules timers on the wall clock.
type LiveClock struct {
	mu      sync.Mutex
	handler Handler
	timers  map[string]*timer
}

// NewLiveClock returns a wall-clock driven Clock firing events into the
// given handler.
func NewLiveClock(handler Handler) *LiveClock {
	return &LiveClock{
		handler: handler,
		timers:  make(map[string]*timer),
	}
}

func (c *LiveClock) Now() time.Time { return time.Now().UTC() }

func (c *LiveClock) SetTimeAlert(name string, at time.Time) error {
	if err := validateTimer(name, 0, false); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(name)
	t := &timer{name: name, nextAt: at}
	c.timers[name] = t
	t.live = time.AfterFunc(time.Until(at), func() { c.fire(name) })
	return nil
}

func (c *LiveClock) SetTimer(name string, interval time.Duration, start time.Time) error {
	if err := validateTimer(name, interval, true); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(name)
	if start.IsZero() {
		start = c.Now().Add(interval)
	}
	t := &timer{name: name, nextAt: start, interval: interval}
	c.timers[name] = t
	t.live = time.AfterFunc(time.Until(start), func() { c.fire(name) })
	return nil
}

func (c *LiveClock) fire(name string) {
	c.mu.Lock()
	t, ok := c.timers[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	ev := TimeEvent{Name: t.name, ID: uuid.New(), At: t.nextAt}
	if t.interval > 0 {
		t.nextAt = t.nextAt.Add(t.interval)
		t.live = time.AfterFunc(time.Until(t.nextAt), func() { c.fire(name) })
	} else {
		delete(c.timers, name)
	}
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(ev)
	}
}

func (c *LiveClock) CancelTimer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(name)
}

func (c *LiveClock) cancelLocked(name string) {
	if t, ok := c.timers[name]; ok {
		if t.live != nil {
			t.live.Stop()
		}
		delete(c.timers, name)
	}
}

func (c *LiveClock) CancelTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.timers {
		c.cancelLocked(name)
	}
}

func (c *LiveClock) TimerNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.timers))
	for name := range c.timers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TestClock is advanced manually. AdvanceTime returns every event due up
// to the new time in chronological order, so replay produces the same
// timer sequence live operation would.
type TestClock struct {
	mu     sync.Mutex
	now    time.Time
	timers map[string]*timer
}

// NewTestClock returns a manual clock starting at the given time.
func NewTestClock(start time.Time) *TestClock {
	return &TestClock{
		now:    start.UTC(),
		timers: make(map[string]*timer),
	}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *TestClock) SetTimeAlert(name string, at time.Time) error {
	if err := validateTimer(name, 0, false); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers[name] = &timer{name: name, nextAt: at.UTC()}
	return nil
}

func (c *TestClock) SetTimer(name string, interval time.Duration, start time.Time) error {
	if err := validateTimer(name, interval, true); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if start.IsZero() {
		start = c.now.Add(interval)
	}
	c.timers[name] = &timer{name: name, nextAt: start.UTC(), interval: interval}
	return nil
}

func (c *TestClock) CancelTimer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, name)
}

func (c *TestClock) CancelTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = make(map[string]*timer)
}

func (c *TestClock) TimerNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.timers))
	for name := range c.timers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AdvanceTime moves the clock forward to the given time and returns all
// events due in [previous now, to], ordered by fire time then name.
// Moving backwards is a programming error and panics.
func (c *TestClock) AdvanceTime(to time.Time) []TimeEvent {
	to = to.UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if to.Before(c.now) {
		panic(fmt.Sprintf("clock: cannot advance backwards from %s to %s", c.now, to))
	}

	var events []TimeEvent
	for _, t := range c.timers {
		for !t.nextAt.After(to) {
			events = append(events, TimeEvent{Name: t.name, ID: uuid.New(), At: t.nextAt})
			if t.interval <= 0 {
				break
			}
			t.nextAt = t.nextAt.Add(t.interval)
		}
	}
	for name, t := range c.timers {
		if t.interval <= 0 && !t.nextAt.After(to) {
			delete(c.timers, name)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].At.Equal(events[j].At) {
			return events[i].At.Before(events[j].At)
		}
		return events[i].Name < events[j].Name
	})
	c.now = to
	return events
}
