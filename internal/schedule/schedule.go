// Package schedule computes when an approved auto-send may go out, given a
// workspace delay policy and an optional daily send window.
package schedule

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// DelayType selects how the send delay is chosen.
type DelayType string

const (
	DelayExact  DelayType = "exact"
	DelayRandom DelayType = "random"
)

// Policy is the workspace delay and window configuration. Window bounds are
// "HH:MM" in Timezone; an empty or zero-length window means any time is
// allowed. A window whose end is before its start wraps past midnight.
type Policy struct {
	DelayType   DelayType
	DelayMin    int // minutes
	DelayMax    int // minutes
	WindowStart string
	WindowEnd   string
	Timezone    string
}

// Window is a parsed daily send window in minutes after midnight.
type Window struct {
	Start, End int
}

// Open reports whether the window restricts nothing.
func (w Window) Open() bool {
	return w.Start == w.End
}

// Contains reports whether local wall-clock t is inside [Start, End).
func (w Window) Contains(t time.Time) bool {
	if w.Open() {
		return true
	}
	sec := t.Hour()*3600 + t.Minute()*60 + t.Second()
	start, end := w.Start*60, w.End*60
	if start < end {
		return sec >= start && sec < end
	}
	return sec >= start || sec < end
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("schedule: invalid clock %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("schedule: invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 || len(m) != 2 {
		return 0, fmt.Errorf("schedule: invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}

// ParseWindow parses a start/end pair. Either bound empty means no window.
func ParseWindow(start, end string) (Window, error) {
	if strings.TrimSpace(start) == "" || strings.TrimSpace(end) == "" {
		return Window{}, nil
	}
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

// Delay returns the configured delay. Random delays draw a uniform integer
// minute count in [DelayMin, DelayMax] from rng.
func Delay(p Policy, rng *rand.Rand) (time.Duration, error) {
	if p.DelayMin < 0 {
		return 0, fmt.Errorf("schedule: negative delay %d", p.DelayMin)
	}
	switch p.DelayType {
	case DelayExact, "":
		return time.Duration(p.DelayMin) * time.Minute, nil
	case DelayRandom:
		if p.DelayMax < p.DelayMin {
			return 0, fmt.Errorf("schedule: delay max %d below min %d", p.DelayMax, p.DelayMin)
		}
		if rng == nil {
			return 0, fmt.Errorf("schedule: random delay needs a random source")
		}
		minutes := p.DelayMin + rng.Intn(p.DelayMax-p.DelayMin+1)
		return time.Duration(minutes) * time.Minute, nil
	default:
		return 0, fmt.Errorf("schedule: unknown delay type %q", p.DelayType)
	}
}

// Next returns the time a send decided at now should be dispatched, in UTC.
// When now plus the delay falls outside the window it moves to the next
// window start in the workspace timezone.
func Next(now time.Time, p Policy, rng *rand.Rand) (time.Time, error) {
	loc, err := loadLocation(p.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	window, err := ParseWindow(p.WindowStart, p.WindowEnd)
	if err != nil {
		return time.Time{}, err
	}
	delay, err := Delay(p, rng)
	if err != nil {
		return time.Time{}, err
	}

	at := now.Add(delay).In(loc)
	if window.Contains(at) {
		return at.UTC(), nil
	}
	return NextWindowStart(at, window).UTC(), nil
}

// NextWindowStart returns the first window opening strictly after t, in t's
// location.
func NextWindowStart(t time.Time, w Window) time.Time {
	y, m, d := t.Date()
	start := time.Date(y, m, d, w.Start/60, w.Start%60, 0, 0, t.Location())
	if !start.After(t) {
		start = time.Date(y, m, d+1, w.Start/60, w.Start%60, 0, 0, t.Location())
	}
	return start
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
