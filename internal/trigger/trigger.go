// Package trigger implements the stateless due-ness predicate shared by the
// server's dispatcher (immediate/one-shot tasks) and the agent's local task
// runner (all trigger types).
package trigger

import (
	"strconv"
	"strings"
	"time"
)

// Type enumerates the trigger kinds a Task may carry.
type Type string

const (
	Now      Type = "now"
	Once     Type = "once"
	Interval Type = "interval"
	Cron     Type = "cron"
	Event    Type = "event"
)

// Task is the minimal set of fields the predicate needs. Callers on either
// side adapt their richer task records down to this shape.
type Task struct {
	TriggerType     Type
	ScheduledAt     *time.Time // once
	IntervalSeconds int        // interval
	CronExpr        string     // cron: "minute hour dom month weekday", only minute/hour/weekday honored
	LastRun         *time.Time
}

// IsDue reports whether the task should fire at now. It never panics and
// never returns true for a malformed cron expression.
func IsDue(t Task, now time.Time) bool {
	switch t.TriggerType {
	case Now:
		return true
	case Once:
		return t.ScheduledAt != nil && !now.Before(*t.ScheduledAt)
	case Interval:
		if t.IntervalSeconds <= 0 {
			return false
		}
		if t.LastRun == nil {
			return true
		}
		return now.Sub(*t.LastRun) >= time.Duration(t.IntervalSeconds)*time.Second
	case Cron:
		next, ok := NextFire(t.CronExpr, now)
		if !ok {
			return false
		}
		if now.Before(next) {
			return false
		}
		return t.LastRun == nil || t.LastRun.Before(next)
	case Event:
		// Event-triggered tasks never fire from a time-based scan; the event
		// watcher runs them directly when the watched condition occurs.
		return false
	default:
		return false
	}
}

// cronFields is the parsed minute/hour/weekday fields of a 5-field
// expression. Day-of-month and month are parsed for shape validation only
// and never consulted.
type cronFields struct {
	minutes  []int
	hours    []int
	weekdays []int
}

// NextFire computes the next UTC fire time at or after now for a 5-field
// cron expression (minute hour dom month weekday). Returns ok=false for any
// expression that doesn't parse as exactly 5 fields or contains an
// out-of-range value — callers treat that as "never due".
func NextFire(expr string, now time.Time) (time.Time, bool) {
	fields, ok := parseCron(expr)
	if !ok {
		return time.Time{}, false
	}
	now = now.UTC()

	// Search forward minute-by-minute for up to 8 days (covers any weekday
	// combination), starting at the current minute boundary.
	cursor := now.Truncate(time.Minute)
	for i := 0; i < 8*24*60; i++ {
		if matches(fields, cursor) {
			return cursor, true
		}
		cursor = cursor.Add(time.Minute)
	}
	return time.Time{}, false
}

func matches(f cronFields, t time.Time) bool {
	return containsInt(f.minutes, t.Minute()) &&
		containsInt(f.hours, t.Hour()) &&
		containsInt(f.weekdays, int(t.Weekday()))
}

func containsInt(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

func parseCron(expr string) (cronFields, bool) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronFields{}, false
	}

	minutes, ok := parseField(fields[0], 0, 59)
	if !ok {
		return cronFields{}, false
	}
	hours, ok := parseField(fields[1], 0, 23)
	if !ok {
		return cronFields{}, false
	}
	// fields[2] (dom) and fields[3] (month) are parsed for validity but
	// discarded: only minute/hour/weekday are honored.
	if _, ok := parseField(fields[2], 1, 31); !ok {
		return cronFields{}, false
	}
	if _, ok := parseField(fields[3], 1, 12); !ok {
		return cronFields{}, false
	}
	weekdays, ok := parseField(fields[4], 0, 7)
	if !ok {
		return cronFields{}, false
	}
	// Both 0 and 7 mean Sunday in common cron dialects.
	for i, d := range weekdays {
		if d == 7 {
			weekdays[i] = 0
		}
	}

	return cronFields{minutes: minutes, hours: hours, weekdays: weekdays}, true
}

// parseField expands "*", "a,b,c", "a-b", and "*/n" into the concrete set of
// values in [lo, hi]. Returns ok=false on anything it can't confidently
// parse rather than guessing.
func parseField(f string, lo, hi int) ([]int, bool) {
	if f == "*" {
		return rangeInts(lo, hi), true
	}

	var out []int
	for _, part := range strings.Split(f, ",") {
		if part == "" {
			return nil, false
		}
		if strings.HasPrefix(part, "*/") {
			step, err := strconv.Atoi(part[2:])
			if err != nil || step <= 0 {
				return nil, false
			}
			for v := lo; v <= hi; v += step {
				out = append(out, v)
			}
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil || a > b || a < lo || b > hi {
				return nil, false
			}
			for v := a; v <= b; v++ {
				out = append(out, v)
			}
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil || v < lo || v > hi {
			return nil, false
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func rangeInts(lo, hi int) []int {
	out := make([]int, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		out = append(out, v)
	}
	return out
}
