// Package schedule parses bot schedule descriptors and computes next due times.
//
// A descriptor is either a five-field cron expression or a fixed interval.
// Parsing/validation happens when a bot is created or edited; evaluation
// (Next) assumes a valid Spec and never fails.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalid is wrapped by all parse failures so callers can map them to a
// schedule_invalid response without inspecting message text.
var ErrInvalid = errors.New("invalid schedule")

// Kind describes the normalized kind of a schedule descriptor.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Five-field cron (minute .. day-of-week) plus @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Spec is a parsed schedule descriptor. Exactly one variant is populated.
//
// Next is pure and deterministic for a given (last, now) pair: the cron
// stepping (including month-end and leap-year handling, and the standard
// day-of-month/day-of-week OR semantics) is delegated to robfig/cron.
type Spec struct {
	Kind  Kind
	Cron  string
	Every time.Duration

	sched cron.Schedule // non-nil iff Kind == KindCron
}

// Parse parses a schedule descriptor string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 9 * * 1-5", "@hourly"
//   - Interval: "90s", "2h30m", bare integer seconds ("60"),
//     or with an explicit "interval:"/"every:" prefix
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("%w: empty descriptor", ErrInvalid)
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			return parseInterval(strings.TrimSpace(s[len(p):]))
		}
	}

	// Any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	return parseInterval(s)
}

func parseCron(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("%w: empty cron expression", ErrInvalid)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: cron %q: %v", ErrInvalid, expr, err)
	}
	return Spec{Kind: KindCron, Cron: expr, sched: sched}, nil
}

func parseInterval(v string) (Spec, error) {
	if v == "" {
		return Spec{}, fmt.Errorf("%w: empty interval", ErrInvalid)
	}
	// Bare integer = seconds.
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return Spec{}, fmt.Errorf("%w: interval must be > 0", ErrInvalid)
		}
		return Spec{Kind: KindInterval, Every: time.Duration(n) * time.Second}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: interval %q (use seconds like '90' or a duration like '2h30m')", ErrInvalid, v)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("%w: interval must be > 0", ErrInvalid)
	}
	return Spec{Kind: KindInterval, Every: d}, nil
}

// Next computes the next due time.
//
// Interval: last attempt + interval; a zero last means never run, due now.
// Cron: the earliest time strictly after the last attempt satisfying all five
// fields. A bot whose cron slot passed since its last attempt therefore
// reports a next due time in the past, i.e. due. Callers must supply a real
// anchor for never-run cron bots (the scheduler uses bot creation time); a
// zero last falls back to "after now", which is never due.
func (s Spec) Next(last, now time.Time) time.Time {
	switch s.Kind {
	case KindInterval:
		if last.IsZero() {
			return now
		}
		return last.Add(s.Every)
	case KindCron:
		if s.sched == nil {
			// Spec built without Parse; report "never due" rather than
			// lazily re-parsing and hiding the bug.
			return time.Time{}
		}
		base := last
		if base.IsZero() || base.After(now) {
			base = now
		}
		return s.sched.Next(base)
	default:
		return time.Time{}
	}
}

// Due reports whether the spec is due at now given the last attempt time.
func (s Spec) Due(last, now time.Time) bool {
	next := s.Next(last, now)
	if next.IsZero() {
		return false
	}
	return !next.After(now)
}

func (s Spec) String() string {
	if s.Kind == KindCron {
		return s.Cron
	}
	return "every " + s.Every.String()
}
