package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  Kind
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron},
		{name: "descriptor", raw: "@hourly", kind: KindCron},
		{name: "duration", raw: "10m", kind: KindInterval, every: 10 * time.Minute},
		{name: "bare seconds", raw: "60", kind: KindInterval, every: time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, every: 45 * time.Second},
		{name: "every prefix", raw: "every:2h30m", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == KindInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		"",
		"not-a-schedule",
		"* * * *",         // four fields
		"* * * * * * *",   // seven fields
		"61 * * * *",      // minute out of range
		"* 25 * * *",      // hour out of range
		"-5m",             // negative interval
		"0",               // zero interval
		"interval:",       // empty interval
		"cron:",           // empty cron
	} {
		_, err := Parse(raw)
		if err == nil {
			t.Fatalf("Parse(%q): expected error", raw)
		}
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("Parse(%q): error %v does not wrap ErrInvalid", raw, err)
		}
	}
}

func TestIntervalNext(t *testing.T) {
	t.Parallel()
	spec, err := Parse("60")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)

	// Never run: due immediately.
	if got := spec.Next(time.Time{}, now); !got.Equal(now) {
		t.Fatalf("Next(zero) = %v, want %v", got, now)
	}
	if !spec.Due(time.Time{}, now) {
		t.Fatal("never-run interval bot should be due")
	}

	// Exactly last + interval, independent of now.
	last := time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC)
	want := last.Add(60 * time.Second)
	if got := spec.Next(last, now); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
	if !spec.Due(last, now) {
		t.Fatal("expected due: last+60s is in the past")
	}

	// Not yet due.
	recent := now.Add(-30 * time.Second)
	if spec.Due(recent, now) {
		t.Fatal("expected not due: only 30s elapsed")
	}
}

func TestCronNext(t *testing.T) {
	t.Parallel()
	spec, err := Parse("*/15 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 7, 0, 0, time.UTC)

	// Never run: strictly after now and on a 15-minute boundary.
	got := spec.Next(time.Time{}, now)
	if !got.After(now) {
		t.Fatalf("Next = %v, not strictly after now %v", got, now)
	}
	if got.Minute()%15 != 0 || got.Second() != 0 {
		t.Fatalf("Next = %v does not satisfy */15 minute field", got)
	}

	// Idempotent for the same inputs.
	if again := spec.Next(time.Time{}, now); !again.Equal(got) {
		t.Fatalf("Next not idempotent: %v vs %v", again, got)
	}

	// A slot passed since the last attempt: due.
	last := now.Add(-20 * time.Minute)
	if !spec.Due(last, now) {
		t.Fatal("expected due: a */15 slot passed since last attempt")
	}
}

func TestCronNextCalendarStep(t *testing.T) {
	t.Parallel()
	// Midnight on the 31st only fires in months that have one.
	spec, err := Parse("0 0 31 * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	got := spec.Next(time.Time{}, now)
	want := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v (February skipped)", got, want)
	}
}

func TestSpecString(t *testing.T) {
	t.Parallel()
	cronSpec, _ := Parse("*/5 * * * *")
	if cronSpec.String() != "*/5 * * * *" {
		t.Fatalf("String = %q", cronSpec.String())
	}
	iv, _ := Parse("90s")
	if iv.String() != "every 1m30s" {
		t.Fatalf("String = %q", iv.String())
	}
}
