package events

import (
	"errors"
	"testing"
	"time"
)

func TestIntervalOverlapsHalfOpen(t *testing.T) {
	backToBack := Interval{StartAtSeconds: 3600, EndAtSeconds: 7200}
	if (Interval{StartAtSeconds: 0, EndAtSeconds: 3600}).Overlaps(backToBack) {
		t.Fatalf("touching intervals must not overlap under half-open semantics")
	}
	if !(Interval{StartAtSeconds: 0, EndAtSeconds: 3660}).Overlaps(backToBack) {
		t.Fatalf("one minute of shared time must overlap")
	}
}

func TestExpanderSingleOccurrence(t *testing.T) {
	expander := NewExpander(0, 0)
	snapshot := baseSnapshot("dentist", 1700000000, 1700003600)

	occurrences, err := expander.Occurrences(snapshot, Interval{StartAtSeconds: 1700000000, EndAtSeconds: 1700100000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(occurrences) != 1 {
		t.Fatalf("expected 1 occurrence, got %d", len(occurrences))
	}
	if occurrences[0].StartAtSeconds != 1700000000 || occurrences[0].EndAtSeconds != 1700003600 {
		t.Fatalf("unexpected occurrence: %#v", occurrences[0])
	}

	outside, err := expander.Occurrences(snapshot, Interval{StartAtSeconds: 1700003600, EndAtSeconds: 1700100000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outside) != 0 {
		t.Fatalf("event ending at window start must not appear, got %#v", outside)
	}
}

func TestExpanderDailyCount(t *testing.T) {
	expander := NewExpander(0, 0)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).Unix()
	snapshot := baseSnapshot("standup", start, start+1800)
	snapshot.Recurrence = &Recurrence{
		Frequency: FrequencyDaily,
		Interval:  1,
		EndPolicy: RecurrenceEndCount,
		Count:     5,
	}

	window := Interval{StartAtSeconds: start, EndAtSeconds: start + 30*24*3600}
	occurrences, err := expander.Occurrences(snapshot, window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(occurrences) != 5 {
		t.Fatalf("expected 5 occurrences, got %d", len(occurrences))
	}
	for index, occurrence := range occurrences {
		wantStart := start + int64(index)*24*3600
		if occurrence.StartAtSeconds != wantStart {
			t.Fatalf("occurrence %d starts at %d, want %d", index, occurrence.StartAtSeconds, wantStart)
		}
		if occurrence.EndAtSeconds != wantStart+1800 {
			t.Fatalf("occurrence %d has wrong duration", index)
		}
	}
}

func TestExpanderSkipsExceptions(t *testing.T) {
	expander := NewExpander(0, 0)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).Unix()
	snapshot := baseSnapshot("standup", start, start+1800)
	snapshot.Recurrence = &Recurrence{
		Frequency:         FrequencyDaily,
		EndPolicy:         RecurrenceEndCount,
		Count:             3,
		ExceptionsSeconds: []int64{start + 24*3600},
	}

	window := Interval{StartAtSeconds: start, EndAtSeconds: start + 10*24*3600}
	occurrences, err := expander.Occurrences(snapshot, window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(occurrences) != 2 {
		t.Fatalf("expected exception to be skipped, got %d occurrences", len(occurrences))
	}
}

func TestExpanderHorizonCap(t *testing.T) {
	expander := NewExpander(365*24*time.Hour, 10)
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC).Unix()
	snapshot := baseSnapshot("standup", start, start+1800)
	snapshot.Recurrence = &Recurrence{Frequency: FrequencyDaily, EndPolicy: RecurrenceEndNever}

	window := expander.HorizonWindow(snapshot)
	if _, err := expander.Occurrences(snapshot, window); !errors.Is(err, ErrHorizonExceeded) {
		t.Fatalf("expected ErrHorizonExceeded, got %v", err)
	}
}

func TestExpanderWeeklyByWeekday(t *testing.T) {
	expander := NewExpander(0, 0)
	// Monday 2026-03-02.
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).Unix()
	snapshot := baseSnapshot("sync", start, start+3600)
	snapshot.Recurrence = &Recurrence{
		Frequency: FrequencyWeekly,
		Weekdays:  []time.Weekday{time.Monday, time.Thursday},
		EndPolicy: RecurrenceEndCount,
		Count:     4,
	}

	window := Interval{StartAtSeconds: start, EndAtSeconds: start + 30*24*3600}
	occurrences, err := expander.Occurrences(snapshot, window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(occurrences) != 4 {
		t.Fatalf("expected 4 occurrences, got %d", len(occurrences))
	}
	for _, occurrence := range occurrences {
		weekday := time.Unix(occurrence.StartAtSeconds, 0).UTC().Weekday()
		if weekday != time.Monday && weekday != time.Thursday {
			t.Fatalf("occurrence on unexpected weekday %s", weekday)
		}
	}
}
