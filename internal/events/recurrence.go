package events

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	defaultHorizon        = 365 * 24 * time.Hour
	defaultMaxOccurrences = 1000
)

// Interval is one concrete half-open [start, end) occurrence window.
type Interval struct {
	StartAtSeconds int64
	EndAtSeconds   int64
}

// Overlaps applies half-open interval semantics: an event ending exactly when
// another starts does not overlap it.
func (i Interval) Overlaps(other Interval) bool {
	return i.StartAtSeconds < other.EndAtSeconds && other.StartAtSeconds < i.EndAtSeconds
}

// Expander turns recurrence rules into bounded occurrence lists. Expansion is
// capped both by the horizon window and by an occurrence count so a single
// request cannot trigger unbounded work.
type Expander struct {
	Horizon        time.Duration
	MaxOccurrences int
}

// NewExpander constructs an Expander, substituting defaults for zero values.
func NewExpander(horizon time.Duration, maxOccurrences int) Expander {
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	if maxOccurrences <= 0 {
		maxOccurrences = defaultMaxOccurrences
	}
	return Expander{Horizon: horizon, MaxOccurrences: maxOccurrences}
}

// Occurrences expands the snapshot into concrete intervals overlapping the
// half-open window [windowStart, windowEnd). Non-recurring events yield at
// most one interval.
func (e Expander) Occurrences(snapshot Snapshot, window Interval) ([]Interval, error) {
	base := Interval{StartAtSeconds: snapshot.StartAtSeconds, EndAtSeconds: snapshot.EndAtSeconds}
	if snapshot.Recurrence == nil {
		if base.Overlaps(window) {
			return []Interval{base}, nil
		}
		return nil, nil
	}

	rule, err := buildRule(snapshot)
	if err != nil {
		return nil, err
	}

	duration := snapshot.EndAtSeconds - snapshot.StartAtSeconds
	// Widen the query so occurrences starting before the window but still
	// running into it are included.
	after := time.Unix(window.StartAtSeconds-duration, 0).UTC()
	before := time.Unix(window.EndAtSeconds, 0).UTC()
	starts := rule.Between(after, before, true)
	if len(starts) > e.MaxOccurrences {
		return nil, fmt.Errorf("%w: %d occurrences exceed cap of %d",
			ErrHorizonExceeded, len(starts), e.MaxOccurrences)
	}

	excluded := make(map[int64]struct{}, len(snapshot.Recurrence.ExceptionsSeconds))
	for _, exception := range snapshot.Recurrence.ExceptionsSeconds {
		excluded[exception] = struct{}{}
	}

	intervals := make([]Interval, 0, len(starts))
	for _, start := range starts {
		startSeconds := start.UTC().Unix()
		if _, skip := excluded[startSeconds]; skip {
			continue
		}
		occurrence := Interval{StartAtSeconds: startSeconds, EndAtSeconds: startSeconds + duration}
		if occurrence.Overlaps(window) {
			intervals = append(intervals, occurrence)
		}
	}
	return intervals, nil
}

// HorizonWindow derives the bounded evaluation window anchored at the
// candidate's first start.
func (e Expander) HorizonWindow(snapshot Snapshot) Interval {
	start := snapshot.StartAtSeconds
	return Interval{
		StartAtSeconds: start,
		EndAtSeconds:   start + int64(e.Horizon/time.Second),
	}
}

func buildRule(snapshot Snapshot) (*rrule.RRule, error) {
	recurrence := snapshot.Recurrence
	option := rrule.ROption{
		Dtstart: time.Unix(snapshot.StartAtSeconds, 0).UTC(),
	}

	switch recurrence.Frequency {
	case FrequencyDaily:
		option.Freq = rrule.DAILY
	case FrequencyWeekly:
		option.Freq = rrule.WEEKLY
	case FrequencyMonthly:
		option.Freq = rrule.MONTHLY
	case FrequencyYearly:
		option.Freq = rrule.YEARLY
	default:
		return nil, fmt.Errorf("%w: unknown recurrence frequency %q", ErrInvalidSnapshot, recurrence.Frequency)
	}

	if recurrence.Interval > 0 {
		option.Interval = recurrence.Interval
	}
	for _, weekday := range recurrence.Weekdays {
		rruleWeekday, err := toRRuleWeekday(weekday)
		if err != nil {
			return nil, err
		}
		option.Byweekday = append(option.Byweekday, rruleWeekday)
	}

	switch recurrence.EndPolicy {
	case RecurrenceEndCount:
		option.Count = recurrence.Count
	case RecurrenceEndUntil:
		option.Until = time.Unix(recurrence.UntilSeconds, 0).UTC()
	}

	rule, err := rrule.NewRRule(option)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return rule, nil
}

func toRRuleWeekday(weekday time.Weekday) (rrule.Weekday, error) {
	switch weekday {
	case time.Monday:
		return rrule.MO, nil
	case time.Tuesday:
		return rrule.TU, nil
	case time.Wednesday:
		return rrule.WE, nil
	case time.Thursday:
		return rrule.TH, nil
	case time.Friday:
		return rrule.FR, nil
	case time.Saturday:
		return rrule.SA, nil
	case time.Sunday:
		return rrule.SU, nil
	default:
		return rrule.Weekday{}, fmt.Errorf("%w: unknown weekday %d", ErrInvalidSnapshot, weekday)
	}
}
