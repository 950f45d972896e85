package events

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot field names used in diffs and changelog summaries.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldLocation    = "location"
	FieldStart       = "start_s"
	FieldEnd         = "end_s"
	FieldRecurrence  = "recurrence"
	FieldDeleted     = "deleted"
)

// FieldChange records the before and after values of one snapshot field.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Diff is a field-by-field structural comparison of two snapshots of the same
// event. It is always derived on demand, never stored.
type Diff map[string]FieldChange

// Empty reports whether no field differs.
func (d Diff) Empty() bool {
	return len(d) == 0
}

// Fields returns the changed field names in stable order.
func (d Diff) Fields() []string {
	fields := make([]string, 0, len(d))
	for name := range d {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}

// Invert returns the diff describing the reverse transition.
func (d Diff) Invert() Diff {
	inverted := make(Diff, len(d))
	for name, change := range d {
		inverted[name] = FieldChange{From: change.To, To: change.From}
	}
	return inverted
}

// ComputeDiff compares two snapshots field by field. The comparison is always
// a full structural one between the two endpoints, never a chain of
// incremental diffs, so non-adjacent versions cannot accumulate drift.
func ComputeDiff(from, to Snapshot) Diff {
	diff := make(Diff)
	if from.Title != to.Title {
		diff[FieldTitle] = FieldChange{From: from.Title, To: to.Title}
	}
	if from.Description != to.Description {
		diff[FieldDescription] = FieldChange{From: from.Description, To: to.Description}
	}
	if from.Location != to.Location {
		diff[FieldLocation] = FieldChange{From: from.Location, To: to.Location}
	}
	if from.StartAtSeconds != to.StartAtSeconds {
		diff[FieldStart] = FieldChange{From: from.StartAtSeconds, To: to.StartAtSeconds}
	}
	if from.EndAtSeconds != to.EndAtSeconds {
		diff[FieldEnd] = FieldChange{From: from.EndAtSeconds, To: to.EndAtSeconds}
	}
	if !recurrenceEqual(from.Recurrence, to.Recurrence) {
		diff[FieldRecurrence] = FieldChange{From: from.Recurrence, To: to.Recurrence}
	}
	if from.Deleted != to.Deleted {
		diff[FieldDeleted] = FieldChange{From: from.Deleted, To: to.Deleted}
	}
	return diff
}

func recurrenceEqual(a, b *Recurrence) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	left, errLeft := json.Marshal(a)
	right, errRight := json.Marshal(b)
	if errLeft != nil || errRight != nil {
		return false
	}
	return string(left) == string(right)
}

func encodeSnapshot(snapshot Snapshot) (string, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("events: encode snapshot: %w", err)
	}
	return string(payload), nil
}

func decodeSnapshot(payload string) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("events: decode snapshot: %w", err)
	}
	return snapshot, nil
}
