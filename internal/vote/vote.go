// Package vote turns a window of detection events into per-label counts and
// a single predicted label. Everything here is a pure function of its input.
package vote

import "github.com/presencewatch/presence-go/internal/detection"

// LabelCount is the share of one label within a window
type LabelCount struct {
	Label      string
	Count      int
	Percentage float64
}

// Tally is the result of one aggregation pass. Counts are ordered by the
// first appearance of each label in the window.
type Tally struct {
	Counts []LabelCount
	Total  int

	predicted int // index into Counts, -1 when the window is empty
}

// Aggregate counts labels in window order. The predicted label has the
// highest count; on a tie the label that appears first in the window wins.
func Aggregate(events []detection.Event) Tally {
	t := Tally{predicted: -1}
	if len(events) == 0 {
		return t
	}

	index := make(map[string]int)
	for i := range events {
		label := events[i].Label
		pos, ok := index[label]
		if !ok {
			pos = len(t.Counts)
			index[label] = pos
			t.Counts = append(t.Counts, LabelCount{Label: label})
		}
		t.Counts[pos].Count++
		t.Total++
	}

	for i := range t.Counts {
		t.Counts[i].Percentage = 100 * float64(t.Counts[i].Count) / float64(t.Total)
		// strict comparison keeps the earliest label on ties
		if t.predicted < 0 || t.Counts[i].Count > t.Counts[t.predicted].Count {
			t.predicted = i
		}
	}
	return t
}

// Prediction returns the winning label and its percentage. ok is false for
// an empty window, which has no prediction rather than a zero score.
func (t Tally) Prediction() (label string, percentage float64, ok bool) {
	if t.predicted < 0 || t.predicted >= len(t.Counts) {
		return "", 0, false
	}
	c := t.Counts[t.predicted]
	return c.Label, c.Percentage, true
}

// Percentage returns the share of label, 0 when absent or the window is empty
func (t Tally) Percentage(label string) float64 {
	for i := range t.Counts {
		if t.Counts[i].Label == label {
			return t.Counts[i].Percentage
		}
	}
	return 0
}

// Labels returns the distinct labels in first-appearance order
func (t Tally) Labels() []string {
	out := make([]string, len(t.Counts))
	for i := range t.Counts {
		out[i] = t.Counts[i].Label
	}
	return out
}
