package session

import (
	"math"
	"time"

	"github.com/presencewatch/presence-go/internal/detection"
	"github.com/presencewatch/presence-go/internal/identity"
	"github.com/presencewatch/presence-go/internal/vote"
)

// Message types sent to the client
const (
	TypeUpdate = "update"
	TypeError  = "error"
)

// Message is one outbound message. Update is set for per-frame messages
// and its fields are flattened into the JSON object.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	*Update
	Error string `json:"error,omitempty"`
}

// Update is the per-frame payload
type Update struct {
	Detections          []detection.Event    `json:"detections"`
	FPS                 float64              `json:"fps"`
	LatencyMS           int64                `json:"latency_ms"`
	PredictedLabel      string               `json:"predicted_label"`
	PredictedPercentage float64              `json:"predicted_percentage"`
	LabelStats          map[string]LabelStat `json:"label_stats"`
	HistorySize         int                  `json:"history_size"`
	Timestamp           time.Time            `json:"timestamp"`
}

// LabelStat is the derived share of one label joined with its identity
type LabelStat struct {
	Count      int          `json:"count"`
	Percentage float64      `json:"percentage"`
	Identity   IdentityView `json:"identity"`
}

// IdentityView renders a Lookup. Status is found, not_found or unresolved.
type IdentityView struct {
	Status string           `json:"status"`
	User   *identity.Record `json:"user,omitempty"`
}

func viewOf(l identity.Lookup) IdentityView {
	v := IdentityView{Status: l.Status.String()}
	if rec, ok := l.Get(); ok {
		v.User = &rec
	}
	return v
}

// buildStats joins a tally with resolved identities. Labels missing from
// lookups render as not_found.
func buildStats(t vote.Tally, lookups map[string]identity.Lookup) map[string]LabelStat {
	stats := make(map[string]LabelStat, len(t.Counts))
	for _, c := range t.Counts {
		lookup, ok := lookups[c.Label]
		if !ok {
			lookup = identity.NotFound()
		}
		stats[c.Label] = LabelStat{
			Count:      c.Count,
			Percentage: round2(c.Percentage),
			Identity:   viewOf(lookup),
		}
	}
	return stats
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
