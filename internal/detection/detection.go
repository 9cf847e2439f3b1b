// Package detection defines the detection events that flow from the
// detector into a session's history window, and the interfaces of the
// external detector and frame collaborators.
package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/presencewatch/presence-go/internal/errors"
)

// ErrMalformed is returned for detector output that cannot become an Event
var ErrMalformed = errors.NewStd("malformed detection")

// BBox is an axis aligned box in frame pixel coordinates
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// MarshalJSON encodes the box as [x1, y1, x2, y2]
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X1, b.Y1, b.X2, b.Y2})
}

// UnmarshalJSON decodes a four element array
func (b *BBox) UnmarshalJSON(data []byte) error {
	var v []float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if len(v) != 4 {
		return fmt.Errorf("%w: bbox has %d coordinates", ErrMalformed, len(v))
	}
	*b = BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	return nil
}

// Frame is one captured image handed to the detector
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Data       []byte // JPEG encoded
	Width      int
	Height     int
}

// RawDetection is one unvalidated detector result. Coordinates holds the
// box as reported; ClassID is negative and Confidence NaN when the
// detector omitted them.
type RawDetection struct {
	Coordinates []float64
	ClassID     int
	Confidence  float64
}

// Event is a classified detection held by a history window
type Event struct {
	Timestamp  time.Time `json:"-"`
	Label      string    `json:"label"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       BBox      `json:"bbox"`
}

// Detector runs object classification on a frame. Implementations must be
// safe for concurrent use by multiple sessions.
type Detector interface {
	Infer(ctx context.Context, frame *Frame) ([]RawDetection, error)
	LabelFor(classID int) (string, bool)
}

// Validate reports why r cannot be classified, or nil
func (r RawDetection) Validate() error {
	if len(r.Coordinates) != 4 {
		return fmt.Errorf("%w: bbox has %d coordinates", ErrMalformed, len(r.Coordinates))
	}
	for _, c := range r.Coordinates {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("%w: non-finite bbox coordinate", ErrMalformed)
		}
	}
	if r.Coordinates[2] < r.Coordinates[0] || r.Coordinates[3] < r.Coordinates[1] {
		return fmt.Errorf("%w: inverted bbox", ErrMalformed)
	}
	if r.ClassID < 0 {
		return fmt.Errorf("%w: missing class id", ErrMalformed)
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrMalformed, r.Confidence)
	}
	return nil
}

// Classify turns raw detector output into events stamped with at.
// Malformed entries are dropped individually and returned as dropped so
// the caller can log them; they never affect the rest of the frame.
func Classify(raws []RawDetection, labels func(int) (string, bool), at time.Time) (events []Event, dropped []error) {
	events = make([]Event, 0, len(raws))
	for i := range raws {
		ev, err := classifyOne(raws[i], labels, at)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		events = append(events, ev)
	}
	return events, dropped
}

func classifyOne(r RawDetection, labels func(int) (string, bool), at time.Time) (Event, error) {
	if err := r.Validate(); err != nil {
		return Event{}, err
	}
	label, ok := labels(r.ClassID)
	label = strings.TrimSpace(label)
	if !ok || label == "" {
		return Event{}, fmt.Errorf("%w: unknown class id %d", ErrMalformed, r.ClassID)
	}
	return Event{
		Timestamp:  at,
		Label:      label,
		ClassID:    r.ClassID,
		Confidence: r.Confidence,
		BBox: BBox{
			X1: r.Coordinates[0],
			Y1: r.Coordinates[1],
			X2: r.Coordinates[2],
			Y2: r.Coordinates[3],
		},
	}, nil
}
