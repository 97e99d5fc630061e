// Package occupancy models the studio capacity snapshot served by the proxy
// and converts it between the upstream JSON payload and the response encodings.
package occupancy

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned when a payload cannot be decoded into a Snapshot.
var ErrMalformedPayload = errors.New("malformed payload")

// maxPercentage is the largest percentage the upstream can report.
const maxPercentage = 255

// Level classifies how busy a studio is during an interval.
type Level string

const (
	// LevelLow means the studio is quiet.
	LevelLow Level = "LOW"

	// LevelNormal means average utilisation.
	LevelNormal Level = "NORMAL"

	// LevelHigh means the studio is crowded.
	LevelHigh Level = "HIGH"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelNormal, LevelHigh:
		return true
	default:
		return false
	}
}

// UnmarshalJSON rejects levels the proxy does not know about.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !Level(s).Valid() {
		return fmt.Errorf("unknown level %q", s)
	}
	*l = Level(s)
	return nil
}

// Snapshot is the occupancy of one studio over its opening hours.
type Snapshot struct {
	StartTime string  `json:"startTime"`
	EndTime   string  `json:"endTime"`
	Items     []Entry `json:"items"`
}

// Entry is the occupancy of a single interval.
type Entry struct {
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
	Percentage int    `json:"percentage"`
	Level      Level  `json:"level"`
	IsCurrent  bool   `json:"isCurrent"`
}

// Decode parses a raw upstream payload and drops entries that are not yet
// populated. Every entry needs a known level and a percentage of at most 255.
// Any decode failure wraps ErrMalformedPayload.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	s.Filter()
	return &s, nil
}

// validate catches what UnmarshalJSON cannot: an absent level and an
// out of range percentage. Negative percentages pass and are dropped by Filter.
func (s *Snapshot) validate() error {
	for i, item := range s.Items {
		if !item.Level.Valid() {
			return fmt.Errorf("item %d: missing or unknown level %q", i, item.Level)
		}
		if item.Percentage > maxPercentage {
			return fmt.Errorf("item %d: percentage %d out of range", i, item.Percentage)
		}
	}
	return nil
}

// Filter removes entries with a percentage of zero or less. The upstream
// reports those for intervals it has no measurement for yet.
func (s *Snapshot) Filter() {
	items := make([]Entry, 0, len(s.Items))
	for _, item := range s.Items {
		if item.Percentage > 0 {
			items = append(items, item)
		}
	}
	s.Items = items
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Items = append(make([]Entry, 0, len(s.Items)), s.Items...)
	return &c
}
