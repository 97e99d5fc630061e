package occupancy

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

const samplePayload = `{
	"startTime": "2024-06-01T06:00:00",
	"endTime": "2024-06-01T23:00:00",
	"items": [
		{"startTime": "06:00", "endTime": "07:00", "percentage": 12, "level": "LOW", "isCurrent": false},
		{"startTime": "07:00", "endTime": "08:00", "percentage": 0, "level": "LOW", "isCurrent": false},
		{"startTime": "08:00", "endTime": "09:00", "percentage": 55, "level": "NORMAL", "isCurrent": true},
		{"startTime": "09:00", "endTime": "10:00", "percentage": 91, "level": "HIGH", "isCurrent": false},
		{"startTime": "10:00", "endTime": "11:00", "percentage": -1, "level": "LOW", "isCurrent": false}
	]
}`

func TestDecode(t *testing.T) {
	s, err := Decode([]byte(samplePayload))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if s.StartTime != "2024-06-01T06:00:00" || s.EndTime != "2024-06-01T23:00:00" {
		t.Errorf("Decode() times = %s..%s", s.StartTime, s.EndTime)
	}
	if len(s.Items) != 3 {
		t.Fatalf("Decode() kept %d items, want 3", len(s.Items))
	}

	current := s.Items[1]
	if current.Percentage != 55 || current.Level != LevelNormal || !current.IsCurrent {
		t.Errorf("Decode() current item = %+v", current)
	}
}

func TestDecode_FiltersUnpopulated(t *testing.T) {
	s, err := Decode([]byte(samplePayload))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	for _, item := range s.Items {
		if item.Percentage <= 0 {
			t.Errorf("Decode() kept unpopulated item %+v", item)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "empty body", payload: ""},
		{name: "html error page", payload: "<html><body>502 Bad Gateway</body></html>"},
		{name: "truncated", payload: `{"startTime": "06:00", "items": [`},
		{name: "unknown level", payload: `{"items": [{"percentage": 5, "level": "EXTREME"}]}`},
		{name: "percentage is not a number", payload: `{"items": [{"percentage": "high", "level": "LOW"}]}`},
		{name: "missing level", payload: `{"items": [{"percentage": 5}]}`},
		{name: "null level", payload: `{"items": [{"percentage": 5, "level": null}]}`},
		{name: "missing level on unpopulated entry", payload: `{"items": [{"percentage": 0}]}`},
		{name: "percentage above 255", payload: `{"items": [{"percentage": 300, "level": "LOW"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("Decode() error = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestDecode_PercentageBounds(t *testing.T) {
	tests := []struct {
		name       string
		percentage int
		wantItems  int
	}{
		{name: "upper bound", percentage: 255, wantItems: 1},
		{name: "full", percentage: 100, wantItems: 1},
		{name: "negative is dropped", percentage: -1, wantItems: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := fmt.Sprintf(`{"items": [{"percentage": %d, "level": "HIGH"}]}`, tt.percentage)
			s, err := Decode([]byte(payload))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if len(s.Items) != tt.wantItems {
				t.Errorf("Decode() kept %d items, want %d", len(s.Items), tt.wantItems)
			}
		})
	}
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name        string
		percentages []int
		want        []int
	}{
		{name: "nothing to drop", percentages: []int{1, 50, 100}, want: []int{1, 50, 100}},
		{name: "drops zero and negative", percentages: []int{0, 10, -3, 20, 0}, want: []int{10, 20}},
		{name: "everything unpopulated", percentages: []int{0, 0}, want: []int{}},
		{name: "no items", percentages: nil, want: []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Snapshot{}
			for _, p := range tt.percentages {
				s.Items = append(s.Items, Entry{Percentage: p, Level: LevelLow})
			}

			s.Filter()

			if s.Items == nil {
				t.Fatal("Filter() left a nil item list")
			}
			if len(s.Items) != len(tt.want) {
				t.Fatalf("Filter() kept %d items, want %d", len(s.Items), len(tt.want))
			}
			for i, p := range tt.want {
				if s.Items[i].Percentage != p {
					t.Errorf("Items[%d].Percentage = %d, want %d", i, s.Items[i].Percentage, p)
				}
			}
		})
	}
}

func TestLevel_Valid(t *testing.T) {
	for _, l := range []Level{LevelLow, LevelNormal, LevelHigh} {
		if !l.Valid() {
			t.Errorf("%s should be valid", l)
		}
	}
	for _, l := range []Level{"", "low", "EXTREME"} {
		if l.Valid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestEncodeJSON_EmptyItemsIsArray(t *testing.T) {
	s, err := Decode([]byte(`{"startTime": "06:00", "endTime": "23:00", "items": [{"percentage": 0, "level": "LOW"}]}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	data, err := EncodeJSON(s)
	if err != nil {
		t.Fatalf("EncodeJSON() error = %v", err)
	}
	if !strings.Contains(string(data), `"items":[]`) {
		t.Errorf("EncodeJSON() = %s, want an empty items array", data)
	}
}
