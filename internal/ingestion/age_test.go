package ingestion

import (
	"encoding/json"
	"errors"
	"testing"
)

// ==============================================================================
// Unit Tests: ISO-8601 Durations
// ==============================================================================

func TestParseDuration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		input string
		want  Duration
	}{
		{"P67Y3M2D", Duration{Years: 67, Months: 3, Days: 2}},
		{"P3W", Duration{Weeks: 3}},
		{"P1.5Y", Duration{Years: 1.5}},
		{"P2DT12H", Duration{Days: 2, Hours: 12}},
		{"PT36H", Duration{Hours: 36}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if err != nil {
				t.Fatalf("ParseDuration(%q) unexpected error: %v", tt.input, err)
			}

			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, input := range []string{"", "P", "PT", "67Y", "P67X", "P1Y2DT", "yesterday"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseDuration(input)
			if !errors.Is(err, ErrInvalidDuration) {
				t.Errorf("ParseDuration(%q) error = %v, want ErrInvalidDuration", input, err)
			}
		})
	}
}

func TestDuration_InYears(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		input string
		want  float64
	}{
		{"P67Y3M2D", 67.26},
		{"P67Y", 67},
		{"P6M", 0.5},
		{"P52W", 1},
		{"P365D", 1},
		{"PT12H", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseDuration(tt.input)
			if err != nil {
				t.Fatalf("ParseDuration(%q) unexpected error: %v", tt.input, err)
			}

			if got := d.InYears(); got != tt.want {
				t.Errorf("InYears(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// ==============================================================================
// Unit Tests: Age Normalization
// ==============================================================================

func TestNormalizeAge_SingleDuration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	value, unit, err := NormalizeAge(json.RawMessage(`{"age": "P67Y3M2D"}`))
	if err != nil {
		t.Fatalf("NormalizeAge() unexpected error: %v", err)
	}

	if value == nil {
		t.Fatal("NormalizeAge() returned nil value for a single duration")
	}

	if *value != 67.26 {
		t.Errorf("NormalizeAge() value = %v, want 67.26", *value)
	}

	if unit != AgeUnitYears {
		t.Errorf("NormalizeAge() unit = %q, want %q", unit, AgeUnitYears)
	}
}

func TestNormalizeAge_NoNumericValue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		raw  json.RawMessage
	}{
		{"absent", nil},
		{"null", json.RawMessage(`null`)},
		{"range", json.RawMessage(`{"start": {"age": "P40Y"}, "end": {"age": "P50Y"}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, unit, err := NormalizeAge(tt.raw)
			if err != nil {
				t.Fatalf("NormalizeAge() unexpected error: %v", err)
			}

			if value != nil {
				t.Errorf("NormalizeAge() value = %v, want nil", *value)
			}

			if unit != "" {
				t.Errorf("NormalizeAge() unit = %q, want empty", unit)
			}
		})
	}
}

func TestNormalizeAge_Invalid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, raw := range []string{`{"age": "sixty"}`, `"P67Y"`, `[1, 2]`} {
		t.Run(raw, func(t *testing.T) {
			_, _, err := NormalizeAge(json.RawMessage(raw))
			if !errors.Is(err, ErrInvalidDuration) {
				t.Errorf("NormalizeAge(%s) error = %v, want ErrInvalidDuration", raw, err)
			}
		})
	}
}
