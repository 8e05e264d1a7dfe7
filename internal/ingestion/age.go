package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

const (
	// AgeUnitYears is the unit of every derived numeric age.
	AgeUnitYears = "years"

	daysPerMonth = 30.5
	daysPerYear  = 365.25
	daysPerWeek  = 7
)

// ErrInvalidDuration is returned for strings that are not ISO-8601 durations.
var ErrInvalidDuration = errors.New("invalid ISO-8601 duration")

var isoDurationPattern = regexp.MustCompile(
	`^P(?:(\d+(?:\.\d+)?)Y)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)W)?(?:(\d+(?:\.\d+)?)D)?` +
		`(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`,
)

// Duration is a parsed ISO-8601 duration. Time-of-day components are parsed but do
// not contribute to ages, which are day-granular.
type Duration struct {
	Years, Months, Weeks, Days float64
	Hours, Minutes, Seconds    float64
}

// ParseDuration parses an ISO-8601 duration such as "P67Y3M2D" or "P3W".
func ParseDuration(s string) (Duration, error) {
	match := isoDurationPattern.FindStringSubmatch(s)
	if match == nil || s == "P" || s[len(s)-1] == 'T' {
		return Duration{}, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}

	values := make([]float64, len(match)-1)

	for i, group := range match[1:] {
		if group == "" {
			continue
		}

		v, err := strconv.ParseFloat(group, 64)
		if err != nil {
			return Duration{}, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}

		values[i] = v
	}

	return Duration{
		Years:   values[0],
		Months:  values[1],
		Weeks:   values[2],
		Days:    values[3],
		Hours:   values[4],
		Minutes: values[5],
		Seconds: values[6],
	}, nil
}

// InYears expresses d in years, rounded half-even to two decimals.
//
// Months count as 30.5 days and years as 365.25 days, so "P67Y3M2D" is
// 67 + (3*30.5 + 2) / 365.25 = 67.26.
func (d Duration) InYears() float64 {
	days := d.Months*daysPerMonth + d.Weeks*daysPerWeek + d.Days
	years := d.Years + days/daysPerYear

	return math.RoundToEven(years*100) / 100
}

// ageElement is the submitted age: either {"age": "P..."} or an age range
// {"start": {"age": ...}, "end": {"age": ...}}.
type ageElement struct {
	Age   *string          `json:"age"`
	Start *json.RawMessage `json:"start"`
	End   *json.RawMessage `json:"end"`
}

// NormalizeAge derives the numeric age and unit from a submitted age element.
//
// A single duration yields its value in years. An absent age or an age range yields
// nil: a range has no single numeric age, and zero would be a false value.
func NormalizeAge(raw json.RawMessage) (*float64, string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, "", nil
	}

	var element ageElement
	if err := json.Unmarshal(raw, &element); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidDuration, err)
	}

	if element.Age == nil {
		return nil, "", nil
	}

	d, err := ParseDuration(*element.Age)
	if err != nil {
		return nil, "", err
	}

	years := d.InYears()

	return &years, AgeUnitYears, nil
}
