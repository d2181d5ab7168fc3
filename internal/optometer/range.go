package optometer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Range is a measurement range of the optometer's current amplifier. RangeNN
// covers currents up to 2·10^-NN A; higher numbers are more sensitive.
type Range int

const (
	RangeUnknown Range = iota
	Range03
	Range04
	Range05
	Range06
	Range07
	Range08
	Range09
)

// ranges lists the selectable ranges in ascending order. Increment and
// Decrement move along this table.
var ranges = [...]Range{Range03, Range04, Range05, Range06, Range07, Range08, Range09}

// Ranges returns every selectable range in ascending order
func Ranges() []Range {
	out := make([]Range, len(ranges))
	copy(out, ranges[:])
	return out
}

func (r Range) index() int {
	for i, v := range ranges {
		if v == r {
			return i
		}
	}
	return -1
}

// Valid reports whether r is one of the selectable ranges
func (r Range) Valid() bool {
	return r.index() >= 0
}

// Exponent returns NN for RangeNN, or 0 for RangeUnknown
func (r Range) Exponent() int {
	i := r.index()
	if i < 0 {
		return 0
	}
	return i + 3
}

// Increment returns the next range, saturating at the last one.
// RangeUnknown is returned unchanged.
func (r Range) Increment() Range {
	i := r.index()
	if i < 0 {
		return r
	}
	if i < len(ranges)-1 {
		i++
	}
	return ranges[i]
}

// Decrement returns the previous range, saturating at the first one.
// RangeUnknown is returned unchanged.
func (r Range) Decrement() Range {
	i := r.index()
	if i < 0 {
		return r
	}
	if i > 0 {
		i--
	}
	return ranges[i]
}

// FullScale returns the nominal full-scale current of the range in amperes
func (r Range) FullScale() float64 {
	if !r.Valid() {
		return math.NaN()
	}
	return 2 * math.Pow10(-r.Exponent())
}

func (r Range) String() string {
	if !r.Valid() {
		return "Unknown"
	}
	return fmt.Sprintf("Range%02d", r.Exponent())
}

// ParseRange accepts "Range05", "range05", "R5", "05" or "5"
func ParseRange(s string) (Range, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.TrimPrefix(t, "range")
	t = strings.TrimPrefix(t, "r")

	n, err := strconv.Atoi(t)
	if err != nil {
		return RangeUnknown, fmt.Errorf("invalid measurement range %q", s)
	}

	for _, r := range ranges {
		if r.Exponent() == n {
			return r, nil
		}
	}
	return RangeUnknown, fmt.Errorf("measurement range %q out of bounds (Range03..Range09)", s)
}
