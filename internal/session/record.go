package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/chrissnell/optometercalib/internal/optometer"
)

// CSVHeader is the first line of every result file. Column order is fixed.
var CSVHeader = strings.Join([]string{
	"measurement number",
	"range",
	"specification (A)",
	"measured current (A)",
	"standard deviation (A)",
	"test current (A)",
	"standard uncertainty (A)",
}, csvSeparator)

const (
	csvSeparator = ", "

	// Placeholders for the reference current and its uncertainty, filled in
	// by hand once the calibration reference is known.
	testCurrentPlaceholder            = "[TestCurrent]"
	testCurrentUncertaintyPlaceholder = "[u(TestCurrent)]"
)

// Record is the result of one burst
type Record struct {
	Index         int
	Range         optometer.Range
	Specification float64
	Mean          float64
	StdDev        float64
	SampleSize    int
	Triggered     time.Time
}

// CSVLine renders the record in CSVHeader column order
func (r Record) CSVLine() string {
	return strings.Join([]string{
		strconv.Itoa(r.Index),
		r.Range.String(),
		formatAmperes(r.Specification),
		formatAmperes(r.Mean),
		formatAmperes(r.StdDev),
		testCurrentPlaceholder,
		testCurrentUncertaintyPlaceholder,
	}, csvSeparator)
}

// formatAmperes writes the shortest representation that reads back to v
func formatAmperes(v float64) string {
	return strconv.FormatFloat(v, 'G', -1, 64)
}
