package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/chrissnell/optometercalib/internal/keyboard"
	"github.com/chrissnell/optometercalib/internal/optometer"
	"go.uber.org/zap"
)

// fakeDevice replays a scripted sample sequence
type fakeDevice struct {
	r         optometer.Range
	autoRange bool
	samples   []float64
	// failAt is the 1-based reading that fails; 0 never fails
	failAt int
	reads  int
	calls  []string
}

func newFakeDevice(samples ...float64) *fakeDevice {
	return &fakeDevice{r: optometer.Range06, autoRange: true, samples: samples}
}

func (d *fakeDevice) Current(ctx context.Context) (float64, error) {
	d.reads++
	d.calls = append(d.calls, "current")
	if d.failAt == d.reads {
		return 0, optometer.NewDeviceError("measure", fmt.Errorf("no reply within 5s: %w", optometer.ErrTimeout))
	}
	return d.samples[(d.reads-1)%len(d.samples)], nil
}

func (d *fakeDevice) Range(ctx context.Context) (optometer.Range, error) {
	return d.r, nil
}

func (d *fakeDevice) SetRange(ctx context.Context, r optometer.Range) error {
	d.calls = append(d.calls, "set "+r.String())
	d.r = r
	return nil
}

func (d *fakeDevice) SelectAutoRange(ctx context.Context) error {
	d.calls = append(d.calls, "auto on")
	d.autoRange = true
	return nil
}

func (d *fakeDevice) DeselectAutoRange(ctx context.Context) error {
	d.calls = append(d.calls, "auto off")
	d.autoRange = false
	return nil
}

func (d *fakeDevice) Specification(value float64, r optometer.Range) float64 {
	return optometer.Specification(value, r)
}

func (d *fakeDevice) Identity() optometer.Identity {
	return optometer.Identity{Manufacturer: "Gigahertz-Optik", Model: "P9710-1", SerialNumber: "40123", Port: "/dev/ttyFAKE"}
}

func (d *fakeDevice) Close() error {
	return nil
}

type fixture struct {
	device  *fakeDevice
	session *Session
	display *bytes.Buffer
	logSink *FileSink
	csvSink *FileSink
	base    string
}

var testClock = func() time.Time {
	return time.Date(2026, time.October, 17, 9, 30, 15, 0, time.FixedZone("CEST", 2*3600))
}

func newFixture(t *testing.T, keys string, samples int, device *fakeDevice) *fixture {
	t.Helper()
	return newFixtureAt(t, filepath.Join(t.TempDir(), "optometerCalib"), keys, samples, device)
}

func newFixtureAt(t *testing.T, base, keys string, samples int, device *fakeDevice) *fixture {
	t.Helper()

	logSink, err := OpenLogSink(base + ".log")
	if err != nil {
		t.Fatal(err)
	}
	csvSink, err := OpenCSVSink(base + ".csv")
	if err != nil {
		t.Fatal(err)
	}

	display := &bytes.Buffer{}
	opts := Options{
		AppName:      "optometer-calib",
		Version:      "1.0",
		SessionID:    "3f0c6e2a-0000-4000-8000-000000000001",
		Samples:      samples,
		InitialRange: optometer.Range03,
		Clock:        testClock,
	}
	s := New(opts, device, keyboard.NewReader(strings.NewReader(keys)), NewConsole(display, false, false), logSink, csvSink, zap.NewNop().Sugar())

	return &fixture{device: device, session: s, display: display, logSink: logSink, csvSink: csvSink, base: base}
}

func (f *fixture) csvLines(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.base + ".csv")
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func (f *fixture) logText(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.base + ".log")
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func parseCSVFloat(t *testing.T, field string) float64 {
	t.Helper()
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		t.Fatalf("parsing %q: %v", field, err)
	}
	return v
}

func TestQuitImmediately(t *testing.T) {
	f := newFixture(t, "q", 10, newFakeDevice(1e-9))

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.session.State() != Terminated {
		t.Errorf("State() = %v, want terminated", f.session.State())
	}
	if !f.device.autoRange {
		t.Error("auto range not re-enabled on quit")
	}
	want := []string{"auto off", "set Range03", "auto on"}
	if strings.Join(f.device.calls, "|") != strings.Join(want, "|") {
		t.Errorf("device calls = %v, want %v", f.device.calls, want)
	}
	if f.device.reads != 0 {
		t.Errorf("%d readings taken, want none", f.device.reads)
	}

	lines := f.csvLines(t)
	if len(lines) != 1 || lines[0] != CSVHeader {
		t.Errorf("CSV = %q, want header only", lines)
	}
	if len(f.session.Records()) != 0 {
		t.Errorf("Records() = %v, want none", f.session.Records())
	}

	if err := f.logSink.WriteLine("late"); err == nil {
		t.Error("log sink still open after quit")
	}
	if err := f.csvSink.WriteLine("late"); err == nil {
		t.Error("CSV sink still open after quit")
	}

	log := f.logText(t)
	for _, want := range []string{
		fatSeparator,
		"Application:     optometer-calib 1.0",
		"StartTimeUTC:    17-10-2026 07:30",
		"InstrumentManu:  Gigahertz-Optik",
		"InstrumentType:  P9710-1",
		"InstrumentSN:    40123",
		"RS232 port:      /dev/ttyFAKE",
		"Samples (n):     10",
		"Comment:         ---",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("log is missing %q", want)
		}
	}
	if !strings.Contains(f.display.String(), "bye.") {
		t.Error("display is missing the farewell")
	}
}

func TestOneBurst(t *testing.T) {
	f := newFixture(t, "xq", 3, newFakeDevice(1.0e-9, 2.0e-9, 3.0e-9))

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := f.csvLines(t)
	if len(lines) != 2 {
		t.Fatalf("CSV has %d lines, want header plus one record: %q", len(lines), lines)
	}
	if lines[0] != CSVHeader {
		t.Errorf("CSV header = %q", lines[0])
	}
	if got := len(strings.Split(lines[0], ",")); got != 7 {
		t.Errorf("CSV header has %d fields, want 7", got)
	}

	fields := strings.Split(lines[1], ", ")
	if len(fields) != 7 {
		t.Fatalf("CSV record has %d fields, want 7: %q", len(fields), lines[1])
	}
	if fields[0] != "1" || fields[1] != "Range03" {
		t.Errorf("index/range = %q/%q, want 1/Range03", fields[0], fields[1])
	}
	mean := parseCSVFloat(t, fields[3])
	std := parseCSVFloat(t, fields[4])
	if math.Abs(mean-2e-9) > 1e-21 {
		t.Errorf("measured current = %v, want 2e-9", mean)
	}
	if math.Abs(std-1e-9) > 1e-21 {
		t.Errorf("standard deviation = %v, want 1e-9", std)
	}
	if spec := parseCSVFloat(t, fields[2]); math.Abs(spec-optometer.Specification(mean, optometer.Range03)) > 1e-20 {
		t.Errorf("specification = %v", spec)
	}
	if fields[5] != "[TestCurrent]" || fields[6] != "[u(TestCurrent)]" {
		t.Errorf("placeholders = %q, %q", fields[5], fields[6])
	}

	recs := f.session.Records()
	if len(recs) != 1 {
		t.Fatalf("Records() has %d entries, want 1", len(recs))
	}
	if recs[0].SampleSize != 3 || !recs[0].Triggered.Equal(testClock()) || recs[0].Triggered.Location() != time.UTC {
		t.Errorf("record = %+v", recs[0])
	}

	log := f.logText(t)
	for _, want := range []string{
		"Measurement number:   1 (Range03)",
		"Triggered at:         17-10-2026 07:30:15",
		"Actual sample size:   3",
		"Current:              2.000 ± 1.000 nA",
		thinSeparator,
	} {
		if !strings.Contains(log, want) {
			t.Errorf("log is missing %q", want)
		}
	}

	display := f.display.String()
	for _, want := range []string{
		"Measurement #1 at Range03",
		"   1:  1.000 nA",
		"   2:  2.000 nA",
		"   3:  3.000 nA",
	} {
		if !strings.Contains(display, want) {
			t.Errorf("display is missing %q", want)
		}
	}
}

func TestIndexIncreasesAcrossBursts(t *testing.T) {
	f := newFixture(t, "ab c\x1b[Aq", 2, newFakeDevice(1e-6, 1.1e-6))

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := f.session.Records()
	if len(recs) != 4 {
		t.Fatalf("Records() has %d entries, want 4", len(recs))
	}
	for i, rec := range recs {
		if rec.Index != i+1 {
			t.Errorf("record %d has index %d", i, rec.Index)
		}
	}
	if f.device.reads != 8 {
		t.Errorf("%d readings, want 8", f.device.reads)
	}
	if lines := f.csvLines(t); len(lines) != 5 {
		t.Errorf("CSV has %d lines, want 5", len(lines))
	}
}

func TestRangeKeys(t *testing.T) {
	tests := []struct {
		name string
		keys string
		want optometer.Range
	}{
		{name: "up twice down once", keys: "\x1b[A\x1b[A\x1b[Bq", want: optometer.Range04},
		{name: "page keys", keys: "\x1b[5~\x1b[5~\x1b[5~\x1b[6~q", want: optometer.Range05},
		{name: "saturates at the bottom", keys: "\x1b[B\x1b[6~q", want: optometer.Range03},
		{name: "saturates at the top", keys: strings.Repeat("\x1b[A", 10) + "q", want: optometer.Range09},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.keys, 2, newFakeDevice(1e-9))
			if err := f.session.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if f.device.r != tt.want {
				t.Errorf("range = %v, want %v", f.device.r, tt.want)
			}
			if f.device.reads != 0 {
				t.Errorf("range keys took %d readings", f.device.reads)
			}
			if !strings.Contains(f.display.String(), "Current measurement range: "+tt.want.String()) {
				t.Errorf("display does not show %v", tt.want)
			}
		})
	}
}

func TestBurstUsesSelectedRange(t *testing.T) {
	f := newFixture(t, "\x1b[A mq", 2, newFakeDevice(1e-3))

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := f.csvLines(t)
	if len(lines) != 3 {
		t.Fatalf("CSV has %d lines, want 3", len(lines))
	}
	for _, l := range lines[1:] {
		if !strings.HasPrefix(strings.SplitN(l, ", ", 2)[1], "Range04") {
			t.Errorf("record %q not taken in Range04", l)
		}
	}
}

func TestDeviceFaultTerminates(t *testing.T) {
	device := newFakeDevice(1e-9, 2e-9, 3e-9)
	device.failAt = 5
	f := newFixture(t, "xxxq", 3, device)

	err := f.session.Run(context.Background())
	var de *optometer.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("Run error = %v, want DeviceError", err)
	}
	if !optometer.IsTimeout(err) {
		t.Errorf("Run error = %v, want the timeout cause", err)
	}
	if f.session.State() != Terminated {
		t.Errorf("State() = %v, want terminated", f.session.State())
	}
	if device.reads != 5 {
		t.Errorf("%d readings taken, want the loop to stop at the fault", device.reads)
	}

	lines := f.csvLines(t)
	if len(lines) != 2 {
		t.Errorf("CSV has %d lines, want header and the first burst only", len(lines))
	}
	if len(f.session.Records()) != 1 {
		t.Errorf("Records() has %d entries, want 1", len(f.session.Records()))
	}
	if err := f.csvSink.WriteLine("late"); err == nil {
		t.Error("CSV sink still open after a fault")
	}
	if !strings.Contains(f.display.String(), "instrument fault") {
		t.Error("fault not shown to the operator")
	}
}

func TestNonFiniteSampleContaminatesRecord(t *testing.T) {
	f := newFixture(t, "xq", 3, newFakeDevice(1e-9, math.Inf(1), 3e-9))

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := f.csvLines(t)
	if len(lines) != 2 {
		t.Fatalf("CSV has %d lines, want 2", len(lines))
	}
	fields := strings.Split(lines[1], ", ")
	if fields[2] != "NaN" || fields[3] != "NaN" || fields[4] != "NaN" {
		t.Errorf("record = %q, want NaN specification, mean and deviation", lines[1])
	}
	if !strings.Contains(f.logText(t), "Actual sample size:   3") {
		t.Error("non-finite reading should still count toward the sample size")
	}
	if !strings.Contains(f.display.String(), "   2:  +Inf nA") {
		t.Error("over-range reading not echoed")
	}
}

func TestSamplesClampedToTwo(t *testing.T) {
	f := newFixture(t, "xq", 1, newFakeDevice(5e-9, 7e-9))

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.device.reads != 2 {
		t.Errorf("%d readings, want 2", f.device.reads)
	}
	recs := f.session.Records()
	if len(recs) != 1 || recs[0].StdDev == 0 {
		t.Errorf("records = %+v, want one record with a standard deviation", recs)
	}
}

func TestEndOfInputQuits(t *testing.T) {
	f := newFixture(t, "x", 2, newFakeDevice(1e-9, 2e-9))

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.session.Records()) != 1 || !f.device.autoRange {
		t.Errorf("records = %d, auto range = %v", len(f.session.Records()), f.device.autoRange)
	}
}

func TestKeyboardInterrupt(t *testing.T) {
	f := newFixture(t, "\x03", 2, newFakeDevice(1e-9))

	err := f.session.Run(context.Background())
	if !errors.Is(err, keyboard.ErrInterrupted) {
		t.Fatalf("Run error = %v, want ErrInterrupted", err)
	}
	if !f.device.autoRange {
		t.Error("auto range not re-enabled after interrupt")
	}
	if err := f.logSink.WriteLine("late"); err == nil {
		t.Error("log sink still open after interrupt")
	}
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t, "xxq", 2, newFakeDevice(1e-9))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.session.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if f.device.reads != 0 {
		t.Errorf("%d readings taken after cancellation", f.device.reads)
	}
	if !f.device.autoRange {
		t.Error("auto range not re-enabled after cancellation")
	}
}

func TestCancelWhileWaitingForKey(t *testing.T) {
	f := newFixture(t, "", 2, newFakeDevice(1e-9))
	idle, _ := io.Pipe()
	defer idle.Close()
	f.session.keys = keyboard.NewReader(idle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.session.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run still waiting for a key after cancellation")
	}
	if f.session.State() != Terminated || !f.device.autoRange {
		t.Errorf("state = %v, auto range = %v", f.session.State(), f.device.autoRange)
	}
	if len(f.csvLines(t)) != 1 {
		t.Errorf("csv = %q, want the header only", f.csvLines(t))
	}
}

func TestPipedLineTerminators(t *testing.T) {
	f := newFixture(t, "x\nq\n", 2, newFakeDevice(1e-9, 2e-9))

	if err := f.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(f.session.Records()); n != 1 {
		t.Errorf("%d records, want 1", n)
	}
	if lines := f.csvLines(t); len(lines) != 2 {
		t.Errorf("csv has %d lines, want header and one record", len(lines))
	}
	if f.device.reads != 2 {
		t.Errorf("%d readings taken, want 2", f.device.reads)
	}
}

func TestLogAppendsCSVOverwrites(t *testing.T) {
	base := filepath.Join(t.TempDir(), "bench")

	first := newFixtureAt(t, base, "xq", 2, newFakeDevice(1e-9, 2e-9))
	if err := first.session.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := newFixtureAt(t, base, "q", 2, newFakeDevice(1e-9, 2e-9))
	if err := second.session.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if n := strings.Count(second.logText(t), "Application:"); n != 2 {
		t.Errorf("log holds %d banners, want 2", n)
	}
	if lines := second.csvLines(t); len(lines) != 1 {
		t.Errorf("CSV has %d lines after the second session, want only the header", len(lines))
	}
}

func TestHandleOutsideLoop(t *testing.T) {
	f := newFixture(t, "", 2, newFakeDevice(1e-9))

	var le *LogicError
	if err := f.session.Handle(context.Background(), Trigger); !errors.As(err, &le) {
		t.Errorf("Handle before Start = %v, want LogicError", err)
	}
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.session.Start(context.Background()); !errors.As(err, &le) {
		t.Errorf("second Start = %v, want LogicError", err)
	}
	if err := f.session.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.session.Close(context.Background()); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestCommandFor(t *testing.T) {
	tests := []struct {
		key  keyboard.Key
		want Command
	}{
		{key: keyboard.Key{Code: keyboard.KeyRune, Rune: 'q'}, want: Quit},
		{key: keyboard.Key{Code: keyboard.KeyRune, Rune: 'Q'}, want: Quit},
		{key: keyboard.Key{Code: keyboard.KeyDown}, want: RangeDown},
		{key: keyboard.Key{Code: keyboard.KeyPageDown}, want: RangeDown},
		{key: keyboard.Key{Code: keyboard.KeyUp}, want: RangeUp},
		{key: keyboard.Key{Code: keyboard.KeyPageUp}, want: RangeUp},
		{key: keyboard.Key{Code: keyboard.KeyRune, Rune: ' '}, want: Trigger},
		{key: keyboard.Key{Code: keyboard.KeyEscape}, want: Trigger},
		{key: keyboard.Key{Code: keyboard.KeyOther}, want: Trigger},
	}

	for _, tt := range tests {
		t.Run(tt.key.String(), func(t *testing.T) {
			if got := CommandFor(tt.key); got != tt.want {
				t.Errorf("CommandFor(%v) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestConsoleLineEndings(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewConsole(buf, true, false)
	c.Println("a\nb")
	c.Alert("c")
	if buf.String() != "a\r\nb\r\nc\r\n" {
		t.Errorf("raw console output = %q", buf.String())
	}
}
