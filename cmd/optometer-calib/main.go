// Command optometer-calib calibrates a Gigahertz-Optik P9710 optical power meter
// controlled via its serial interface. Every keypress triggers a burst of
// readings whose mean and standard deviation are appended to <logfile>.log and
// written to <logfile>.csv.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/chrissnell/optometercalib/internal/keyboard"
	"github.com/chrissnell/optometercalib/internal/log"
	"github.com/chrissnell/optometercalib/internal/optometer"
	"github.com/chrissnell/optometercalib/internal/optometer/p9710"
	"github.com/chrissnell/optometercalib/internal/optometer/simulator"
	"github.com/chrissnell/optometercalib/internal/session"
	"github.com/chrissnell/optometercalib/pkg/config"
	"github.com/google/uuid"
	"golang.org/x/term"
)

const (
	appName = "optometer-calib"
	version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH
)

// Exit codes
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitInterrupted = 130
)

type flagValues struct {
	configFile   string
	port         string
	baud         int
	timeout      time.Duration
	samples      int
	comment      string
	logFile      string
	initialRange string
	simulate     bool
	debug        bool
	diagLog      string
	showVersion  bool
}

func main() {
	defaults := config.Defaults()
	var fv flagValues

	flag.StringVar(&fv.configFile, "config", "", "Optional YAML configuration file; flags given on the command line take precedence")
	flag.StringVar(&fv.port, "port", defaults.Device.SerialDevice, "Serial port name")
	flag.IntVar(&fv.baud, "baud", defaults.Device.Baud, "Serial port baud rate")
	flag.DurationVar(&fv.timeout, "timeout", defaults.Device.Timeout, "Maximum wait for one instrument reply")
	flag.IntVar(&fv.samples, "n", defaults.Session.Samples, "Number of samples per measurement (at least 2)")
	flag.IntVar(&fv.samples, "number", defaults.Session.Samples, "Same as -n")
	flag.StringVar(&fv.comment, "comment", "", "User supplied comment string")
	flag.StringVar(&fv.logFile, "logfile", defaults.Session.LogFile, "Log and CSV base file name")
	flag.StringVar(&fv.initialRange, "range", defaults.Device.InitialRange, "Measurement range selected at start (Range03..Range09)")
	flag.BoolVar(&fv.simulate, "simulate", false, "Use a simulated instrument instead of the serial port")
	flag.BoolVar(&fv.debug, "debug", false, "Turn on debugging output")
	flag.StringVar(&fv.diagLog, "diag-log", "", "Write diagnostic logging to this file instead of stderr")
	flag.BoolVar(&fv.showVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "%s, version %s\n\n", appName, version)
		fmt.Fprintln(out, "Program to calibrate a Gigahertz Optik P9710 optical power meter. It is controlled via its serial interface.")
		fmt.Fprintln(out, "Measurement results are logged in a file. Take care: CSV files are overwritten without warning.")
		fmt.Fprintf(out, "\nUsage: %s [options]\n", appName)
		flag.PrintDefaults()
	}
	flag.Parse()

	if fv.showVersion {
		fmt.Printf("%s %s\n", appName, version)
		os.Exit(exitOK)
	}

	err := run(fv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
	}
	os.Exit(exitCode(err))
}

func run(fv flagValues) error {
	// Set up logging
	if err := log.Init(log.Options{Debug: fv.debug, OutputPath: fv.diagLog}); err != nil {
		return &config.ConfigError{Field: "diag-log", Reason: err.Error()}
	}
	defer log.Sync()

	cfg, err := loadConfig(fv)
	if err != nil {
		return err
	}
	initialRange, _ := cfg.InitialRange()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	device, err := openDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer device.Close()

	keys, err := keyboard.Open(os.Stdin)
	if err != nil {
		return err
	}
	defer keys.Restore()

	logSink, err := session.OpenLogSink(cfg.LogPath())
	if err != nil {
		return err
	}
	csvSink, err := session.OpenCSVSink(cfg.CSVPath())
	if err != nil {
		logSink.Close()
		return err
	}

	console := session.NewConsole(os.Stdout, keys.Raw(), term.IsTerminal(int(os.Stdout.Fd())))

	sess := session.New(session.Options{
		AppName:      appName,
		Version:      version,
		SessionID:    uuid.NewString(),
		Samples:      cfg.Session.Samples,
		Comment:      cfg.Session.Comment,
		InitialRange: initialRange,
	}, device, keys, console, logSink, csvSink, log.Named("session"))

	return sess.Run(ctx)
}

// loadConfig layers defaults, the optional YAML file and explicitly set flags
func loadConfig(fv flagValues) (*config.ConfigData, error) {
	var provider config.ConfigProvider = config.DefaultsProvider{}
	if fv.configFile != "" {
		filename, _ := filepath.Abs(fv.configFile)
		provider = config.NewYAMLProvider(filename)
	}
	defer provider.Close()

	cfg, err := provider.LoadConfig()
	if err != nil {
		var ce *config.ConfigError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &config.ConfigError{Field: "config", Reason: fmt.Sprintf("error reading config file: %v", err)}
	}

	flag.Visit(func(f *flag.Flag) {
		applyFlag(cfg, f.Name, fv)
	})

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlag(cfg *config.ConfigData, name string, fv flagValues) {
	switch name {
	case "port":
		cfg.Device.SerialDevice = fv.port
	case "baud":
		cfg.Device.Baud = fv.baud
	case "timeout":
		cfg.Device.Timeout = fv.timeout
	case "n", "number":
		cfg.Session.Samples = fv.samples
	case "comment":
		cfg.Session.Comment = fv.comment
	case "logfile":
		cfg.Session.LogFile = fv.logFile
	case "range":
		cfg.Device.InitialRange = fv.initialRange
	case "simulate":
		cfg.Device.Simulate = fv.simulate
	}
}

func openDevice(ctx context.Context, cfg *config.ConfigData) (optometer.Device, error) {
	if cfg.Device.Simulate {
		log.Info("using simulated optometer")
		return simulator.New(simulator.Config{
			Current:       cfg.Simulator.Current,
			RelativeNoise: cfg.Simulator.RelativeNoise,
			Seed:          cfg.Simulator.Seed,
		}), nil
	}

	log.Infof("connecting to optometer on %s", cfg.Device.SerialDevice)
	return p9710.Open(ctx, p9710.Config{
		Port:    cfg.Device.SerialDevice,
		Baud:    cfg.Device.Baud,
		Timeout: cfg.Device.Timeout,
	}, log.Named("p9710"))
}

func exitCode(err error) int {
	var ce *config.ConfigError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ce):
		return exitConfig
	case errors.Is(err, keyboard.ErrInterrupted), errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFailure
	}
}
