package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("eqknob v%s\n", version)
	fmt.Println("Tone knob daemon: blends two alsaequal presets from a pot on a GPIO pin")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  eqknob [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Samples a potentiometer wired as an RC timer to a GPIO pin (via pigpiod),")
	fmt.Println("  self-calibrates its range and rewrites the alsaequal control file with a")
	fmt.Println("  blend of two 10-band presets. Optionally drives a PWM case fan from the")
	fmt.Println("  SoC temperature.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (default $CONFIG_FILE)")
	fmt.Println()
	fmt.Println("  -pigpio-addr string")
	fmt.Printf("        pigpiod address (default %q)\n", defaultPigpioAddr)
	fmt.Println()
	fmt.Println("  -knob-pin int")
	fmt.Println("        GPIO pin of the tone knob (0 disables the knob)")
	fmt.Println()
	fmt.Println("  -fan-pin int")
	fmt.Println("        GPIO pin of the fan PWM line (0 disables the fan)")
	fmt.Println()
	fmt.Println("  -control-file string")
	fmt.Println("        alsaequal control file (default $RUNTIME_DIRECTORY/.alsaequal.bin)")
	fmt.Println()
	fmt.Println("  -mono")
	fmt.Println("        Write a single-channel control file (default true)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultIPCSocket)
	fmt.Println()
	fmt.Println("  -http-port int")
	fmt.Printf("        State websocket port, 0 disables (default %d)\n", defaultHTTPPort)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("ENVIRONMENT VARIABLES:")
	fmt.Println("  CONFIG_FILE       - Config file used when -config is not given")
	fmt.Println("  STATE_DIRECTORY   - Directory for the persisted knob calibration (tone-limits)")
	fmt.Println("  RUNTIME_DIRECTORY - Directory for the alsaequal control file")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Knob on GPIO 4, control file in the systemd runtime directory")
	fmt.Println("  eqknob -knob-pin 4")
	fmt.Println()
	fmt.Println("  # Pause the knob and set the blend by hand")
	fmt.Println("  knobctl pause && knobctl blend 0.25")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath  = flag.String("config", os.Getenv("CONFIG_FILE"), "YAML config file")
		pigpioAddr  = flag.String("pigpio-addr", defaultPigpioAddr, "pigpiod address")
		knobPin     = flag.Int("knob-pin", 0, "GPIO pin of the tone knob (0 disables)")
		fanPin      = flag.Int("fan-pin", 0, "GPIO pin of the fan PWM line (0 disables)")
		controlFile = flag.String("control-file", "", "alsaequal control file")
		mono        = flag.Bool("mono", true, "Write a single-channel control file")
		ipcSocket   = flag.String("ipc-socket", defaultIPCSocket, "Unix domain socket path for IPC")
		httpPort    = flag.Int("http-port", defaultHTTPPort, "State websocket port (0 disables)")
		logLevelStr = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		_           = flag.Bool("version", false, "Print version and exit")
		_           = flag.Bool("help", false, "Print help message")
	)
	flag.Usage = printUsage
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	var ov FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "pigpio-addr":
			ov.PigpioAddr = pigpioAddr
		case "knob-pin":
			ov.KnobPin = knobPin
		case "fan-pin":
			ov.FanPin = fanPin
		case "control-file":
			ov.ControlFile = controlFile
		case "mono":
			ov.Mono = mono
		case "ipc-socket":
			ov.IPCSocketPath = ipcSocket
		case "http-port":
			ov.HTTPPort = httpPort
		case "log-level":
			ov.LogLevel = logLevelStr
		}
	})
	ov.Apply(&cfg)
	cfg.ApplyDirectoryDefaults(os.Getenv("STATE_DIRECTORY"), os.Getenv("RUNTIME_DIRECTORY"))

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("eqknob stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	layout, err := cfg.Equalizer.ToLayout()
	if err != nil {
		return err
	}
	eq := NewEqualizer(ExpandPath(cfg.Equalizer.ControlFile), layout, logger)
	defer eq.Close()

	// A missing pigpiod is not fatal: the equalizer still follows IPC.
	var pig *PigpioClient
	if cfg.Knob.Pin != 0 || cfg.Fan.Pin != 0 {
		timeout := time.Duration(cfg.GPIO.TimeoutMS) * time.Millisecond
		pig, err = DialPigpio(cfg.GPIO.PigpioAddr, timeout, logger)
		if err != nil {
			logger.Warn("GPIO unavailable, knob and fan disabled", "addr", cfg.GPIO.PigpioAddr, "error", err)
		} else {
			defer pig.Close()
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	// Central event bus
	events := make(chan Event, 64)
	broadcasts := make(chan StateBroadcast, 128)

	send := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	var knob *Knob
	var knobCtl knobController
	if pig != nil && cfg.Knob.Pin != 0 {
		knob = NewKnob(pig, cfg.ToKnobConfig(), func(r KnobReading) { send(r) }, logger)
		knobCtl = knob
		g.Go(func() error { return knob.Run(ctx) })
	}

	if pig != nil && cfg.Fan.Pin != 0 {
		fan := NewFanController(pig, cfg.ToFanConfig(), func(s FanState) { send(FanStateChanged{State: s}) }, logger)
		g.Go(func() error { return fan.Run(ctx) })
	}

	state := &PipelineState{
		PresetA:    append([]int(nil), cfg.Equalizer.PresetA...),
		PresetB:    append([]int(nil), cfg.Equalizer.PresetB...),
		Proportion: cfg.Equalizer.DefaultBlend,
	}
	events <- SetBlend{Proportion: cfg.Equalizer.DefaultBlend, Origin: "startup"}

	g.Go(func() error {
		return runDaemon(ctx, events, eq, knobCtl, state, broadcasts, logger)
	})

	g.Go(func() error {
		return runIPCServer(ctx, cfg.IPC.SocketPath, events, logger)
	})

	if cfg.HTTP.Port != 0 {
		srv := NewServer(logger, events, HubConfig{})
		mux := http.NewServeMux()
		srv.Register(mux, cfg.HTTP.WSPath)

		g.Go(func() error {
			srv.Hub().Run(ctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(ctx, srv.Hub(), broadcasts, logger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(ctx, cfg.HTTP.Port, mux, logger)
		})
	} else {
		// Nobody listens; keep the daemon from logging drops forever.
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-broadcasts:
				}
			}
		})
	}

	logger.Info("running",
		"version", version,
		"knob_pin", cfg.Knob.Pin,
		"fan_pin", cfg.Fan.Pin,
		"equalizer", eq.Enabled(),
		"ipc", cfg.IPC.SocketPath,
		"http_port", cfg.HTTP.Port)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
