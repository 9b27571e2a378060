package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cncstream/grblcore/pkg/config"
	"github.com/cncstream/grblcore/pkg/controller"
	"github.com/cncstream/grblcore/pkg/events"
	"github.com/cncstream/grblcore/pkg/logging"
	"github.com/cncstream/grblcore/pkg/store"
	"github.com/cncstream/grblcore/pkg/streaming"
)

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path (JSON, overrides defaults)")
		port       = flag.String("port", "", "Serial port to connect to, e.g. /dev/ttyUSB0")
		baud       = flag.Int("baud", 0, "Baud rate (overrides config)")
		file       = flag.String("stream", "", "G-code file to stream once connected")
		dryRun     = flag.Bool("dry-run", false, "Run the stream without writing to the controller")
		home       = flag.Bool("home", false, "Home the machine ($H) before streaming")
		quiet      = flag.Bool("quiet", false, "Suppress progress output, print only errors and the final summary")
		jsonOutput = flag.Bool("json", false, "Print the final summary as JSON")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	if *port == "" {
		fmt.Fprintln(os.Stderr, "grblctl: -port is required")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "grblctl: %v\n", err)
		os.Exit(1)
	}
	if *baud > 0 {
		cfg.Transport.BaudRate = *baud
	}

	log := logging.New(&logging.Config{
		Level:            parseLevel(*logLevel),
		Format:           logging.TextFormat,
		Output:           os.Stderr,
		EnableSanitizing: true,
	})

	ctl, err := controller.New(cfg, store.NewMemory(), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "grblctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := ctl.Connect(ctx, *port); err != nil {
		fmt.Fprintf(os.Stderr, "grblctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer ctl.Disconnect()

	if !*quiet {
		go printEvents(ctl, *jsonOutput)
	}

	if *home {
		if err := ctl.Home(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "grblctl: home: %v\n", err)
			os.Exit(1)
		}
	}

	if *file == "" {
		fmt.Fprintln(os.Stderr, "grblctl: nothing to do (pass -stream to run a program)")
		return
	}

	if err := runStream(ctx, ctl, *file, *dryRun, *jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "grblctl: stream: %v\n", err)
		os.Exit(1)
	}
}

func runStream(ctx context.Context, ctl *controller.Controller, path string, dryRun, jsonOut bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader, err := streaming.NewChunkedFileReader(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	opts := streaming.DefaultOptions()
	opts.DryRun = dryRun

	startedAt := time.Now()
	session, err := ctl.StartStream(ctx, reader, opts)
	if err != nil {
		return err
	}

	<-session.Done()
	stats, err := session.Result()
	elapsed := time.Since(startedAt)

	if jsonOut {
		printJSON(map[string]interface{}{
			"lines_sent":    stats.LinesSent,
			"lines_ok":      stats.LinesOK,
			"lines_errored": stats.LinesErrored,
			"lines_skipped": stats.LinesSkipped,
			"stop_reason":   stats.StopReason,
			"elapsed":       elapsed.String(),
			"error":         errString(err),
		})
	} else {
		fmt.Printf("stream finished in %s: %d sent, %d ok, %d errored, %d skipped\n",
			elapsed.Round(time.Millisecond), stats.LinesSent, stats.LinesOK, stats.LinesErrored, stats.LinesSkipped)
		if stats.StopReason != "" {
			fmt.Printf("stop reason: %s\n", stats.StopReason)
		}
	}
	return err
}

// printEvents subscribes to every event and prints a one-line summary of
// each, for visibility into what the controller is doing between CLI
// commands. A real host would filter and render these richly; this is a
// demonstration of the full event surface, not a UI.
func printEvents(ctl *controller.Controller, jsonOut bool) {
	sub := ctl.Subscribe(func(events.Event) bool { return true })
	defer sub.Cancel()

	for e := range sub.Events() {
		if jsonOut {
			printJSON(map[string]interface{}{
				"kind":      e.Kind,
				"timestamp": e.Timestamp,
				"payload":   e.Payload,
			})
			continue
		}
		fmt.Printf("[%s] %s %+v\n", e.Timestamp.Format("15:04:05.000"), e.Kind, e.Payload)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseLevel(name string) logging.Level {
	switch name {
	case "debug":
		return logging.DebugLevel
	case "warn":
		return logging.WarnLevel
	case "error":
		return logging.ErrorLevel
	default:
		return logging.InfoLevel
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
