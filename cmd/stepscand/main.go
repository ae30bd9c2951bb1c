package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/internal/logging"
	"github.com/timzifer/stepscan/server"
	"github.com/timzifer/stepscan/telemetry"

	_ "github.com/timzifer/stepscan/drivers/calc"
	_ "github.com/timzifer/stepscan/drivers/random"
	_ "github.com/timzifer/stepscan/drivers/sim"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	srv, err := server.New(
		server.WithConfig(cfg),
		server.WithConfigPath(*cfgPath),
		server.WithLogger(logger),
		server.WithCollector(collector),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create daemon")
	}
	defer srv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("daemon stopped with error")
	}
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return server.Validate(cfg)
}

func executeConfigCheck(cfg *config.Config) int {
	reports, err := server.AnalyzeScans(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	if len(reports) == 0 {
		fmt.Println("No scans configured.")
		return 0
	}

	exitCode := 0
	for _, report := range reports {
		fmt.Printf("Scan %q\n", report.Name)
		if module := describeModule(report.Source); module != "" {
			fmt.Printf("  Module: %s\n", module)
		}
		fmt.Printf("  Points: %d", report.Npts)
		if report.Estimate > 0 {
			fmt.Printf(" (estimated %s)", report.Estimate)
		}
		fmt.Println()
		fmt.Printf("  Dwell: %s\n", report.Dwell)

		printAxes(report.Axes)
		printInstruments("Detectors", report.Detectors)
		printInstruments("Counters", report.Counters)
		printInstruments("Extras", report.Extras)
		if len(report.Breakpoints) > 0 {
			fmt.Printf("  Breakpoints: %v\n", report.Breakpoints)
		}

		if len(report.Errors) > 0 {
			exitCode = 1
			fmt.Println("  Errors:")
			for _, msg := range report.Errors {
				fmt.Printf("    - %s\n", msg)
			}
		} else {
			fmt.Println("  Status: OK")
		}

		fmt.Println()
	}

	if exitCode == 0 {
		fmt.Println("Configuration check completed successfully.")
	} else {
		fmt.Println("Configuration check completed with errors.")
	}
	return exitCode
}

func printAxes(axes []server.AxisReport) {
	fmt.Println("  Positioners:")
	if len(axes) == 0 {
		fmt.Println("    <none>")
		return
	}
	for _, axis := range axes {
		fmt.Printf("    - %s (%d points)", axis.Positioner, axis.Points)
		if !axis.Resolved {
			fmt.Print(" [unresolved]")
		}
		fmt.Println()
	}
}

func printInstruments(title string, items []server.InstrumentReport) {
	fmt.Printf("  %s:\n", title)
	if len(items) == 0 {
		fmt.Println("    <none>")
		return
	}
	for _, item := range items {
		fmt.Printf("    - %s", item.ID)
		if !item.Resolved {
			fmt.Print(" [unresolved]")
		}
		fmt.Println()
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func describeModule(ref config.ModuleReference) string {
	name := strings.TrimSpace(ref.Name)
	file := strings.TrimSpace(ref.File)
	desc := strings.TrimSpace(ref.Description)

	label := ""
	if name != "" && file != "" {
		label = fmt.Sprintf("%s (%s)", name, file)
	} else if name != "" {
		label = name
	} else if file != "" {
		label = file
	}
	if desc != "" {
		if label != "" {
			label = fmt.Sprintf("%s - %s", label, desc)
		} else {
			label = desc
		}
	}
	return label
}
