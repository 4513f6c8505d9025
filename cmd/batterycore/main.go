// Command batterycore runs the battery planning and balancing core: it
// polls telemetry, refreshes price/PV/load forecasts, watches for severe
// weather, runs the optimizer, and reconciles the live device mode
// against whichever plan is currently active.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/oig-battery-box/batterycore/internal/app"
	"github.com/oig-battery-box/batterycore/internal/config"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		configYAML = flag.Bool("yaml", false, "Treat -config as a YAML file instead of JSON")
		help       = flag.Bool("help", false, "Show help message")
		serverOnly = flag.Bool("serverOnly", false, "Run only the status server without periodic planning checks")
		once       = flag.Bool("once", false, "Run a single optimizer pass, print the resulting plan, and exit")
		info       = flag.Bool("info", false, "Fetch current telemetry and the active plan, print a summary, and exit")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: error loading .env file:", err)
	}

	cfg, err := loadConfig(*configFile, *configYAML)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}
	cfg.VendorUsername = os.Getenv("OIG_VENDOR_USERNAME")
	cfg.VendorPassword = os.Getenv("OIG_VENDOR_PASSWORD")

	logger := log.New(os.Stdout, "[BATTERYCORE] ", log.LstdFlags)

	a, err := app.New(cfg, logger)
	if err != nil {
		fmt.Println("Error building application:", err)
		os.Exit(1)
	}

	if *once {
		runOnce(a)
		return
	}

	if *info {
		runInfo(a)
		return
	}

	fmt.Printf("Starting battery planning core with the following configuration:\n")
	fmt.Printf("  Box ID: %s\n", cfg.BoxID)
	fmt.Printf("  Data source: %s\n", cfg.DataSource)
	fmt.Printf("  Storage dir: %s\n", cfg.StorageDir)
	fmt.Printf("  Optimizer refresh: %dmin\n", cfg.OptimizerRefreshMin)
	fmt.Printf("  Executor tick: %ds\n", cfg.ExecutorTickS)
	if cfg.DryRun {
		fmt.Printf("  Mode: DRY-RUN (actions will be simulated only)\n")
	}
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := a.Start(ctx, *serverOnly); err != nil {
			logger.Printf("application error: %v", err)
		}
	}()

	logger.Printf("Battery planning core started. Press Ctrl+C to stop...")

	<-sigChan
	logger.Printf("Shutdown signal received, stopping...")

	cancel()
	if err := a.Shutdown(10 * time.Second); err != nil {
		logger.Printf("shutdown error: %v", err)
	}

	logger.Printf("Battery planning core stopped")
}

func loadConfig(path string, yamlFormat bool) (*config.Config, error) {
	if yamlFormat {
		return config.LoadConfigYAML(path)
	}
	return config.LoadConfig(path)
}

func runOnce(a *app.App) {
	logger := log.New(os.Stdout, "[OPTIMIZE] ", log.LstdFlags)

	plan, err := a.RunOnce(context.Background())
	if err != nil {
		logger.Printf("Error running optimizer: %v", err)
		os.Exit(1)
	}

	fmt.Println("\n========================================")
	fmt.Println("PLAN SUMMARY")
	fmt.Println("========================================")
	fmt.Printf("Kind:                %s\n", plan.Kind)
	fmt.Printf("Intervals:           %d\n", len(plan.Intervals))
	fmt.Printf("Total cost (CZK):    %.2f\n", plan.TotalCostCZK)
	fmt.Printf("Final SoC (kWh):     %.2f\n", plan.SummaryMetrics.FinalSoCKWh)
	fmt.Printf("Grid import (kWh):   %.2f\n", plan.SummaryMetrics.TotalGridImportKWh)
	fmt.Printf("Grid export (kWh):   %.2f\n", plan.SummaryMetrics.TotalGridExportKWh)
	fmt.Printf("Deficit intervals:   %d\n", plan.SummaryMetrics.DeficitIntervals)
	fmt.Printf("Horizon truncated:   %t\n", plan.HorizonTruncated)
	fmt.Println()

	fmt.Println("┌──────────────────────┬────────────┬──────────┬──────────┬────────────┬────────────┐")
	fmt.Println("│      Timestamp       │    Mode    │ SoC (kWh)│Grid Imprt│ Grid Exprt │  Cost (CZK)│")
	fmt.Println("├──────────────────────┼────────────┼──────────┼──────────┼────────────┼────────────┤")
	for _, iv := range plan.Intervals {
		fmt.Printf("│ %19s  │ %10s │  %6.2f  │  %6.2f  │   %6.2f   │   %7.3f  │\n",
			iv.TS.Format("2006-01-02 15:04"),
			iv.Mode,
			iv.SoCAfterKWh,
			iv.GridImportKWh,
			iv.GridExportKWh,
			iv.CostCZK,
		)
	}
	fmt.Println("└──────────────────────┴────────────┴──────────┴──────────┴────────────┴────────────┘")
}

func runInfo(a *app.App) {
	logger := log.New(os.Stdout, "[INFO] ", log.LstdFlags)

	snapshot, active, err := a.Info(context.Background())
	if err != nil {
		logger.Printf("Error fetching info: %v", err)
		os.Exit(1)
	}

	fmt.Println("\n========================================")
	fmt.Println("TELEMETRY")
	fmt.Println("========================================")
	fmt.Printf("Mode:                %s\n", snapshot.CurrentMode)
	fmt.Printf("SoC:                 %.2f kWh (%.1f%%)\n", snapshot.SoCKWh, snapshot.SoCPercent())
	fmt.Printf("Capacity:            %.2f kWh\n", snapshot.CapacityKWh)
	fmt.Printf("Boiler on:           %t\n", snapshot.BoilerOn)
	fmt.Printf("Grid export limit:   %d W\n", snapshot.GridExportLimitW)
	fmt.Printf("Last update:         %s\n", snapshot.LastUpdateTS.Format(time.RFC3339))

	fmt.Println("\n========================================")
	fmt.Println("ACTIVE PLAN")
	fmt.Println("========================================")
	if active == nil {
		fmt.Println("No active plan.")
		return
	}
	fmt.Printf("Plan ID:             %s\n", active.PlanID)
	fmt.Printf("Kind:                %s\n", active.Kind)
	fmt.Printf("Status:              %s\n", active.Status)
	fmt.Printf("Created:             %s\n", active.CreatedTS.Format(time.RFC3339))
	fmt.Printf("Total cost (CZK):    %.2f\n", active.TotalCostCZK)
	fmt.Printf("Intervals:           %d\n", len(active.Intervals))
}

func showHelp() {
	fmt.Println("batterycore - battery planning and balancing core for a home energy system")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Polls inverter/battery telemetry, refreshes day-ahead price and PV/load")
	fmt.Println("  forecasts, watches severe-weather alerts, and runs a cost-minimizing")
	fmt.Println("  optimizer over a 48-hour quarter-hour horizon. Reconciles the live")
	fmt.Println("  device mode against the currently active plan and defers to the")
	fmt.Println("  service shield whenever a mobile-app override is detected.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  batterycore [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Basic usage with default settings")
	fmt.Println("  batterycore")
	fmt.Println()
	fmt.Println("  # Custom configuration")
	fmt.Println("  batterycore --config=config.json")
	fmt.Println()
	fmt.Println("  # Run a single optimizer pass and print the plan")
	fmt.Println("  batterycore -once")
	fmt.Println()
	fmt.Println("  # Run only the status server without periodic planning checks")
	fmt.Println("  batterycore -serverOnly")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  batterycore -help")
}
