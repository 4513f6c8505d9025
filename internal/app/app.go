// Package app wires every component into one running system: it builds
// the telemetry, forecast, weather, balancing, weather-plan, executor,
// and shield instances from config, registers their periodic
// responsibilities with internal/core's Supervisor, and implements
// internal/server's StatusProvider so the outward interface can read a
// consistent snapshot across all of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/oig-battery-box/batterycore/internal/balancing"
	"github.com/oig-battery-box/batterycore/internal/config"
	"github.com/oig-battery-box/batterycore/internal/core"
	"github.com/oig-battery-box/batterycore/internal/errs"
	"github.com/oig-battery-box/batterycore/internal/executor"
	"github.com/oig-battery-box/batterycore/internal/forecast"
	"github.com/oig-battery-box/batterycore/internal/optimize"
	"github.com/oig-battery-box/batterycore/internal/planstore"
	"github.com/oig-battery-box/batterycore/internal/server"
	"github.com/oig-battery-box/batterycore/internal/shield"
	"github.com/oig-battery-box/batterycore/internal/telemetry"
	"github.com/oig-battery-box/batterycore/internal/types"
	"github.com/oig-battery-box/batterycore/internal/weather"
	"github.com/oig-battery-box/batterycore/internal/weatherplan"
)

// App owns every long-lived component and assembles them into the
// supervisor's task set.
type App struct {
	cfg    *config.Config
	logger *log.Logger

	telemetrySource telemetry.Source
	poller          *telemetry.Poller
	forecastP       *forecast.Provider
	weatherWatcher  *weather.Watcher
	store           *planstore.Store
	shieldGuard     *shield.Shield
	balancer        *balancing.Detector
	weatherPlanner  *weatherplan.Planner
	exec            *executor.Executor

	supervisor *core.Supervisor
	httpServer *server.Server
}

// New builds the full application from cfg, choosing telemetry.NewClient
// or telemetry.NewModbusMirror as the telemetry source depending on
// cfg.DataSource.
func New(cfg *config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}

	store, err := planstore.New(cfg.StorageDir, logger)
	if err != nil {
		return nil, err
	}
	if cfg.PlanMirrorDSN != "" {
		pg, err := planstore.NewPostgresMirror(cfg.PlanMirrorDSN, logger)
		if err != nil {
			return nil, err
		}
		store.SetMirror(pg)
	}

	shieldGuard := shield.New(store, 60*time.Second, time.Duration(cfg.ShieldTimeoutMin)*time.Minute, logger)

	var telemetrySource telemetry.Source
	if cfg.DataSource == "local" {
		mirror, err := telemetry.NewModbusMirror(cfg.ModbusAddr, 1, cfg.TelemetryTimeout)
		if err != nil {
			return nil, err
		}
		telemetrySource = mirror
	} else {
		client, err := telemetry.NewClient(cfg.VendorBaseURL, cfg.VendorUsername, cfg.VendorPassword, cfg.TelemetryTimeout, shieldGuard)
		if err != nil {
			return nil, err
		}
		telemetrySource = client
	}
	if cfg.DryRun {
		telemetrySource = telemetry.NewDryRunSource(telemetrySource, logger)
	}

	poller := telemetry.NewPoller(telemetrySource, time.Duration(cfg.StandardPollS)*time.Second, time.Duration(cfg.ExtendedPollS)*time.Second, logger)

	priceSource := forecast.NewHTTPPriceSource(cfg.PriceSourceURL, cfg.ForecastTimeout)
	var pvSource forecast.PowerSource
	if cfg.PVForecastURL != "" {
		pvSource = forecast.NewHTTPPowerSource(cfg.PVForecastURL, cfg.ForecastTimeout)
	} else {
		pvSource = forecast.NewSolarEstimator(nil, cfg.PVPeakKW, cfg.Latitude, cfg.Longitude)
	}
	var loadSource forecast.PowerSource
	if cfg.LoadForecastURL != "" {
		loadSource = forecast.NewHTTPPowerSource(cfg.LoadForecastURL, cfg.ForecastTimeout)
	}
	tariff := forecast.TariffRates{VATRate: cfg.TariffVATRate, DistributionCZK: cfg.TariffDistributionCZK, SellDiscountCZK: cfg.TariffSellDiscountCZK}
	forecastP := forecast.NewProvider(priceSource, pvSource, loadSource, tariff)

	weatherWatcher := weather.NewWatcher(weather.NewHTTPSource(cfg.WeatherSourceURL, cfg.Latitude, cfg.Longitude, cfg.ForecastTimeout), time.Duration(cfg.WeatherRefreshMin)*time.Minute, logger)

	balancerCfg := balancing.Config{
		OpportunisticThresholdSoCPct: cfg.OpportunisticThresholdSoCPct,
		HoldingHoursDefault:          cfg.HoldingHoursDefault,
		BalancingWindowHours:         cfg.BalancingWindowHours,
		ForcedIntervalDays:           cfg.ForcedIntervalDays,
		CheapThresholdCZK:            cfg.ThresholdCheapCZK,
		UserMinSoCKWh:                cfg.CapacityKWh * cfg.UserMinSoCPct / 100,
		MaxChargeKWh15m:              cfg.HomeChargeRateW / 1000 * types.IntervalDuration.Hours(),
		MaxDischargeKWh15m:           cfg.HomeChargeRateW / 1000 * types.IntervalDuration.Hours(),
		HomeChargeRateW:              cfg.HomeChargeRateW,
	}
	balancer := balancing.NewDetector(store, forecastP, shieldGuard, balancerCfg)

	weatherCfg := weatherplan.Config{
		UserMinSoCKWh:      balancerCfg.UserMinSoCKWh,
		CheapThresholdCZK:  cfg.ThresholdCheapCZK,
		MaxChargeKWh15m:    balancerCfg.MaxChargeKWh15m,
		MaxDischargeKWh15m: balancerCfg.MaxDischargeKWh15m,
		HomeChargeRateW:    cfg.HomeChargeRateW,
	}
	weatherPlanner := weatherplan.NewPlanner(store, forecastP, weatherWatcher, logger, weatherCfg)

	exec := executor.New(poller, telemetrySource, store, shieldGuard, logger, 8)

	a := &App{
		cfg:             cfg,
		logger:          logger,
		telemetrySource: telemetrySource,
		poller:          poller,
		forecastP:       forecastP,
		weatherWatcher:  weatherWatcher,
		store:           store,
		shieldGuard:     shieldGuard,
		balancer:        balancer,
		weatherPlanner:  weatherPlanner,
		exec:            exec,
	}

	tasks := a.tasks()
	a.supervisor = core.NewSupervisor(logger, tasks...)

	if cfg.APIAddr != "" {
		a.httpServer = server.New(a, addrPort(cfg.APIAddr), 5*time.Second)
	}

	return a, nil
}

// tasks builds the periodic responsibilities described in §5. Telemetry
// polling and weather polling run their own internal cadence inside
// Poller.Run/Watcher.Run (launched once from Start), so only the
// refresh/check/executor tasks need a Task entry here.
func (a *App) tasks() []core.Task {
	return []core.Task{
		{
			Name:     "forecast-refresh",
			Interval: time.Duration(a.cfg.OptimizerRefreshMin) * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.forecastP.Build(ctx)
				return err
			},
		},
		{
			Name:     "optimizer-refresh",
			Interval: time.Duration(a.cfg.OptimizerRefreshMin) * time.Minute,
			Run:      a.refreshAutomaticPlan,
		},
		{
			Name:     "executor-tick",
			Interval: time.Duration(a.cfg.ExecutorTickS) * time.Second,
			Run: func(ctx context.Context) error {
				return a.exec.Tick(ctx, time.Now())
			},
		},
		{
			Name:     "balancing-check",
			Interval: time.Duration(a.cfg.BalancingCheckMin) * time.Minute,
			Run:      a.checkBalancing,
		},
		{
			Name:     "weather-plan-refresh",
			Interval: time.Duration(a.cfg.WeatherRefreshMin) * time.Minute,
			Run:      a.checkWeatherPlan,
		},
	}
}

// refreshAutomaticPlan builds a fresh soft-target automatic plan from the
// latest forecast and telemetry, and activates it unless balancing or a
// weather plan currently holds the active slot.
func (a *App) refreshAutomaticPlan(ctx context.Context) error {
	snapshot, ok := a.poller.Latest()
	if !ok {
		return nil
	}

	active, err := a.store.GetActive()
	if err == nil && (active.Kind == types.PlanWeather || active.Kind == types.PlanBalancing) {
		return nil
	}
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	result, ok := a.forecastP.LastGood()
	if !ok {
		return errs.ErrProviderUnavailable
	}

	simCtx := types.SimulationContext{
		CapacityKWh:        snapshot.CapacityKWh,
		InitialSoCKWh:      snapshot.SoCKWh,
		UserMinSoCKWh:      a.cfg.CapacityKWh * a.cfg.UserMinSoCPct / 100,
		ToleranceKWh:       types.SoCTolerance,
		Forecast:           result.Points,
		TargetPolicy:       types.TargetSoft,
		CheapThreshold:     a.cfg.ThresholdCheapCZK,
		Kind:               types.PlanAutomatic,
		MaxChargeKWh15m:    a.cfg.HomeChargeRateW / 1000 * types.IntervalDuration.Hours(),
		MaxDischargeKWh15m: a.cfg.HomeChargeRateW / 1000 * types.IntervalDuration.Hours(),
		HomeChargeRateW:    a.cfg.HomeChargeRateW,
		GridExportLimitW:   snapshot.GridExportLimitW,
	}

	optResult, err := optimize.Optimize(simCtx)
	var infeasible *errs.InfeasibleError
	if err != nil && !errors.As(err, &infeasible) {
		return err
	}

	plan := optimize.BuildPlan(simCtx, optResult)
	planID, err := a.store.Create(plan)
	if err != nil {
		return err
	}
	return a.store.Activate(planID)
}

func (a *App) checkBalancing(ctx context.Context) error {
	snapshot, ok := a.poller.Latest()
	if !ok {
		return nil
	}
	_, err := a.balancer.Check(ctx, time.Now(), snapshot)
	return err
}

func (a *App) checkWeatherPlan(ctx context.Context) error {
	snapshot, ok := a.poller.Latest()
	if !ok {
		return nil
	}
	_, err := a.weatherPlanner.Check(ctx, time.Now(), snapshot)
	return err
}

// RequestManualPlan implements the outward interface's request_manual_plan
// command (§6): it validates the request per §7's ErrValidation cases,
// synthesizes a hard-target plan holding holding_mode over
// [target_time, target_time+holding_hours), and activates it unless a
// weather-emergency plan currently holds the active slot (weather always
// wins, per the manual/weather precedence decision). The synthesized plan
// is returned even when Optimize reports ErrInfeasible, so the caller can
// inspect the best-effort trajectory and shortfall.
func (a *App) RequestManualPlan(ctx context.Context, targetSoCPct float64, targetTime time.Time, holdingHours float64, holdingMode types.ModeKind) (types.Plan, error) {
	if targetTime.Before(time.Now()) {
		return types.Plan{}, fmt.Errorf("%w: target_time is in the past", errs.ErrValidation)
	}
	if targetSoCPct > 100 {
		return types.Plan{}, fmt.Errorf("%w: target_soc_pct %.1f exceeds 100", errs.ErrValidation, targetSoCPct)
	}
	if holdingHours < 1 {
		return types.Plan{}, fmt.Errorf("%w: holding_hours %.2f is below the 1-hour minimum", errs.ErrValidation, holdingHours)
	}
	if !holdingMode.IsValid() {
		return types.Plan{}, fmt.Errorf("%w: invalid holding_mode", errs.ErrValidation)
	}

	snapshot, ok := a.poller.Latest()
	if !ok {
		return types.Plan{}, errs.ErrProviderUnavailable
	}
	result, ok := a.forecastP.LastGood()
	if !ok {
		return types.Plan{}, errs.ErrProviderUnavailable
	}

	window := types.HoldingWindow{StartTS: targetTime, DurationH: holdingHours, TargetSoCPct: targetSoCPct, HoldingMode: holdingMode}
	simCtx := types.SimulationContext{
		CapacityKWh:        snapshot.CapacityKWh,
		InitialSoCKWh:      snapshot.SoCKWh,
		UserMinSoCKWh:      a.cfg.CapacityKWh * a.cfg.UserMinSoCPct / 100,
		ToleranceKWh:       types.SoCTolerance,
		Forecast:           result.Points,
		TargetPolicy:       types.TargetHard,
		TargetTime:         &targetTime,
		HoldingHours:       &holdingHours,
		HoldingMode:        &holdingMode,
		Holding:            &window,
		CheapThreshold:     a.cfg.ThresholdCheapCZK,
		Kind:               types.PlanManual,
		MaxChargeKWh15m:    a.cfg.HomeChargeRateW / 1000 * types.IntervalDuration.Hours(),
		MaxDischargeKWh15m: a.cfg.HomeChargeRateW / 1000 * types.IntervalDuration.Hours(),
		HomeChargeRateW:    a.cfg.HomeChargeRateW,
		GridExportLimitW:   snapshot.GridExportLimitW,
	}

	optResult, optErr := optimize.Optimize(simCtx)
	var infeasible *errs.InfeasibleError
	if optErr != nil && !errors.As(optErr, &infeasible) {
		return types.Plan{}, optErr
	}

	plan := optimize.BuildPlan(simCtx, optResult)
	planID, err := a.store.Create(plan)
	if err != nil {
		return types.Plan{}, err
	}
	plan.PlanID = planID

	active, activeErr := a.store.GetActive()
	if activeErr == nil && active.Kind == types.PlanWeather {
		return plan, optErr // simulated but not activated: weather holds the active slot
	}
	if activeErr != nil && !errors.Is(activeErr, errs.ErrNotFound) {
		return plan, activeErr
	}
	if err := a.store.Activate(planID); err != nil {
		return plan, err
	}
	return plan, optErr
}

// DeactivatePlan implements the outward interface's deactivate_plan
// command (§6).
func (a *App) DeactivatePlan(planID string) error {
	return a.store.Deactivate(planID)
}

// Start launches the telemetry poller, the weather watcher, the
// supervisor's periodic tasks, and, if configured, the HTTP status
// server. Poller.Run and Watcher.Run manage their own internal polling
// cadence, so each is launched exactly once here rather than as a
// recurring supervisor task. If serverOnly is true, the periodic
// optimizer/balancing/weather/executor tasks are skipped and only
// telemetry polling, the weather watcher, and the status server run.
func (a *App) Start(ctx context.Context, serverOnly bool) error {
	go func() {
		if err := a.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Printf("app: telemetry poller exited: %v", err)
		}
	}()
	go func() {
		if err := a.weatherWatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Printf("app: weather watcher exited: %v", err)
		}
	}()

	if !serverOnly {
		a.supervisor.Start(ctx)
	}
	if a.httpServer != nil {
		return a.httpServer.Start()
	}
	return nil
}

// RunOnce runs a single optimizer pass (bypassing balancing/weather
// precedence) and returns the resulting plan without activating it,
// for one-shot inspection from the CLI.
func (a *App) RunOnce(ctx context.Context) (types.Plan, error) {
	snapshot, err := a.telemetrySource.GetStats(ctx)
	if err != nil {
		return types.Plan{}, err
	}

	result, buildErr := a.forecastP.Build(ctx)
	if buildErr != nil {
		var ok bool
		result, ok = a.forecastP.LastGood()
		if !ok {
			return types.Plan{}, buildErr
		}
	}

	simCtx := types.SimulationContext{
		CapacityKWh:        snapshot.CapacityKWh,
		InitialSoCKWh:      snapshot.SoCKWh,
		UserMinSoCKWh:      a.cfg.CapacityKWh * a.cfg.UserMinSoCPct / 100,
		ToleranceKWh:       types.SoCTolerance,
		Forecast:           result.Points,
		TargetPolicy:       types.TargetSoft,
		CheapThreshold:     a.cfg.ThresholdCheapCZK,
		Kind:               types.PlanAutomatic,
		MaxChargeKWh15m:    a.cfg.HomeChargeRateW / 1000 * types.IntervalDuration.Hours(),
		MaxDischargeKWh15m: a.cfg.HomeChargeRateW / 1000 * types.IntervalDuration.Hours(),
		HomeChargeRateW:    a.cfg.HomeChargeRateW,
		GridExportLimitW:   snapshot.GridExportLimitW,
	}

	optResult, optErr := optimize.Optimize(simCtx)
	var infeasible *errs.InfeasibleError
	if optErr != nil && !errors.As(optErr, &infeasible) {
		return types.Plan{}, optErr
	}

	return optimize.BuildPlan(simCtx, optResult), nil
}

// Info fetches a fresh telemetry snapshot and pairs it with the current
// active plan (if any), for the CLI's -info flag.
func (a *App) Info(ctx context.Context) (types.TelemetrySnapshot, *types.Plan, error) {
	snapshot, err := a.telemetrySource.GetStats(ctx)
	if err != nil {
		return types.TelemetrySnapshot{}, nil, err
	}

	active, err := a.store.GetActive()
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return snapshot, nil, nil
		}
		return snapshot, nil, err
	}
	return snapshot, &active, nil
}

// Shutdown stops the supervisor and HTTP server, waiting up to timeout for each.
func (a *App) Shutdown(timeout time.Duration) error {
	var err error
	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if serr := a.httpServer.Stop(shutdownCtx); serr != nil {
			err = serr
		}
	}
	if serr := a.supervisor.Shutdown(timeout); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Status implements server.StatusProvider.
func (a *App) Status() server.StatusSnapshot {
	snapshot, ok := a.poller.Latest()
	active, activeErr := a.store.GetActive()
	var activePlan *types.Plan
	if activeErr == nil {
		activePlan = &active
	}
	warning, _ := a.weatherWatcher.CurrentWarning()

	return server.StatusSnapshot{
		Timestamp:       time.Now(),
		TelemetryOK:     ok,
		Telemetry:       snapshot,
		TelemetryStatus: a.poller.Status().String(),
		ActivePlan:      activePlan,
		ShieldState:     a.shieldGuard.State(),
		WeatherWarning:  warning,
	}
}

func addrPort(addr string) int {
	port := 0
	start := 0
	for i, c := range addr {
		if c == ':' {
			start = i + 1
		}
	}
	for _, c := range addr[start:] {
		if c < '0' || c > '9' {
			return 0
		}
		port = port*10 + int(c-'0')
	}
	return port
}
