// Package config loads and validates the battery planning core's
// configuration surface, following scheduler/config.go's JSON +
// time.Duration marshaling pattern.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the configuration surface, plus the
// tariff coefficients the optimizer needs to turn spot price into
// tariff_buy/tariff_sell (left as configuration, per Open Question #4).
type Config struct {
	// Box identity and storage.
	BoxID        string `json:"box_id"`
	StorageDir   string `json:"storage_dir"`
	DataSource   string `json:"data_source"` // "cloud" or "local"
	ModbusAddr   string `json:"modbus_addr"`  // used when DataSource == "local"

	// Telemetry polling (C1).
	VendorBaseURL  string        `json:"vendor_base_url"`
	StandardPollS  int           `json:"standard_poll_s"`  // 30-300, default 30
	ExtendedPollS  int           `json:"extended_poll_s"`  // 300-3600, default 300
	TelemetryTimeout time.Duration `json:"telemetry_timeout"`

	// Price/PV/load providers (C2).
	PriceSourceURL string `json:"price_source_url"`
	PVForecastURL  string `json:"pv_forecast_url"`
	LoadForecastURL string `json:"load_forecast_url"`
	ForecastTimeout time.Duration `json:"forecast_timeout"`

	// Weather alert source (C3).
	WeatherSourceURL string `json:"weather_source_url"`

	// Battery / user constraints.
	UserMinSoCPct float64 `json:"user_min_soc_pct"` // >= 20, default 33
	CapacityKWh   float64 `json:"capacity_kwh"`     // from telemetry; config value is a fallback/seed

	// Optimizer thresholds.
	ThresholdCheapCZK float64 `json:"threshold_cheap_czk"` // 0.5-5.0, default 1.5
	HomeChargeRateW   float64 `json:"home_charge_rate_w"`  // default 3000

	// Service shield (C10).
	ShieldTimeoutMin int `json:"shield_timeout_min"` // 5-60, default 15

	// Balancing (C7).
	OpportunisticThresholdSoCPct float64 `json:"opportunistic_threshold_soc_pct"` // default 90
	HoldingHoursDefault          float64 `json:"holding_hours_default"`           // default 3
	BalancingWindowHours         float64 `json:"balancing_window_hours"`          // default 6
	ForcedIntervalDays           int     `json:"forced_interval_days"`            // default 30

	// Weather (C3/C8).
	WeatherRefreshMin int     `json:"weather_refresh_min"` // default 60
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`

	// Forecast (C2): clear-sky PV estimator fallback.
	PVPeakKW float64 `json:"pv_peak_kw"` // installed PV peak capacity, default 5.0

	// Tariff transformation coefficients (Open Question #4): converts raw
	// spot CZK/MWh into tariff_buy/tariff_sell CZK/kWh.
	TariffVATRate          float64 `json:"tariff_vat_rate"`           // e.g. 0.21
	TariffDistributionCZK  float64 `json:"tariff_distribution_czk"`   // CZK/kWh surcharge on buy
	TariffSellDiscountCZK  float64 `json:"tariff_sell_discount_czk"`  // CZK/kWh subtracted from sell

	// Scheduler periods (§5).
	OptimizerRefreshMin int `json:"optimizer_refresh_min"` // default 30
	ExecutorTickS       int `json:"executor_tick_s"`       // default 60
	BalancingCheckMin   int `json:"balancing_check_min"`   // default 30

	// Outward interface.
	APIAddr string `json:"api_addr"`

	// Optional Postgres mirror of the plan store (C6), for fleet-wide
	// reporting/audit. Empty disables it; the file store remains
	// authoritative either way.
	PlanMirrorDSN string `json:"plan_mirror_dsn"`

	// Credentials, expected to arrive via .env rather than the checked-in
	// config file.
	VendorUsername string `json:"-"`
	VendorPassword string `json:"-"`

	// Operational.
	DryRun bool `json:"dry_run"`
}

// DefaultConfig returns the configuration with every documented default applied.
func DefaultConfig() *Config {
	return &Config{
		BoxID:                        "default",
		StorageDir:                   "./data/plans",
		DataSource:                   "cloud",
		StandardPollS:                30,
		ExtendedPollS:                300,
		TelemetryTimeout:             10 * time.Second,
		ForecastTimeout:              15 * time.Second,
		UserMinSoCPct:                33,
		CapacityKWh:                  15.36,
		ThresholdCheapCZK:            1.5,
		HomeChargeRateW:              3000,
		ShieldTimeoutMin:             15,
		OpportunisticThresholdSoCPct: 90,
		HoldingHoursDefault:          3,
		BalancingWindowHours:         6,
		ForcedIntervalDays:           30,
		WeatherRefreshMin:            60,
		Latitude:                     50.0755, // Prague
		Longitude:                    14.4378,
		PVPeakKW:                     5.0,
		TariffVATRate:                0.21,
		TariffDistributionCZK:        1.2,
		TariffSellDiscountCZK:        0.3,
		OptimizerRefreshMin:          30,
		ExecutorTickS:                60,
		BalancingCheckMin:            30,
		APIAddr:                      ":8090",
	}
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads configuration from an io.Reader of JSON.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadConfigYAML loads configuration from a YAML file, for operators who
// prefer YAML over the JSON surface above.
func LoadConfigYAML(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Decode generically and re-encode as JSON so YAML files use the same
	// key names and duration strings as the JSON surface.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode config YAML: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert config YAML: %w", err)
	}

	return LoadConfigFromReader(bytes.NewReader(jsonData))
}

// SaveConfig saves the configuration to a JSON file.
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	return c.SaveConfigToWriter(file)
}

// SaveConfigToWriter saves the configuration to an io.Writer as JSON.
func (c *Config) SaveConfigToWriter(writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config JSON: %w", err)
	}

	return nil
}

// Validate checks every field against the configuration surface's documented ranges.
func (c *Config) Validate() error {
	if c.BoxID == "" {
		return fmt.Errorf("box_id cannot be empty")
	}

	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir cannot be empty")
	}

	if c.DataSource != "cloud" && c.DataSource != "local" {
		return fmt.Errorf("data_source must be \"cloud\" or \"local\", got: %s", c.DataSource)
	}

	if c.DataSource == "local" && c.ModbusAddr == "" {
		return fmt.Errorf("modbus_addr must be set when data_source is \"local\"")
	}

	if c.StandardPollS < 30 || c.StandardPollS > 300 {
		return fmt.Errorf("standard_poll_s must be between 30 and 300, got: %d", c.StandardPollS)
	}

	if c.ExtendedPollS < 300 || c.ExtendedPollS > 3600 {
		return fmt.Errorf("extended_poll_s must be between 300 and 3600, got: %d", c.ExtendedPollS)
	}

	if c.TelemetryTimeout <= 0 {
		return fmt.Errorf("telemetry_timeout must be greater than 0, got: %s", c.TelemetryTimeout)
	}

	if c.ForecastTimeout <= 0 {
		return fmt.Errorf("forecast_timeout must be greater than 0, got: %s", c.ForecastTimeout)
	}

	if c.UserMinSoCPct < 20 {
		return fmt.Errorf("user_min_soc_pct must be >= 20, got: %f", c.UserMinSoCPct)
	}

	if c.CapacityKWh <= 0 {
		return fmt.Errorf("capacity_kwh must be positive, got: %f", c.CapacityKWh)
	}

	if c.ThresholdCheapCZK < 0.5 || c.ThresholdCheapCZK > 5.0 {
		return fmt.Errorf("threshold_cheap_czk must be between 0.5 and 5.0, got: %f", c.ThresholdCheapCZK)
	}

	if c.HomeChargeRateW <= 0 {
		return fmt.Errorf("home_charge_rate_w must be positive, got: %f", c.HomeChargeRateW)
	}

	if c.ShieldTimeoutMin < 5 || c.ShieldTimeoutMin > 60 {
		return fmt.Errorf("shield_timeout_min must be between 5 and 60, got: %d", c.ShieldTimeoutMin)
	}

	if c.OpportunisticThresholdSoCPct <= 0 || c.OpportunisticThresholdSoCPct > 100 {
		return fmt.Errorf("opportunistic_threshold_soc_pct must be between 0 and 100, got: %f", c.OpportunisticThresholdSoCPct)
	}

	if c.HoldingHoursDefault <= 0 {
		return fmt.Errorf("holding_hours_default must be positive, got: %f", c.HoldingHoursDefault)
	}

	if c.BalancingWindowHours <= 0 {
		return fmt.Errorf("balancing_window_hours must be positive, got: %f", c.BalancingWindowHours)
	}

	if c.ForcedIntervalDays <= 0 {
		return fmt.Errorf("forced_interval_days must be positive, got: %d", c.ForcedIntervalDays)
	}

	if c.WeatherRefreshMin <= 0 {
		return fmt.Errorf("weather_refresh_min must be positive, got: %d", c.WeatherRefreshMin)
	}

	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90, got: %f", c.Latitude)
	}

	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180, got: %f", c.Longitude)
	}

	if c.PVPeakKW < 0 {
		return fmt.Errorf("pv_peak_kw must be non-negative, got: %f", c.PVPeakKW)
	}

	if c.TariffVATRate < 0 {
		return fmt.Errorf("tariff_vat_rate must be non-negative, got: %f", c.TariffVATRate)
	}

	if c.TariffDistributionCZK < 0 {
		return fmt.Errorf("tariff_distribution_czk must be non-negative, got: %f", c.TariffDistributionCZK)
	}

	if c.TariffSellDiscountCZK < 0 {
		return fmt.Errorf("tariff_sell_discount_czk must be non-negative, got: %f", c.TariffSellDiscountCZK)
	}

	if c.OptimizerRefreshMin <= 0 {
		return fmt.Errorf("optimizer_refresh_min must be positive, got: %d", c.OptimizerRefreshMin)
	}

	if c.ExecutorTickS <= 0 {
		return fmt.Errorf("executor_tick_s must be positive, got: %d", c.ExecutorTickS)
	}

	if c.BalancingCheckMin <= 0 {
		return fmt.Errorf("balancing_check_min must be positive, got: %d", c.BalancingCheckMin)
	}

	if c.APIAddr == "" {
		return fmt.Errorf("api_addr cannot be empty")
	}

	return nil
}

// MarshalJSON implements custom JSON marshaling to render TelemetryTimeout
// and ForecastTimeout as duration strings rather than raw nanosecond counts.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		TelemetryTimeout string `json:"telemetry_timeout"`
		ForecastTimeout  string `json:"forecast_timeout"`
	}{
		Alias:            (*Alias)(c),
		TelemetryTimeout: c.TelemetryTimeout.String(),
		ForecastTimeout:  c.ForecastTimeout.String(),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling to parse TelemetryTimeout
// and ForecastTimeout from duration strings.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		TelemetryTimeout string `json:"telemetry_timeout"`
		ForecastTimeout  string `json:"forecast_timeout"`
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.TelemetryTimeout != "" {
		d, err := time.ParseDuration(aux.TelemetryTimeout)
		if err != nil {
			return fmt.Errorf("invalid telemetry_timeout: %w", err)
		}
		c.TelemetryTimeout = d
	}
	if aux.ForecastTimeout != "" {
		d, err := time.ParseDuration(aux.ForecastTimeout)
		if err != nil {
			return fmt.Errorf("invalid forecast_timeout: %w", err)
		}
		c.ForecastTimeout = d
	}

	return nil
}

// String returns a human-readable JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
