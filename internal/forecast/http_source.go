package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPriceSource fetches day-ahead spot prices from a JSON endpoint,
// generalizing entsoe/api_client.go's context-aware HTTP GET + status-code
// handling from ENTSO-E's XML market documents to a CZK day-ahead feed.
type HTTPPriceSource struct {
	httpClient *http.Client
	url        string
	userAgent  string
}

type priceEntry struct {
	TS         time.Time `json:"ts"`
	SpotCZKMWh float64   `json:"price_czk_mwh"`
}

// NewHTTPPriceSource builds a price source polling url for a JSON array of
// {ts, price_czk_mwh} entries.
func NewHTTPPriceSource(url string, timeout time.Duration) *HTTPPriceSource {
	return &HTTPPriceSource{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		userAgent:  "batterycore-forecast/1.0",
	}
}

// FetchPrices implements PriceSource.
func (s *HTTPPriceSource) FetchPrices(ctx context.Context) ([]PricePoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build price request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price endpoint returned status %d", resp.StatusCode)
	}

	var entries []priceEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode price response: %w", err)
	}

	points := make([]PricePoint, len(entries))
	for i, e := range entries {
		points[i] = PricePoint{TS: e.TS, SpotCZKMWh: e.SpotCZKMWh}
	}
	return points, nil
}

// HTTPPowerSource fetches an hourly instantaneous-power forecast (PV or
// load) from a JSON endpoint, in the same shape as HTTPPriceSource.
type HTTPPowerSource struct {
	httpClient *http.Client
	url        string
	userAgent  string
}

type powerEntry struct {
	TS    time.Time `json:"ts"`
	Watts float64   `json:"watts"`
}

// NewHTTPPowerSource builds a power source polling url for a JSON array of
// {ts, watts} entries.
func NewHTTPPowerSource(url string, timeout time.Duration) *HTTPPowerSource {
	return &HTTPPowerSource{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		userAgent:  "batterycore-forecast/1.0",
	}
}

// FetchPower implements PowerSource.
func (s *HTTPPowerSource) FetchPower(ctx context.Context) ([]PowerSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build power forecast request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch power forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("power forecast endpoint returned status %d", resp.StatusCode)
	}

	var entries []powerEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode power forecast response: %w", err)
	}

	samples := make([]PowerSample, len(entries))
	for i, e := range entries {
		samples[i] = PowerSample{TS: e.TS, Watts: e.Watts}
	}
	return samples, nil
}
