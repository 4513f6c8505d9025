package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/oig-battery-box/batterycore/internal/types"
)

// HTTPSource fetches active severe-weather alerts for a location, in the
// request-building/JSON-decode shape of meteo/client.go's getForecast.
type HTTPSource struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	latitude   float64
	longitude  float64
}

// NewHTTPSource builds an HTTPSource against baseURL for the given coordinates.
func NewHTTPSource(baseURL string, latitude, longitude float64, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		userAgent:  "batterycore-weather/1.0",
		latitude:   latitude,
		longitude:  longitude,
	}
}

type alertEntry struct {
	Severity string    `json:"severity"`
	Onset    time.Time `json:"onset"`
	Expires  time.Time `json:"expires"`
}

var severityRank = map[string]types.WeatherSeverity{
	"none":     types.SeverityNone,
	"minor":    types.SeverityMinor,
	"moderate": types.SeverityModerate,
	"severe":   types.SeveritySevere,
	"extreme":  types.SeverityExtreme,
}

// FetchWarning implements Source. It returns the highest-severity alert
// currently active (onset <= now < expires); if none are active it returns
// the zero warning (SeverityNone).
func (s *HTTPSource) FetchWarning(ctx context.Context) (types.WeatherWarning, error) {
	reqURL, err := s.buildURL()
	if err != nil {
		return types.WeatherWarning{}, fmt.Errorf("failed to build alert URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return types.WeatherWarning{}, fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return types.WeatherWarning{}, fmt.Errorf("failed to fetch weather alerts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.WeatherWarning{}, fmt.Errorf("weather alert endpoint returned status %d", resp.StatusCode)
	}

	var entries []alertEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return types.WeatherWarning{}, fmt.Errorf("failed to decode weather alerts: %w", err)
	}

	return highestActive(entries, time.Now()), nil
}

func (s *HTTPSource) buildURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("lat", strconv.FormatFloat(s.latitude, 'f', 4, 64))
	q.Set("lon", strconv.FormatFloat(s.longitude, 'f', 4, 64))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// highestActive picks the most severe alert whose [Onset, Expires) window contains now.
func highestActive(entries []alertEntry, now time.Time) types.WeatherWarning {
	var best types.WeatherWarning
	for _, e := range entries {
		if now.Before(e.Onset) || !now.Before(e.Expires) {
			continue
		}
		sev, ok := severityRank[e.Severity]
		if !ok || sev <= best.Severity {
			continue
		}
		best = types.WeatherWarning{Severity: sev, StartTS: e.Onset, ExpectedEndTS: e.Expires}
	}
	return best
}
