package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oig-battery-box/batterycore/internal/errs"
	"github.com/oig-battery-box/batterycore/internal/types"
)

// Client is a session-based HTTP client against the vendor cloud: a
// form-login producing a cookie, then If-None-Match-cached GET polling and
// JSON write endpoints, mirroring entsoe/api_client.go's *http.Client
// wrapper shape.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	timeout    time.Duration
	announcer  ShieldAnnouncer

	mu         sync.Mutex
	cacheTags  map[string]string
	cachedBody map[string][]byte
}

// NewClient builds a Client against baseURL, authenticating as username/password.
func NewClient(baseURL, username, password string, timeout time.Duration, announcer ShieldAnnouncer) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if announcer == nil {
		announcer = noopAnnouncer{}
	}
	return &Client{
		httpClient: &http.Client{Jar: jar},
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		timeout:    timeout,
		announcer:  announcer,
		cacheTags:  make(map[string]string),
		cachedBody: make(map[string][]byte),
	}, nil
}

// GetStats fetches the standard-cadence telemetry endpoint.
func (c *Client) GetStats(ctx context.Context) (types.TelemetrySnapshot, error) {
	body, err := c.fetchJSON(ctx, "/api/stats", "stats")
	if err != nil {
		return types.TelemetrySnapshot{}, err
	}
	return decodeSnapshot(body)
}

// GetExtendedStats fetches the lower-cadence telemetry endpoint.
func (c *Client) GetExtendedStats(ctx context.Context) (types.TelemetrySnapshot, error) {
	body, err := c.fetchJSON(ctx, "/api/extended-stats", "extended")
	if err != nil {
		return types.TelemetrySnapshot{}, err
	}
	return decodeSnapshot(body)
}

// SetMode issues a mode change, announcing it to the shield first.
func (c *Client) SetMode(ctx context.Context, mode types.ModeKind) error {
	c.announcer.Announce(types.Command{Kind: types.CommandSetMode, Mode: mode, IssuedTS: time.Now()})
	return c.postJSON(ctx, "/api/set-mode", map[string]string{"mode": mode.String()})
}

// SetGridLimit issues a grid export limit change, announcing it to the shield first.
func (c *Client) SetGridLimit(ctx context.Context, watts int) error {
	c.announcer.Announce(types.Command{Kind: types.CommandSetGridLimit, Watts: watts, IssuedTS: time.Now()})
	return c.postJSON(ctx, "/api/set-grid-limit", map[string]int{"watts": watts})
}

// SetBoiler issues a boiler on/off change, announcing it to the shield first.
func (c *Client) SetBoiler(ctx context.Context, on bool) error {
	c.announcer.Announce(types.Command{Kind: types.CommandSetBoiler, BoilerOn: on, IssuedTS: time.Now()})
	return c.postJSON(ctx, "/api/set-boiler", map[string]bool{"on": on})
}

type statsPayload struct {
	CapacityKWh      float64 `json:"capacity_kwh"`
	SoCKWh           float64 `json:"soc_kwh"`
	Mode             string  `json:"mode"`
	BoilerOn         bool    `json:"boiler_on"`
	GridExportLimitW int     `json:"grid_export_limit_w"`
	LastUpdateTS     int64   `json:"last_update_ts"`
}

func decodeSnapshot(body []byte) (types.TelemetrySnapshot, error) {
	var p statsPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return types.TelemetrySnapshot{}, fmt.Errorf("failed to decode telemetry payload: %w", err)
	}
	mode, err := parseMode(p.Mode)
	if err != nil {
		return types.TelemetrySnapshot{}, err
	}
	return types.TelemetrySnapshot{
		CapacityKWh:      p.CapacityKWh,
		SoCKWh:           p.SoCKWh,
		CurrentMode:      mode,
		BoilerOn:         p.BoilerOn,
		GridExportLimitW: p.GridExportLimitW,
		LastUpdateTS:     time.Unix(p.LastUpdateTS, 0).UTC(),
	}, nil
}

func parseMode(s string) (types.ModeKind, error) {
	return types.ParseModeKind(s)
}

// fetchJSON performs an ETag-cached GET, re-authenticating once on 401/403.
func (c *Client) fetchJSON(ctx context.Context, path, cacheKey string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, status, err := c.doFetch(ctx, path, cacheKey)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if loginErr := c.login(ctx); loginErr != nil {
			return nil, fmt.Errorf("%w: re-authentication failed: %v", errs.ErrProviderUnavailable, loginErr)
		}
		body, status, err = c.doFetch(ctx, path, cacheKey)
		if err != nil {
			return nil, err
		}
	}

	if status == http.StatusNotModified {
		c.mu.Lock()
		cached := c.cachedBody[cacheKey]
		c.mu.Unlock()
		if cached == nil {
			return nil, fmt.Errorf("%w: 304 with no cached body for %s", errs.ErrProviderUnavailable, cacheKey)
		}
		return cached, nil
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", errs.ErrProviderUnavailable, path, status)
	}

	return body, nil
}

func (c *Client) doFetch(ctx context.Context, path, cacheKey string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}

	c.mu.Lock()
	tag, hasTag := c.cacheTags[cacheKey]
	c.mu.Unlock()
	if hasTag {
		req.Header.Set("If-None-Match", tag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		c.mu.Lock()
		if tag := resp.Header.Get("ETag"); tag != "" {
			c.cacheTags[cacheKey] = tag
		}
		c.cachedBody[cacheKey] = body
		c.mu.Unlock()
	}

	return body, resp.StatusCode, nil
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("email", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inc/php/Login.php", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute login request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	status, err := c.doPost(ctx, path, data)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if loginErr := c.login(ctx); loginErr != nil {
			return fmt.Errorf("%w: re-authentication failed: %v", errs.ErrActuationFailed, loginErr)
		}
		status, err = c.doPost(ctx, path, data)
		if err != nil {
			return err
		}
	}

	if status != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", errs.ErrActuationFailed, path, status)
	}
	return nil
}

func (c *Client) doPost(ctx context.Context, path string, data []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrActuationFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
