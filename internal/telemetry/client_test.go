package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oig-battery-box/batterycore/internal/errs"
	"github.com/oig-battery-box/batterycore/internal/types"
)

type recordingAnnouncer struct {
	mu       sync.Mutex
	commands []types.Command
}

func (r *recordingAnnouncer) Announce(cmd types.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
}

func TestGetStats_SendsIfNoneMatchAndCaches(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"capacity_kwh":15.36,"soc_kwh":8.0,"mode":"HOME_I","boiler_on":false,"grid_export_limit_w":5000,"last_update_ts":1700000000}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(srv.URL, "user", "pass", 2*time.Second, nil)
	require.NoError(t, err)

	snap1, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15.36, snap1.CapacityKWh)
	assert.Equal(t, types.HomeI, snap1.CurrentMode)

	snap2, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap1, snap2)
	assert.Equal(t, 2, calls)
}

func TestGetStats_ReauthenticatesOnUnauthorized(t *testing.T) {
	var loggedIn bool
	mux := http.NewServeMux()
	mux.HandleFunc("/inc/php/Login.php", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "user", r.FormValue("email"))
		loggedIn = true
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if !loggedIn {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"capacity_kwh":15.36,"soc_kwh":8.0,"mode":"HOME_II","boiler_on":true,"grid_export_limit_w":0,"last_update_ts":1700000000}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(srv.URL, "user", "pass", 2*time.Second, nil)
	require.NoError(t, err)

	snap, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.HomeII, snap.CurrentMode)
	assert.True(t, loggedIn)
}

func TestSetMode_AnnouncesBeforeWrite(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/set-mode", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	announcer := &recordingAnnouncer{}
	c, err := NewClient(srv.URL, "user", "pass", 2*time.Second, announcer)
	require.NoError(t, err)

	require.NoError(t, c.SetMode(context.Background(), types.HomeIII))

	require.Len(t, announcer.commands, 1)
	assert.Equal(t, types.CommandSetMode, announcer.commands[0].Kind)
	assert.Equal(t, types.HomeIII, announcer.commands[0].Mode)
}

func TestSetGridLimit_FailureReturnsErrActuationFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/set-grid-limit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(srv.URL, "user", "pass", 2*time.Second, nil)
	require.NoError(t, err)

	err = c.SetGridLimit(context.Background(), 3000)
	assert.ErrorIs(t, err, errs.ErrActuationFailed)
}

func TestGetStats_304WithoutPriorCacheFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(srv.URL, "user", "pass", 2*time.Second, nil)
	require.NoError(t, err)

	_, err = c.GetStats(context.Background())
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
}

func TestSetBoiler_SendsExpectedBody(t *testing.T) {
	var gotBody string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/set-boiler", func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(srv.URL, "user", "pass", 2*time.Second, nil)
	require.NoError(t, err)

	require.NoError(t, c.SetBoiler(context.Background(), true))
	assert.JSONEq(t, `{"on":true}`, gotBody)
}
