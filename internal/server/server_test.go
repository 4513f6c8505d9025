package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oig-battery-box/batterycore/internal/errs"
	"github.com/oig-battery-box/batterycore/internal/types"
)

type fakeProvider struct {
	snap StatusSnapshot

	manualPlan    types.Plan
	manualPlanErr error
	deactivateErr error

	lastDeactivatedID string
}

func (f fakeProvider) Status() StatusSnapshot { return f.snap }

func (f fakeProvider) RequestManualPlan(ctx context.Context, targetSoCPct float64, targetTime time.Time, holdingHours float64, holdingMode types.ModeKind) (types.Plan, error) {
	return f.manualPlan, f.manualPlanErr
}

func (f *fakeProvider) DeactivatePlan(planID string) error {
	f.lastDeactivatedID = planID
	return f.deactivateErr
}

func TestHealthHandler_HealthyWhenTelemetryOK(t *testing.T) {
	s := New(&fakeProvider{snap: StatusSnapshot{TelemetryOK: true, Timestamp: time.Now()}}, 0, 0)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)

	s.healthHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthHandler_UnhealthyWhenTelemetryDown(t *testing.T) {
	s := New(&fakeProvider{snap: StatusSnapshot{TelemetryOK: false}}, 0, 0)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)

	s.healthHandler(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthHandler_RejectsNonGet(t *testing.T) {
	s := New(&fakeProvider{}, 0, 0)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/health", nil)

	s.healthHandler(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReadinessHandler_ReportsReadyFromTelemetryOK(t *testing.T) {
	s := New(&fakeProvider{snap: StatusSnapshot{TelemetryOK: true}}, 0, 0)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)

	s.readinessHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ready"])
}

func TestStatusString_DegradedWhenTelemetryStatusDegraded(t *testing.T) {
	assert.Equal(t, "degraded", statusString(StatusSnapshot{TelemetryOK: true, TelemetryStatus: "degraded"}))
	assert.Equal(t, "healthy", statusString(StatusSnapshot{TelemetryOK: true, TelemetryStatus: "healthy"}))
	assert.Equal(t, "unhealthy", statusString(StatusSnapshot{TelemetryOK: false}))
}

func TestNew_DefaultsPeriodWhenNonPositive(t *testing.T) {
	s := New(&fakeProvider{}, 0, 0)
	assert.Equal(t, 5*time.Second, s.period)
}

func TestStatusSnapshot_MarshalsActivePlan(t *testing.T) {
	plan := types.Plan{PlanID: "p1", Kind: types.PlanAutomatic}
	snap := StatusSnapshot{ActivePlan: &plan, Timestamp: time.Now()}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"PlanID":"p1"`)
}

func TestManualPlanHandler_ReturnsCreatedPlan(t *testing.T) {
	p := &fakeProvider{manualPlan: types.Plan{PlanID: "m1", Kind: types.PlanManual}}
	s := New(p, 0, 0)

	body, _ := json.Marshal(manualPlanRequest{
		TargetSoCPct: 100,
		TargetTime:   time.Now().Add(3 * time.Hour),
		HoldingHours: 3,
		HoldingMode:  "HOME_III",
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/manual-plan", bytes.NewReader(body))

	s.manualPlanHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got types.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "m1", got.PlanID)
}

func TestManualPlanHandler_RejectsUnknownHoldingMode(t *testing.T) {
	s := New(&fakeProvider{}, 0, 0)

	body, _ := json.Marshal(manualPlanRequest{HoldingMode: "HOME_V"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/manual-plan", bytes.NewReader(body))

	s.manualPlanHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualPlanHandler_MapsValidationErrorTo400(t *testing.T) {
	p := &fakeProvider{manualPlanErr: errs.ErrValidation}
	s := New(p, 0, 0)

	body, _ := json.Marshal(manualPlanRequest{HoldingMode: "HOME_UPS"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/manual-plan", bytes.NewReader(body))

	s.manualPlanHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualPlanHandler_MapsInfeasibleTo422(t *testing.T) {
	p := &fakeProvider{manualPlanErr: &errs.InfeasibleError{ShortfallKWh: 2.5}}
	s := New(p, 0, 0)

	body, _ := json.Marshal(manualPlanRequest{HoldingMode: "HOME_UPS"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/manual-plan", bytes.NewReader(body))

	s.manualPlanHandler(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestManualPlanHandler_RejectsNonPost(t *testing.T) {
	s := New(&fakeProvider{}, 0, 0)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/manual-plan", nil)

	s.manualPlanHandler(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDeactivatePlanHandler_DeactivatesNamedPlan(t *testing.T) {
	p := &fakeProvider{}
	s := New(p, 0, 0)

	body, _ := json.Marshal(deactivatePlanRequest{PlanID: "p1"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/deactivate-plan", bytes.NewReader(body))

	s.deactivatePlanHandler(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "p1", p.lastDeactivatedID)
}

func TestDeactivatePlanHandler_RejectsMissingPlanID(t *testing.T) {
	s := New(&fakeProvider{}, 0, 0)

	body, _ := json.Marshal(deactivatePlanRequest{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/deactivate-plan", bytes.NewReader(body))

	s.deactivatePlanHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeactivatePlanHandler_MapsNotFoundTo404(t *testing.T) {
	p := &fakeProvider{deactivateErr: errs.ErrNotFound}
	s := New(p, 0, 0)

	body, _ := json.Marshal(deactivatePlanRequest{PlanID: "missing"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/deactivate-plan", bytes.NewReader(body))

	s.deactivatePlanHandler(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
