package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/grow-watcher/internal/sensor"
	"github.com/i474232898/grow-watcher/internal/status"
)

func newTestTracker(t *testing.T) *status.Tracker {
	t.Helper()
	tracker := status.NewTracker(1, nil, zap.NewNop())
	tracker.Register("cloud", status.KindVendor, true)
	tracker.Register("local", status.KindVendor, true)
	tracker.CycleFinished("local", status.KindVendor, time.Now(), time.Second, sensor.CycleResult{}, errors.New("gateway unreachable"))
	tracker.StreamBackoff("stream:cam1", 0, false, time.Minute)
	return tracker
}

func doGet(t *testing.T, tracker *status.Tracker, target string, out interface{}) int {
	t.Helper()
	app := NewApp("test")
	RegisterRoutes(app, tracker)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
	}
	return resp.StatusCode
}

type listBody struct {
	Integrations []status.IntegrationStatus `json:"integrations"`
}

// TestListIntegrationsFilters verifies the kind and degraded filters of the
// integrations list.
func TestListIntegrationsFilters(t *testing.T) {
	tracker := newTestTracker(t)

	tests := []struct {
		target string
		want   []string
	}{
		{"/api/v1/integrations", []string{"cloud", "local", "stream:cam1"}},
		{"/api/v1/integrations?kind=vendor", []string{"cloud", "local"}},
		{"/api/v1/integrations?kind=stream", []string{"stream:cam1"}},
		{"/api/v1/integrations?degraded=true", []string{"local"}},
		{"/api/v1/integrations?kind=vendor&degraded=false", []string{"cloud"}},
	}
	for _, tt := range tests {
		var body listBody
		if code := doGet(t, tracker, tt.target, &body); code != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", tt.target, http.StatusOK, code)
		}
		var got []string
		for _, st := range body.Integrations {
			got = append(got, st.Name)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.target, tt.want, got)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("%s: expected %v, got %v", tt.target, tt.want, got)
			}
		}
	}
}

// TestListIntegrationsRejectsBadFilters verifies invalid query values return 400
// with the JSON error envelope.
func TestListIntegrationsRejectsBadFilters(t *testing.T) {
	tracker := newTestTracker(t)

	for _, target := range []string{
		"/api/v1/integrations?kind=camera",
		"/api/v1/integrations?degraded=maybe",
	} {
		var body struct {
			Error   bool   `json:"error"`
			Message string `json:"message"`
		}
		if code := doGet(t, tracker, target, &body); code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", target, http.StatusBadRequest, code)
		}
		if !body.Error || body.Message == "" {
			t.Fatalf("%s: expected error envelope, got %+v", target, body)
		}
	}
}

func TestGetIntegration(t *testing.T) {
	tracker := newTestTracker(t)

	var st status.IntegrationStatus
	if code := doGet(t, tracker, "/api/v1/integrations/local", &st); code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, code)
	}
	if !st.Degraded || st.LastError != "gateway unreachable" || st.ConsecutiveFailures != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}

	if code := doGet(t, tracker, "/api/v1/integrations/stream%3Acam1", &st); code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, code)
	}
	if st.Kind != status.KindStream || st.EffectiveInterval != time.Minute {
		t.Fatalf("unexpected stream status: %+v", st)
	}

	if code := doGet(t, tracker, "/api/v1/integrations/pulse", nil); code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, code)
	}
}

// TestZoneSummary verifies the zone summary averages the latest readings and
// returns 404 for a zone without readings.
func TestZoneSummary(t *testing.T) {
	tracker := newTestTracker(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tracker.ReadingsCommitted(context.Background(), sensor.Device{DeviceID: "d1", Vendor: sensor.VendorCloud}, []sensor.SensorReading{
		{DeviceID: "d1", Vendor: sensor.VendorCloud, Metric: "temperature", Unit: "C", Value: 20, ObservedAt: at, ZoneID: "veg"},
	})
	tracker.ReadingsCommitted(context.Background(), sensor.Device{DeviceID: "AA:BB", Vendor: sensor.VendorLocal}, []sensor.SensorReading{
		{DeviceID: "AA:BB", Vendor: sensor.VendorLocal, Metric: "temperature", Unit: "C", Value: 24, ObservedAt: at, ZoneID: "veg"},
	})

	var summary sensor.ZoneSummary
	if code := doGet(t, tracker, "/api/v1/zones/veg/summary", &summary); code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, code)
	}
	if summary.ZoneID != "veg" || len(summary.Metrics) != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Metrics[0].Average != 22 {
		t.Fatalf("expected average 22, got %v", summary.Metrics[0].Average)
	}

	if code := doGet(t, tracker, "/api/v1/zones/flower/summary", nil); code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, code)
	}
}
