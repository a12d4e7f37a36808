package sink_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/danevik/flume-monitor/internal/config"
	"github.com/danevik/flume-monitor/internal/flume"
	"github.com/danevik/flume-monitor/internal/sink"
)

// influxServer captures line-protocol write requests
type influxServer struct {
	mu     sync.Mutex
	bodies []string
	orgs   []string
	bucket []string
	server *httptest.Server
}

func newInfluxServer(t *testing.T) *influxServer {
	s := &influxServer{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/v2/write") {
			t.Errorf("Unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("Failed to read write body: %v", err)
		}
		s.mu.Lock()
		s.bodies = append(s.bodies, strings.TrimSpace(string(body)))
		s.orgs = append(s.orgs, r.URL.Query().Get("org"))
		s.bucket = append(s.bucket, r.URL.Query().Get("bucket"))
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *influxServer) captured() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.bodies))
	copy(out, s.bodies)
	return out
}

func testInfluxConfig(url string) config.InfluxConfig {
	return config.InfluxConfig{
		URL:         url,
		Token:       "test-token",
		Org:         "test-org",
		Bucket:      "test-bucket",
		Measurement: "water_usage",
	}
}

func testReading() flume.FlowReading {
	return flume.FlowReading{
		DeviceID:  "device1",
		Timestamp: time.Date(2025, 3, 15, 3, 24, 34, 0, time.UTC),
		GPM:       2.5,
		Active:    true,
	}
}

func TestInfluxWriter_Write(t *testing.T) {
	srv := newInfluxServer(t)
	writer := sink.NewInfluxWriter(testInfluxConfig(srv.server.URL), zap.NewNop())
	defer writer.Close()

	reading := testReading()
	if err := writer.Write(context.Background(), "device1", reading, ""); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	bodies := srv.captured()
	if len(bodies) != 1 {
		t.Fatalf("Expected 1 write request, got %d", len(bodies))
	}
	line := bodies[0]

	if !strings.HasPrefix(line, "water_usage,") {
		t.Errorf("Expected configured default measurement, got line %q", line)
	}
	if !strings.Contains(line, "device_id=device1") {
		t.Errorf("Expected device_id tag, got line %q", line)
	}
	if !strings.Contains(line, "flow_rate=2.5") {
		t.Errorf("Expected flow_rate field, got line %q", line)
	}
	if !strings.Contains(line, "active=true") {
		t.Errorf("Expected active field, got line %q", line)
	}

	// The point must carry the reading's own timestamp, not write time
	expectedTS := fmt.Sprintf(" %d", reading.Timestamp.UnixNano())
	if !strings.HasSuffix(line, expectedTS) {
		t.Errorf("Expected line to end with reading timestamp%s, got %q", expectedTS, line)
	}

	if srv.orgs[0] != "test-org" || srv.bucket[0] != "test-bucket" {
		t.Errorf("Expected write against test-org/test-bucket, got %s/%s", srv.orgs[0], srv.bucket[0])
	}
}

func TestInfluxWriter_MeasurementOverride(t *testing.T) {
	srv := newInfluxServer(t)
	writer := sink.NewInfluxWriter(testInfluxConfig(srv.server.URL), zap.NewNop())
	defer writer.Close()

	if err := writer.Write(context.Background(), "device1", testReading(), "custom_measurement"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	bodies := srv.captured()
	if len(bodies) != 1 {
		t.Fatalf("Expected 1 write request, got %d", len(bodies))
	}
	if !strings.HasPrefix(bodies[0], "custom_measurement,") {
		t.Errorf("Expected measurement override, got line %q", bodies[0])
	}
}

func TestInfluxWriter_WriteErrorReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"boom"}`)
	}))
	defer server.Close()

	writer := sink.NewInfluxWriter(testInfluxConfig(server.URL), zap.NewNop())
	defer writer.Close()

	if err := writer.Write(context.Background(), "device1", testReading(), ""); err == nil {
		t.Fatal("Expected error from failed sink write")
	}
}
