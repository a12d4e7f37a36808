package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/danevik/flume-monitor/internal/cache"
	"github.com/danevik/flume-monitor/internal/config"
	"github.com/danevik/flume-monitor/internal/flume"
	"github.com/danevik/flume-monitor/internal/service"
	"github.com/danevik/flume-monitor/internal/sink"
)

// fakeFetcher scripts the upstream current-flow endpoint
type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	readings []flume.FlowReading
	errs     []error
}

func (f *fakeFetcher) CurrentFlow(ctx context.Context, deviceID string) (flume.FlowReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return flume.FlowReading{}, f.errs[i]
	}
	if i < len(f.readings) {
		return f.readings[i], nil
	}
	if len(f.readings) > 0 {
		return f.readings[len(f.readings)-1], nil
	}
	return flume.FlowReading{}, errors.New("no scripted reading")
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSink captures writes and optionally fails them
type fakeSink struct {
	mu     sync.Mutex
	writes []sinkWrite
	err    error
}

type sinkWrite struct {
	deviceID    string
	reading     flume.FlowReading
	measurement string
}

func (s *fakeSink) Write(ctx context.Context, deviceID string, reading flume.FlowReading, measurement string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, sinkWrite{deviceID, reading, measurement})
	return s.err
}

func (s *fakeSink) Close() {}

func (s *fakeSink) captured() []sinkWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkWrite, len(s.writes))
	copy(out, s.writes)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Cache:   config.CacheConfig{Retention: time.Hour},
		Monitor: config.MonitorConfig{PollInterval: 30 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond},
	}
}

func newTestCache(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sample(deviceID string, gpm float64) flume.FlowReading {
	return flume.FlowReading{
		DeviceID:  deviceID,
		Timestamp: time.Date(2025, 3, 15, 3, 24, 34, 0, time.UTC),
		GPM:       gpm,
		Active:    true,
	}
}

func TestCurrentFlow_LiveReadingCachedAndReturned(t *testing.T) {
	store := newTestCache(t)
	fetcher := &fakeFetcher{readings: []flume.FlowReading{sample("device1", 2.5)}}
	m := service.NewMonitor(fetcher, store, &fakeSink{}, nil, testConfig(), zap.NewNop())

	reading, err := m.CurrentFlow(context.Background(), "device1")
	if err != nil {
		t.Fatalf("CurrentFlow failed: %v", err)
	}
	if reading.GPM != 2.5 || reading.Stale {
		t.Errorf("Expected fresh live reading, got %+v", reading)
	}

	cached, err := store.Latest("device1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if cached == nil || cached.GPM != 2.5 {
		t.Errorf("Expected write-through to cache, got %+v", cached)
	}
}

func TestCurrentFlow_FallsBackToCache(t *testing.T) {
	store := newTestCache(t)
	stale := sample("device1", 1.8)
	stale.Timestamp = time.Now().UTC().Add(-5 * time.Minute).Truncate(time.Second)
	if err := store.Put("device1", stale); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	upstreamErr := &flume.APIError{Err: errors.New("connection refused")}
	fetcher := &fakeFetcher{errs: []error{upstreamErr}}
	m := service.NewMonitor(fetcher, store, &fakeSink{}, nil, testConfig(), zap.NewNop())

	reading, err := m.CurrentFlow(context.Background(), "device1")
	if err != nil {
		t.Fatalf("Expected cache fallback, got error: %v", err)
	}
	if reading.GPM != 1.8 {
		t.Errorf("Expected cached reading, got %+v", reading)
	}
	if !reading.Stale {
		t.Error("Expected fallback reading to be marked stale")
	}
	if !reading.Timestamp.Equal(stale.Timestamp) {
		t.Errorf("Expected cached timestamp %v, got %v", stale.Timestamp, reading.Timestamp)
	}
}

func TestCurrentFlow_EmptyCachePropagatesError(t *testing.T) {
	store := newTestCache(t)
	upstreamErr := &flume.APIError{Err: errors.New("connection refused")}
	fetcher := &fakeFetcher{errs: []error{upstreamErr}}
	m := service.NewMonitor(fetcher, store, &fakeSink{}, nil, testConfig(), zap.NewNop())

	_, err := m.CurrentFlow(context.Background(), "device1")
	var apiErr *flume.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected original upstream error, got %v", err)
	}
}

func TestWriteReading_NoSink(t *testing.T) {
	store := newTestCache(t)
	m := service.NewMonitor(&fakeFetcher{}, store, nil, nil, testConfig(), zap.NewNop())

	err := m.WriteReading(context.Background(), "device1", sample("device1", 2.5), "")
	if !errors.Is(err, sink.ErrNotConfigured) {
		t.Fatalf("Expected ErrNotConfigured, got %v", err)
	}
}

func TestWriteReading_SinkFailureNotPropagated(t *testing.T) {
	store := newTestCache(t)
	failing := &fakeSink{err: errors.New("influx down")}
	m := service.NewMonitor(&fakeFetcher{}, store, failing, nil, testConfig(), zap.NewNop())

	if err := m.WriteReading(context.Background(), "device1", sample("device1", 2.5), ""); err != nil {
		t.Fatalf("Sink failure must not propagate, got %v", err)
	}

	// The reading must still be durable in the cache
	cached, err := store.Latest("device1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if cached == nil || cached.GPM != 2.5 {
		t.Errorf("Expected cache write-through despite sink outage, got %+v", cached)
	}
}

func TestEndToEnd_ReadingFlowsToSinkAndCache(t *testing.T) {
	store := newTestCache(t)
	captured := &fakeSink{}
	fetcher := &fakeFetcher{readings: []flume.FlowReading{sample("device1", 2.5)}}
	m := service.NewMonitor(fetcher, store, captured, nil, testConfig(), zap.NewNop())

	reading, err := m.CurrentFlow(context.Background(), "device1")
	if err != nil {
		t.Fatalf("CurrentFlow failed: %v", err)
	}
	if err := m.WriteReading(context.Background(), "device1", reading, ""); err != nil {
		t.Fatalf("WriteReading failed: %v", err)
	}

	writes := captured.captured()
	if len(writes) != 1 {
		t.Fatalf("Expected 1 sink write, got %d", len(writes))
	}
	w := writes[0]
	if w.deviceID != "device1" || w.reading.GPM != 2.5 || !w.reading.Active {
		t.Errorf("Unexpected sink write: %+v", w)
	}
	expectedTS := time.Date(2025, 3, 15, 3, 24, 34, 0, time.UTC)
	if !w.reading.Timestamp.Equal(expectedTS) {
		t.Errorf("Expected point at the reading's own timestamp, got %v", w.reading.Timestamp)
	}

	recent, err := store.Recent("device1", 100*365*24*time.Hour)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("Expected exactly one cache entry, got %d", len(recent))
	}
	if !recent[0].Timestamp.Equal(expectedTS) {
		t.Errorf("Expected cache entry at %v, got %v", expectedTS, recent[0].Timestamp)
	}
}

func TestRun_RequiresSink(t *testing.T) {
	store := newTestCache(t)
	m := service.NewMonitor(&fakeFetcher{}, store, nil, nil, testConfig(), zap.NewNop())

	err := m.Run(context.Background(), "device1", time.Second)
	if !errors.Is(err, sink.ErrNotConfigured) {
		t.Fatalf("Expected ErrNotConfigured, got %v", err)
	}
}

func TestRun_ContinuesAfterFailedCycle(t *testing.T) {
	store := newTestCache(t)
	fetcher := &fakeFetcher{
		errs:     []error{errors.New("transient upstream failure")},
		readings: []flume.FlowReading{{}, sample("device1", 2.5)},
	}
	captured := &fakeSink{}
	cfg := &config.Config{
		Cache:   config.CacheConfig{Retention: time.Hour},
		Monitor: config.MonitorConfig{PollInterval: 500 * time.Millisecond, ErrorBackoff: 10 * time.Millisecond},
	}
	m := service.NewMonitor(fetcher, store, captured, nil, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, "device1", cfg.Monitor.PollInterval) }()

	// Wait until the loop has survived the failing cycle and completed
	// at least one more.
	deadline := time.After(2 * time.Second)
	for len(captured.captured()) == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("Loop never recovered from the failed cycle")
		case <-time.After(2 * time.Millisecond):
		}
	}
	recovered := time.Since(start)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Loop did not stop after cancellation")
	}

	if fetcher.callCount() < 2 {
		t.Errorf("Expected the loop to keep polling after an error, got %d calls", fetcher.callCount())
	}
	// The retry must come after the short backoff, not a full poll interval.
	if recovered >= cfg.Monitor.PollInterval/2 {
		t.Errorf("Expected recovery within the error backoff, took %v", recovered)
	}
}

func TestRun_CancellationAbortsSleepPromptly(t *testing.T) {
	store := newTestCache(t)
	fetcher := &fakeFetcher{readings: []flume.FlowReading{sample("device1", 2.5)}}
	m := service.NewMonitor(fetcher, store, &fakeSink{}, nil, testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, "device1", time.Hour) }()

	// Let the first cycle complete, then cancel mid-sleep
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Cancellation did not abort the interval sleep")
	}
}
