package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"shimrelay/internal/config"
	"shimrelay/internal/pipeline"
)

type collectorCapture struct {
	events chan pipeline.Event
}

// PushEvents decodes and forwards received events to the capture channel.
// Params: _ rpc context; batch wire payload.
// Returns: empty response or decode error.
func (c *collectorCapture) PushEvents(_ context.Context, batch *structpb.Struct) (*emptypb.Empty, error) {
	events, err := pipeline.DecodeBatch(batch)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		c.events <- event
	}
	return &emptypb.Empty{}, nil
}

// next waits for the next delivered event.
// Params: t test handle.
// Returns: delivered event; fails test on timeout.
func (c *collectorCapture) next(t *testing.T) pipeline.Event {
	t.Helper()
	select {
	case event := <-c.events:
		return event
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for collector delivery")
	}
	return pipeline.Event{}
}

// startCapture runs an in-process collector on loopback.
// Params: t test handle.
// Returns: capture and its address.
func startCapture(t *testing.T) (*collectorCapture, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	capture := &collectorCapture{events: make(chan pipeline.Event, 16)}
	server := grpc.NewServer()
	pipeline.RegisterCollectorServer(server, capture)
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	return capture, listener.Addr().String()
}

// relayTestConfig builds a config with ingest, relay receiver, and one collector.
// Params: collectorAddr collector address.
// Returns: config snapshot.
func relayTestConfig(collectorAddr string) *config.Config {
	deviceAttributes := false
	return &config.Config{
		Shim: config.ShimConfig{
			ReportUncaughtExceptions: true,
			DeviceAttributes:         &deviceAttributes,
			GlobalAttributes:         map[string]any{"app": "shop"},
		},
		Ingest: config.IngestConfig{
			Enabled:    true,
			Listen:     "127.0.0.1:0",
			GRPCListen: "127.0.0.1:0",
			MaxBody:    1 << 16,
			Timeout:    config.Duration{Duration: 5 * time.Second},
		},
		Pipeline: config.PipelineConfig{
			DropEvent: []string{"name=Noise*"},
		},
		Collector: []config.CollectorConfig{
			{
				Name:          "capture",
				Addr:          []string{collectorAddr},
				Timeout:       config.Duration{Duration: 2 * time.Second},
				RetryInterval: config.Duration{Duration: time.Second},
				Batch: config.CollectorBatchConfig{
					MaxEvents: 1,
					MaxAge:    config.Duration{Duration: time.Second},
				},
			},
		},
	}
}

// startRelay builds and runs a relay for the test duration.
// Params: t test handle; cfg relay config.
// Returns: running relay.
func startRelay(t *testing.T, cfg *config.Config) *Relay {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay, err := newRelay(ctx, cfg, logger)
	if err != nil {
		cancel()
		t.Fatalf("new relay: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- relay.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("relay run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("timeout waiting for relay stop")
		}
	})
	return relay
}

// post sends a JSON body to the relay ingest API.
// Params: t test handle; relay running relay; path API path; body JSON text.
// Returns: HTTP status code.
func post(t *testing.T, relay *Relay, path, body string) int {
	t.Helper()

	resp, err := http.Post("http://"+relay.IngestAddr()+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

// TestRelay_IngestToCollector verifies ingest events reach the collector with global attributes and filters applied.
// Params: testing.T for assertions.
// Returns: none.
func TestRelay_IngestToCollector(t *testing.T) {
	capture, addr := startCapture(t)
	relay := startRelay(t, relayTestConfig(addr))

	if code := post(t, relay, "/v1/report/NoiseTick", `{"n":1}`); code != http.StatusAccepted {
		t.Fatalf("unexpected status for dropped report: %d", code)
	}
	if code := post(t, relay, "/v1/report/Checkout", `{"total":3}`); code != http.StatusAccepted {
		t.Fatalf("unexpected status for report: %d", code)
	}

	event := capture.next(t)
	if event.Name != "Checkout" || event.EventType != "Logs" {
		t.Fatalf("unexpected delivered event: %#v", event)
	}
	if event.Attributes["total"] != float64(3) {
		t.Fatalf("unexpected attributes: %#v", event.Attributes)
	}
	if event.Global["app"] != "shop" {
		t.Fatalf("unexpected global attributes: %#v", event.Global)
	}
	if event.Session == "" || event.ID == "" {
		t.Fatalf("expected session and id stamping: %#v", event)
	}
}

// TestRelay_GRPCReceiverForwards verifies chained relays forward received batches.
// Params: testing.T for assertions.
// Returns: none.
func TestRelay_GRPCReceiverForwards(t *testing.T) {
	capture, addr := startCapture(t)
	relay := startRelay(t, relayTestConfig(addr))

	sender := &pipeline.GRPCSender{}
	t.Cleanup(func() {
		_ = sender.Close()
	})

	upstream := pipeline.Event{
		ID:         "up-1",
		Timestamp:  time.UnixMilli(1700000000000).UTC(),
		Session:    "edge",
		EventType:  "Logs",
		Name:       "Chained",
		Attributes: map[string]any{"hop": 1.0},
		Global:     map[string]string{"relay": "edge"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sender.SendBatch(ctx, relay.GRPCAddr(), []pipeline.Event{upstream}, 2*time.Second); err != nil {
		t.Fatalf("send to relay: %v", err)
	}

	event := capture.next(t)
	if event.ID != "up-1" || event.Session != "edge" || event.Global["relay"] != "edge" {
		t.Fatalf("chained event must be forwarded unchanged: %#v", event)
	}
}

// TestRelay_StatusReportsDrops verifies the status document carries relay counters.
// Params: testing.T for assertions.
// Returns: none.
func TestRelay_StatusReportsDrops(t *testing.T) {
	_, addr := startCapture(t)
	relay := startRelay(t, relayTestConfig(addr))

	post(t, relay, "/v1/report/NoiseTick", `{}`)

	resp, err := http.Get("http://" + relay.IngestAddr() + "/v1/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Relay relayStatus `json:"relay"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Relay.Dropped != 1 {
		t.Fatalf("unexpected dropped count: %d", body.Relay.Dropped)
	}
	if body.Relay.Sink.Session == "" || body.Relay.Sink.Attributes != 1 {
		t.Fatalf("unexpected sink stats: %+v", body.Relay.Sink)
	}
	if len(body.Relay.Collectors) != 1 || body.Relay.Collectors[0].Name != "capture" {
		t.Fatalf("unexpected collector stats: %+v", body.Relay.Collectors)
	}
}

// TestNewRelay_RejectsBadDropRule verifies build fails on malformed filters.
// Params: testing.T for assertions.
// Returns: none.
func TestNewRelay_RejectsBadDropRule(t *testing.T) {
	cfg := &config.Config{Pipeline: config.PipelineConfig{DropEvent: []string{"no-operator"}}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := newRelay(context.Background(), cfg, logger); err == nil {
		t.Fatalf("expected drop rule parse error")
	}
}
