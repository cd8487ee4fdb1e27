package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/channel-manager/internal/channel"
	"github.com/sweeney/channel-manager/internal/manager"
	"github.com/sweeney/channel-manager/internal/status"
)

// fakeController records calls and returns Err.
type fakeController struct {
	mu    sync.Mutex
	Calls []string
	Args  []interface{}
	Err   error
}

func (c *fakeController) record(name string, arg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, name)
	c.Args = append(c.Args, arg)
	return c.Err
}

func (c *fakeController) RequestChannelChange(_ context.Context, ch uint8) error {
	return c.record("change", ch)
}

func (c *fakeController) RequestChannelSelect(_ context.Context, skip bool) error {
	return c.record("select", skip)
}

func (c *fakeController) SetDelay(_ context.Context, seconds uint16) error {
	return c.record("delay", seconds)
}

func (c *fakeController) SetAutoChannelSelection(_ context.Context, enabled bool) error {
	return c.record("auto", enabled)
}

func (c *fakeController) SetAutoChannelSelectionInterval(_ context.Context, seconds uint32) error {
	return c.record("interval", seconds)
}

func (c *fakeController) SetSupportedChannels(_ context.Context, mask channel.Mask) error {
	return c.record("supported", mask)
}

func (c *fakeController) SetFavoredChannels(_ context.Context, mask channel.Mask) error {
	return c.record("favored", mask)
}

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker, *fakeController) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		SampleMs:    1000,
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		HTTPAddr:    ":80",
	}
	tr := status.NewTracker(start, cfg)
	ctrl := &fakeController{}
	srv := New(":0", tr, ctrl, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, tr, ctrl
}

func getStatus(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.UpdateManager(status.ManagerState{
		State:          manager.StateIdle,
		CurrentChannel: 20,
		Supported:      channel.All,
		DelaySec:       120,
	})
	tr.Notify(manager.Event{Type: manager.EventChannelChanged, Channel: 20})
	tr.SetMQTTConnected(true)

	for _, path := range []string{"/index.json", "/api/v1/status"} {
		sj := getStatus(t, ts.URL+path)

		if sj.Status.State != "IDLE" {
			t.Errorf("%s State: got %q, want IDLE", path, sj.Status.State)
		}
		if sj.Status.Channel != 20 {
			t.Errorf("%s Channel: got %d, want 20", path, sj.Status.Channel)
		}
		if sj.Status.Supported != "11-26" {
			t.Errorf("%s Supported: got %q", path, sj.Status.Supported)
		}
		if sj.Status.Counts.Changes != 1 {
			t.Errorf("%s Counts.Changes: got %d, want 1", path, sj.Status.Counts.Changes)
		}
		if !sj.Status.MQTT.Connected {
			t.Errorf("%s expected MQTT.Connected=true", path)
		}
		if sj.Status.Config.Broker != "tcp://192.168.1.200:1883" {
			t.Errorf("%s Config.Broker: got %q", path, sj.Status.Config.Broker)
		}
	}
}

func TestJSONUnknownStateBeforeFirstUpdate(t *testing.T) {
	ts, _, _ := newTestServer(t)

	sj := getStatus(t, ts.URL+"/index.json")
	if sj.Status.State != "UNKNOWN" {
		t.Errorf("State: got %q, want UNKNOWN", sj.Status.State)
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	sj := getStatus(t, ts.URL+"/index.json")
	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestHTMLEndpoints(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.UpdateManager(status.ManagerState{
		State:            manager.StateChangeRequested,
		CurrentChannel:   11,
		RequestedChannel: 15,
		CCAFailureRate:   0x2400,
	})
	tr.Notify(manager.Event{Type: manager.EventSelection, Reason: "requested channel 15"})

	for _, path := range []string{"/", "/index.html"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body := readBody(t, resp)

		if resp.StatusCode != 200 {
			t.Errorf("%s status: got %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s Content-Type: got %q, want text/html", path, ct)
		}
		for _, want := range []string{"CHANGE_REQUESTED", "0x2400", "requested channel 15", "/ws"} {
			if !strings.Contains(body, want) {
				t.Errorf("%s body missing %q", path, want)
			}
		}
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestStatusOnlyServer(t *testing.T) {
	tr := status.NewTracker(time.Now(), status.Config{})
	srv := New(":0", tr, nil, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/channel/change", "application/json", strings.NewReader(`{"channel":15}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404 without a controller", resp.StatusCode)
	}

	getStatus(t, ts.URL+"/api/v1/status")
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr, _ := newTestServer(t)

	sj1 := getStatus(t, ts.URL+"/index.json")
	if sj1.Status.MQTT.Connected {
		t.Error("expected MQTT disconnected initially")
	}

	tr.UpdateManager(status.ManagerState{State: manager.StateChangeInProgress, CurrentChannel: 11, RequestedChannel: 25})
	tr.SetMQTTConnected(true)

	sj2 := getStatus(t, ts.URL+"/index.json")
	if sj2.Status.State != "CHANGE_IN_PROGRESS" {
		t.Errorf("State: got %q", sj2.Status.State)
	}
	if sj2.Status.RequestedChannel != 25 {
		t.Errorf("RequestedChannel: got %d, want 25", sj2.Status.RequestedChannel)
	}
	if !sj2.Status.MQTT.Connected {
		t.Error("expected MQTT connected after update")
	}
}
