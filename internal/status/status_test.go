package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/geo-beacon/internal/keepalive"
	"github.com/sweeney/geo-beacon/internal/location"
	"github.com/sweeney/geo-beacon/internal/logic"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func greenwich() location.Location {
	return location.Location{
		Latitude:  51.4779,
		Longitude: -0.0015,
		Accuracy:  5,
		Time:      start.Add(time.Minute),
	}
}

func TestNewTracker(t *testing.T) {
	cfg := Config{KeepAliveMs: 60000, Broker: "tcp://localhost:1883", HTTPPort: ":80", Adaptive: true}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.KeepAliveMs != 60000 {
		t.Errorf("Config.KeepAliveMs: got %d, want 60000", snap.Config.KeepAliveMs)
	}
	if snap.Config.HTTPPort != ":80" {
		t.Errorf("Config.HTTPPort: got %q, want %q", snap.Config.HTTPPort, ":80")
	}
	if snap.LastLocation != nil {
		t.Error("expected no location initially")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
}

func TestRecordTick(t *testing.T) {
	tr := NewTracker(start, Config{})
	at := start.Add(time.Minute)

	tr.RecordTick(keepalive.State{Counter: 1, Index: 2, Threshold: 2, Outcome: keepalive.Waiting}, at)
	tr.RecordTick(keepalive.State{Counter: 0, Index: 3, Threshold: 3, Outcome: keepalive.ThresholdReached}, at.Add(time.Minute))

	ka := tr.Snapshot().Keepalive
	if ka.Ticks != 2 {
		t.Errorf("Ticks: got %d, want 2", ka.Ticks)
	}
	if ka.Index != 3 || ka.Threshold != 3 || ka.Counter != 0 {
		t.Errorf("unexpected state %+v", ka)
	}
	if ka.Outcome != keepalive.ThresholdReached {
		t.Errorf("Outcome: got %s", ka.Outcome)
	}
	if !ka.LastTick.Equal(at.Add(time.Minute)) {
		t.Errorf("LastTick: got %v", ka.LastTick)
	}
}

func TestRecordPublish(t *testing.T) {
	tr := NewTracker(start, Config{})
	at := start.Add(2 * time.Minute)

	tr.RecordPublish(location.ReportDefault, greenwich(), at)
	tr.RecordPublish(location.ReportPing, greenwich(), at)
	tr.RecordPublish(location.ReportPing, greenwich(), at)
	tr.RecordPublish(location.ReportUser, greenwich(), at)
	tr.RecordSkip()

	snap := tr.Snapshot()
	want := PublishCounts{Default: 1, User: 1, Ping: 2, Skipped: 1}
	if snap.Publishes != want {
		t.Errorf("Publishes: got %+v, want %+v", snap.Publishes, want)
	}
	if snap.LastReport != location.ReportUser {
		t.Errorf("LastReport: got %s, want USER", snap.LastReport)
	}
	if snap.LastLocation == nil || *snap.LastLocation != greenwich() {
		t.Errorf("LastLocation: got %+v", snap.LastLocation)
	}
	if !snap.LastPublishAt.Equal(at) {
		t.Errorf("LastPublishAt: got %v", snap.LastPublishAt)
	}
}

func TestSetButton(t *testing.T) {
	tr := NewTracker(start, Config{})

	tr.SetButton(logic.StatePressed, logic.EventCounts{Pressed: 3, Released: 2})

	snap := tr.Snapshot()
	if snap.Button != logic.StatePressed {
		t.Errorf("Button: got %q, want PRESSED", snap.Button)
	}
	if snap.ButtonCounts.Pressed != 3 {
		t.Errorf("ButtonCounts.Pressed: got %d, want 3", snap.ButtonCounts.Pressed)
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(start, Config{})

	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}

	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSetNetwork(t *testing.T) {
	tr := NewTracker(start, Config{})

	if tr.Snapshot().Network != nil {
		t.Error("expected nil Network initially")
	}

	tr.SetNetwork(&NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected"})

	snap := tr.Snapshot()
	if snap.Network == nil {
		t.Fatal("expected non-nil Network")
	}
	if snap.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want %q", snap.Network.IP, "192.168.1.42")
	}
}

func TestSnapshotUptime(t *testing.T) {
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(15 * time.Minute),
	}

	if snap.Uptime() != 15*time.Minute {
		t.Errorf("Uptime: got %v, want 15m", snap.Uptime())
	}
}

func TestSnapshotNowIsSet(t *testing.T) {
	tr := NewTracker(start, Config{})

	before := time.Now()
	snap := tr.Snapshot()
	after := time.Now()

	if snap.Now.Before(before) || snap.Now.After(after) {
		t.Errorf("Now (%v) not between %v and %v", snap.Now, before, after)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(start, Config{})
	tr.RecordPublish(location.ReportDefault, greenwich(), start)

	snap1 := tr.Snapshot()
	snap1.LastLocation.Latitude = 0

	moved := greenwich()
	moved.Latitude = 52
	tr.RecordPublish(location.ReportDefault, moved, start)

	snap2 := tr.Snapshot()
	if snap2.LastLocation.Latitude != 52 {
		t.Errorf("tracker lost update: got %v", snap2.LastLocation.Latitude)
	}
	if snap1.Publishes.Default != 1 {
		t.Error("snapshot should be a copy; counts were modified")
	}
}

func testSnapshot() Snapshot {
	loc := greenwich()
	return Snapshot{
		Keepalive: KeepaliveStatus{
			Ticks:     7,
			LastTick:  start.Add(7 * time.Minute),
			Counter:   1,
			Index:     4,
			Threshold: 5,
			Outcome:   keepalive.Waiting,
		},
		LastLocation:  &loc,
		LastReport:    location.ReportPing,
		LastPublishAt: start.Add(5 * time.Minute),
		Publishes:     PublishCounts{Default: 1, Ping: 5},
		Button:        logic.StateReleased,
		ButtonCounts:  logic.EventCounts{Pressed: 2, Released: 2},
		StartTime:     start,
		Now:           start.Add(15 * time.Minute),
		MQTTConnected: true,
		Config: Config{
			Broker:      "tcp://localhost:1883",
			Protocol:    5,
			Topic:       "owntracks/alice/pi",
			KeepAliveMs: 60000,
			Adaptive:    true,
			ButtonPin:   17,
			DebounceMs:  100,
			HTTPPort:    ":80",
		},
	}
}

func TestFormatJSON(t *testing.T) {
	data := FormatJSON(testSnapshot())

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	s := parsed.Status
	if s.Keepalive.Ticks != 7 || s.Keepalive.Index != 4 || s.Keepalive.Threshold != 5 {
		t.Errorf("Keepalive: got %+v", s.Keepalive)
	}
	if s.Keepalive.Outcome != "STATIONARY_WAITING" {
		t.Errorf("Keepalive.Outcome: got %q", s.Keepalive.Outcome)
	}
	if !s.Keepalive.Adaptive {
		t.Error("expected Keepalive.Adaptive=true")
	}
	if s.Location == nil {
		t.Fatal("expected Location in JSON")
	}
	if s.Location.Latitude != 51.4779 || s.Location.Report != "PING" {
		t.Errorf("Location: got %+v", s.Location)
	}
	if s.Location.Timestamp != "2026-01-01T00:01:00Z" {
		t.Errorf("Location.Timestamp: got %q", s.Location.Timestamp)
	}
	if s.Button != "RELEASED" {
		t.Errorf("Button: got %q, want RELEASED", s.Button)
	}
	if s.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", s.UptimeSeconds)
	}
	if !s.MQTT.Connected || s.MQTT.Protocol != 5 || s.MQTT.Topic != "owntracks/alice/pi" {
		t.Errorf("MQTT: got %+v", s.MQTT)
	}
	if s.Counts.Ping != 5 || s.Counts.ButtonPresses != 2 {
		t.Errorf("Counts: got %+v", s.Counts)
	}
	// Event and Reason should be omitted
	if s.Event != "" {
		t.Errorf("expected empty Event for web format, got %q", s.Event)
	}
	if s.Reason != "" {
		t.Errorf("expected empty Reason for web format, got %q", s.Reason)
	}
}

func TestFormatJSONEmptyState(t *testing.T) {
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(time.Second),
	}

	data := FormatJSON(snap)

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	status := raw["status"].(map[string]interface{})
	if status["button"] != "UNKNOWN" {
		t.Errorf("button: got %v, want UNKNOWN", status["button"])
	}
	if _, exists := status["location"]; exists {
		t.Error("location should be omitted before the first publish")
	}
	ka := status["keepalive"].(map[string]interface{})
	if _, exists := ka["last_tick"]; exists {
		t.Error("last_tick should be omitted before the first tick")
	}
}

func TestFormatStatusEvent(t *testing.T) {
	data := FormatStatusEvent(testSnapshot(), "STARTUP", "")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "STARTUP" {
		t.Errorf("Event: got %q, want STARTUP", parsed.Status.Event)
	}
	if parsed.Status.Reason != "" {
		t.Errorf("Reason: got %q, want empty", parsed.Status.Reason)
	}
	if parsed.Status.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", parsed.Status.UptimeSeconds)
	}
}

func TestFormatStatusEventShutdown(t *testing.T) {
	data := FormatStatusEvent(testSnapshot(), "SHUTDOWN", "SIGTERM")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "SHUTDOWN" {
		t.Errorf("Event: got %q, want SHUTDOWN", parsed.Status.Event)
	}
	if parsed.Status.Reason != "SIGTERM" {
		t.Errorf("Reason: got %q, want SIGTERM", parsed.Status.Reason)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	snap := Snapshot{StartTime: start, Now: start.Add(time.Second)}

	data := FormatStatusEvent(snap, "STARTUP", "")

	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	status := raw["status"].(map[string]interface{})
	if _, exists := status["reason"]; exists {
		t.Error("reason should be omitted when empty")
	}
	if status["event"] != "STARTUP" {
		t.Errorf("event: got %v, want STARTUP", status["event"])
	}
}

func TestFormatJSONWithNetwork(t *testing.T) {
	snap := testSnapshot()
	snap.Network = &NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected", SSID: "MyNet"}

	data := FormatJSON(snap)

	var parsed StatusJSON
	json.Unmarshal(data, &parsed)

	if parsed.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if parsed.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", parsed.Status.Network.IP)
	}
	if parsed.Status.Network.SSID != "MyNet" {
		t.Errorf("Network.SSID: got %q, want MyNet", parsed.Status.Network.SSID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup

	// Writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.RecordTick(keepalive.State{Counter: i}, time.Now())
			tr.RecordPublish(location.ReportPing, greenwich(), time.Now())
			tr.SetButton(logic.StateReleased, logic.EventCounts{Pressed: i})
			tr.SetMQTTConnected(i%2 == 0)
			tr.SetNetwork(&NetworkInfo{IP: "1.2.3.4"})
		}
	}()

	// Reader
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = snap.Uptime()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()
}
