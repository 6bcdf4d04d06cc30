package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Keepalive     KeepaliveJSON `json:"keepalive"`
	Location      *LocationJSON `json:"location,omitempty"`
	Button        string        `json:"button"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Counts        CountsJSON    `json:"publish_counts"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// KeepaliveJSON is the JSON representation of the backoff counter state.
type KeepaliveJSON struct {
	Ticks     int    `json:"ticks"`
	LastTick  string `json:"last_tick,omitempty"`
	Counter   int    `json:"counter"`
	Index     int    `json:"fibonacci_index"`
	Threshold int    `json:"threshold"`
	Outcome   string `json:"last_outcome,omitempty"`
	Adaptive  bool   `json:"adaptive"`
}

// LocationJSON is the last published location.
type LocationJSON struct {
	Latitude    float64 `json:"lat"`
	Longitude   float64 `json:"lon"`
	Accuracy    float64 `json:"acc,omitempty"`
	Timestamp   string  `json:"tst"`
	Report      string  `json:"report"`
	PublishedAt string  `json:"published_at"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Protocol  int    `json:"protocol"`
	Topic     string `json:"topic"`
}

// CountsJSON is the JSON representation of publish and button counts.
type CountsJSON struct {
	Default       int `json:"default"`
	User          int `json:"user"`
	Ping          int `json:"ping"`
	Skipped       int `json:"skipped"`
	ButtonPresses int `json:"button_presses"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	KeepAliveMs int64  `json:"keepalive_ms"`
	ButtonPin   int    `json:"button_pin"`
	DebounceMs  int64  `json:"debounce_ms"`
	Broker      string `json:"broker"`
	HTTPPort    string `json:"http_port"`
	WSBroker    string `json:"ws_broker,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildInner(snap Snapshot) StatusInner {
	button := string(snap.Button)
	if button == "" {
		button = "UNKNOWN"
	}

	inner := StatusInner{
		Keepalive: KeepaliveJSON{
			Ticks:     snap.Keepalive.Ticks,
			LastTick:  formatTime(snap.Keepalive.LastTick),
			Counter:   snap.Keepalive.Counter,
			Index:     snap.Keepalive.Index,
			Threshold: snap.Keepalive.Threshold,
			Outcome:   string(snap.Keepalive.Outcome),
			Adaptive:  snap.Config.Adaptive,
		},
		Button:        button,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT: MQTTStatus{
			Connected: snap.MQTTConnected,
			Broker:    snap.Config.Broker,
			Protocol:  snap.Config.Protocol,
			Topic:     snap.Config.Topic,
		},
		Counts: CountsJSON{
			Default:       snap.Publishes.Default,
			User:          snap.Publishes.User,
			Ping:          snap.Publishes.Ping,
			Skipped:       snap.Publishes.Skipped,
			ButtonPresses: snap.ButtonCounts.Pressed,
		},
		Config: ConfigJSON{
			KeepAliveMs: snap.Config.KeepAliveMs,
			ButtonPin:   snap.Config.ButtonPin,
			DebounceMs:  snap.Config.DebounceMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			WSBroker:    snap.Config.WSBroker,
		},
	}
	if snap.LastLocation != nil {
		inner.Location = &LocationJSON{
			Latitude:    snap.LastLocation.Latitude,
			Longitude:   snap.LastLocation.Longitude,
			Accuracy:    snap.LastLocation.Accuracy,
			Timestamp:   formatTime(snap.LastLocation.Time),
			Report:      string(snap.LastReport),
			PublishedAt: formatTime(snap.LastPublishAt),
		}
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
