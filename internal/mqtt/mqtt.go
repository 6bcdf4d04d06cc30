// Package mqtt publishes location reports and system events to an MQTT broker
// and binds the keepalive ping sender to each broker session.
package mqtt

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/sweeney/geo-beacon/internal/location"
)

// TopicPrefix is the root of the location topic tree.
const TopicPrefix = "owntracks"

// Sentinel errors returned by the transports.
var (
	ErrNotConnected = errors.New("mqtt: not connected")
	ErrPingTimeout  = errors.New("mqtt: pingresp not received")
)

// LocationTopic returns the topic location reports are published to.
func LocationTopic(user, device string) string {
	return TopicPrefix + "/" + user + "/" + device
}

// Publisher publishes messages to MQTT.
type Publisher interface {
	// Publish sends a location report to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(msg Message) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Options configures a broker connection.
type Options struct {
	Broker      string // e.g. tcp://host:1883, mqtts://host:8883
	ClientID    string
	Username    string
	Password    string
	Topic       string // location topic
	KeepAlive   time.Duration
	PingTimeout time.Duration
	QoS         byte
	Retain      bool
	BufferSize  int // messages queued while disconnected; 0 disables
}

// SystemTopic returns the topic for system lifecycle events.
func (o Options) SystemTopic() string {
	return o.Topic + "/status"
}

// Message is a location report ready to publish.
type Message struct {
	Location  location.Location
	Report    location.ReportType
	TrackerID string
	CreatedAt time.Time
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "LWT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// LocationPayload is the OwnTracks JSON location message.
type LocationPayload struct {
	Type      string  `json:"_type"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Altitude  int     `json:"alt,omitempty"`
	Accuracy  int     `json:"acc,omitempty"`
	Velocity  int     `json:"vel,omitempty"`
	Course    int     `json:"cog,omitempty"`
	Timestamp int64   `json:"tst"`
	CreatedAt int64   `json:"created_at"`
	TrackerID string  `json:"tid,omitempty"`
	Trigger   string  `json:"t,omitempty"`
}

// FormatPayload creates the JSON payload for a location report.
// tst is the fix time; created_at is when the message was built.
func FormatPayload(msg Message) ([]byte, error) {
	loc := msg.Location
	payload := LocationPayload{
		Type:      "location",
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Altitude:  int(math.Round(loc.Altitude)),
		Accuracy:  int(math.Round(loc.Accuracy)),
		Velocity:  int(math.Round(loc.Velocity)),
		Course:    int(math.Round(loc.Course)),
		Timestamp: loc.Time.Unix(),
		CreatedAt: msg.CreatedAt.Unix(),
		TrackerID: msg.TrackerID,
		Trigger:   msg.Report.Trigger(),
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for simple system events
// (LWT) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// willPayload is published by the broker if the connection drops uncleanly.
func willPayload(now time.Time) []byte {
	data, _ := FormatSystemPayload(SystemEvent{
		Timestamp: now,
		Event:     "LWT",
		Reason:    "connection lost",
	})
	return data
}
