// Package config handles geo-beacon configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/geo-beacon/internal/gpio"
	"github.com/sweeney/geo-beacon/internal/mqtt"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./geo-beacon.yaml, ~/.config/geo-beacon/config.yaml, /etc/geo-beacon/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"geo-beacon.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "geo-beacon", "config.yaml"))
	}

	paths = append(paths, "/etc/geo-beacon/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns "" with no error when nothing was found; the daemon then runs on
// defaults and flags.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Config holds all geo-beacon configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Device    DeviceConfig    `yaml:"device"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Button    ButtonConfig    `yaml:"button"`
	HTTP      HTTPConfig      `yaml:"http"`
	LogLevel  string          `yaml:"log_level"`
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`   // tcp://, ssl://, mqtts://, ws://
	Protocol int    `yaml:"protocol"` // 3 (MQTT 3.1.1) or 5
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Topic defaults to owntracks/<device.user>/<device.name>.
	Topic string `yaml:"topic"`

	KeepAlive   time.Duration `yaml:"keepalive"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
	QoS         int           `yaml:"qos"`
	Retain      bool          `yaml:"retain"`
	BufferSize  int           `yaml:"buffer_size"`

	// WSBroker is the websocket URL the status page subscribes to for live
	// updates. "=broker" derives ws://<broker host>:9001; empty disables.
	WSBroker string `yaml:"ws_broker"`
}

// DeviceConfig identifies the device in topics and payloads.
type DeviceConfig struct {
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	TID     string `yaml:"tid"` // defaults to the last two characters of Name
	DataDir string `yaml:"data_dir"`
}

// KeepaliveConfig controls the keepalive publish schedule.
type KeepaliveConfig struct {
	// AdaptiveBackoff publishes stationary locations on a Fibonacci schedule
	// of keepalive ticks. When false every tick publishes.
	AdaptiveBackoff bool `yaml:"adaptive_backoff"`
}

// ButtonConfig defines the optional "report now" push button.
type ButtonConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Chip     string        `yaml:"chip"`
	Pin      int           `yaml:"pin"` // BCM numbering
	Poll     time.Duration `yaml:"poll"`
	Debounce time.Duration `yaml:"debounce"`
}

// HTTPConfig defines the status server.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables
}

// Default returns a default configuration.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "beacon"
	}
	return &Config{
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			Protocol:    5,
			KeepAlive:   60 * time.Second,
			PingTimeout: 10 * time.Second,
			QoS:         1,
			Retain:      true,
			BufferSize:  100,
			WSBroker:    "=broker",
		},
		Device: DeviceConfig{
			User:    "beacon",
			Name:    host,
			DataDir: "/var/lib/geo-beacon",
		},
		Keepalive: KeepaliveConfig{AdaptiveBackoff: true},
		Button: ButtonConfig{
			Chip:     gpio.DefaultChip,
			Pin:      gpio.DefaultPin,
			Poll:     50 * time.Millisecond,
			Debounce: 100 * time.Millisecond,
		},
		HTTP:     HTTPConfig{Addr: ":80"},
		LogLevel: "info",
	}
}

// Load reads configuration from a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	} else if _, err := url.Parse(c.MQTT.Broker); err != nil {
		errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
	}
	if c.MQTT.Protocol != 3 && c.MQTT.Protocol != 5 {
		errs = append(errs, fmt.Errorf("mqtt.protocol must be 3 or 5, got %d", c.MQTT.Protocol))
	}
	if c.MQTT.KeepAlive < time.Second {
		errs = append(errs, fmt.Errorf("mqtt.keepalive must be at least 1s, got %v", c.MQTT.KeepAlive))
	}
	if c.MQTT.KeepAlive > 65535*time.Second {
		errs = append(errs, fmt.Errorf("mqtt.keepalive must not exceed 65535s, got %v", c.MQTT.KeepAlive))
	}
	if c.MQTT.PingTimeout <= 0 {
		errs = append(errs, errors.New("mqtt.ping_timeout must be positive"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.BufferSize < 0 {
		errs = append(errs, errors.New("mqtt.buffer_size must not be negative"))
	}
	if c.Device.User == "" || strings.ContainsAny(c.Device.User, "/+#") {
		errs = append(errs, fmt.Errorf("device.user must be a non-empty topic level, got %q", c.Device.User))
	}
	if c.Device.Name == "" || strings.ContainsAny(c.Device.Name, "/+#") {
		errs = append(errs, fmt.Errorf("device.name must be a non-empty topic level, got %q", c.Device.Name))
	}
	if c.Button.Enabled {
		if c.Button.Pin < 0 {
			errs = append(errs, fmt.Errorf("button.pin must not be negative, got %d", c.Button.Pin))
		}
		if c.Button.Poll <= 0 {
			errs = append(errs, errors.New("button.poll must be positive"))
		}
		if c.Button.Debounce < 0 {
			errs = append(errs, errors.New("button.debounce must not be negative"))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LocationTopic returns the configured topic or the OwnTracks default.
func (c *Config) LocationTopic() string {
	if c.MQTT.Topic != "" {
		return c.MQTT.Topic
	}
	return mqtt.LocationTopic(c.Device.User, c.Device.Name)
}

// ResolveWSBroker converts the ws_broker value into a concrete URL.
// "=broker" derives ws://host:9001 from the broker address; "off" or empty
// disables.
func (c *Config) ResolveWSBroker() (string, error) {
	ws := c.MQTT.WSBroker
	if ws == "" || ws == "off" {
		return "", nil
	}
	if ws != "=broker" {
		return ws, nil
	}
	u, err := url.Parse(c.MQTT.Broker)
	if err != nil {
		return "", fmt.Errorf("derive ws broker from %q: %w", c.MQTT.Broker, err)
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String(), nil
}

// Redacted returns a copy with secrets masked, for -print-config.
func (c *Config) Redacted() *Config {
	out := *c
	if out.MQTT.Password != "" {
		out.MQTT.Password = "********"
	}
	return &out
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
