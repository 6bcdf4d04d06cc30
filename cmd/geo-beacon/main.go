// Command geo-beacon publishes OwnTracks location reports to MQTT and uses the
// broker keepalive to send stationary location pings on a Fibonacci backoff.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/geo-beacon/internal/config"
	"github.com/sweeney/geo-beacon/internal/gpio"
	"github.com/sweeney/geo-beacon/internal/keepalive"
	"github.com/sweeney/geo-beacon/internal/location"
	"github.com/sweeney/geo-beacon/internal/logic"
	"github.com/sweeney/geo-beacon/internal/mqtt"
	"github.com/sweeney/geo-beacon/internal/status"
	"github.com/sweeney/geo-beacon/internal/tracker"
	"github.com/sweeney/geo-beacon/internal/web"
)

// statusRefresh is the runLoop tick interval when no button is polled.
const statusRefresh = time.Second

func main() {
	configPath := flag.String("config", "", "Config file (default: search ./geo-beacon.yaml, ~/.config/geo-beacon/config.yaml, /etc/geo-beacon/config.yaml)")
	logLevel := flag.String("log-level", "", "Log level override: debug, info, warn, error")
	broker := flag.String("broker", "", "MQTT broker URL override")
	httpAddr := flag.String("http", "", `HTTP status address override ("off" disables)`)
	printConfig := flag.Bool("print-config", false, "Print the effective configuration and exit")

	flag.Parse()

	cfg, err := loadConfig(*configPath, overrides{
		Broker:   *broker,
		HTTPAddr: *httpAddr,
		LogLevel: *logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := cfg.Redacted().Marshal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// overrides are command-line values that win over the config file.
type overrides struct {
	Broker   string
	HTTPAddr string
	LogLevel string
}

// loadConfig finds and loads the config file (or defaults when none exists),
// applies flag overrides and validates the result.
func loadConfig(explicit string, o overrides) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if o.Broker != "" {
		cfg.MQTT.Broker = o.Broker
	}
	switch o.HTTPAddr {
	case "":
	case "off":
		cfg.HTTP.Addr = ""
	default:
		cfg.HTTP.Addr = o.HTTPAddr
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// transport is a broker connection that drives the keepalive sender.
type transport interface {
	mqtt.Publisher
	mqtt.ConnectionStatus
	Connect(ctx context.Context, sender *keepalive.PingSender) error
}

func newTransport(protocol int, opts mqtt.Options, logger *slog.Logger) (transport, error) {
	if protocol == 3 {
		return mqtt.NewV3Publisher(opts, logger), nil
	}
	p, err := mqtt.NewV5Publisher(opts, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		id, err := mqtt.LoadOrCreateDeviceID(cfg.Device.DataDir)
		if err != nil {
			logger.Warn("device id not persisted, using a random one", "data_dir", cfg.Device.DataDir, "error", err)
			id = uuid.NewString()
		}
		clientID = mqtt.ClientID(cfg.Device.Name, id)
	}

	wsBroker, err := cfg.ResolveWSBroker()
	if err != nil {
		logger.Warn("live status updates disabled", "error", err)
	}

	// Initialize status tracker (before STARTUP so snapshot is available)
	st := status.NewTracker(time.Now(), statusConfig(cfg, wsBroker))
	if net := readNetworkInfo(); net != nil {
		st.SetNetwork(net)
	}

	conn, err := newTransport(cfg.MQTT.Protocol, mqtt.Options{
		Broker:      cfg.MQTT.Broker,
		ClientID:    clientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		Topic:       cfg.LocationTopic(),
		KeepAlive:   cfg.MQTT.KeepAlive,
		PingTimeout: cfg.MQTT.PingTimeout,
		QoS:         byte(cfg.MQTT.QoS),
		Retain:      cfg.MQTT.Retain,
		BufferSize:  cfg.MQTT.BufferSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer conn.Close()

	repo := location.NewRepo()
	proc := tracker.New(repo, conn, tracker.Config{
		TrackerID:  cfg.Device.TID,
		DeviceName: cfg.Device.Name,
		Logger:     logger,
		OnPublish: func(rt location.ReportType, loc location.Location) {
			st.RecordPublish(rt, loc, time.Now())
		},
		OnSkip: func(location.ReportType) {
			st.RecordSkip()
		},
	})
	counter := keepalive.NewCounter(repo, proc, keepalive.CounterConfig{
		Adaptive: cfg.Keepalive.AdaptiveBackoff,
		Logger:   logger,
		OnTick: func(s keepalive.State) {
			st.RecordTick(s, time.Now())
		},
	})
	sender := keepalive.NewPingSender(ctx, counter, keepalive.WithLogger(logger))

	if err := conn.Connect(ctx, sender); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	st.SetMQTTConnected(conn.IsConnected())

	// Publish startup event with full status snapshot
	snap := st.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := conn.PublishSystem(startupEvent); err != nil {
		logger.Warn("failed to publish startup event", "error", err)
	} else {
		logger.Info("published startup event")
	}

	var reader gpio.Reader
	poll := statusRefresh
	if cfg.Button.Enabled {
		r, err := gpio.NewRealReader(cfg.Button.Chip, cfg.Button.Pin)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer r.Close()
		reader = r
		poll = cfg.Button.Poll
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, st, proc, logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("http status server listening", "addr", cfg.HTTP.Addr)
	}

	logger.Info("started",
		"broker", cfg.MQTT.Broker,
		"protocol", cfg.MQTT.Protocol,
		"topic", cfg.LocationTopic(),
		"client_id", clientID,
		"tid", proc.TrackerID(),
		"keepalive", cfg.MQTT.KeepAlive,
		"adaptive", cfg.Keepalive.AdaptiveBackoff,
		"button", cfg.Button.Enabled)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(loopDeps{
		reader:     reader,
		reporter:   proc,
		publisher:  conn,
		mqttStatus: conn,
		status:     st,
		debounce:   cfg.Button.Debounce,
		now:        time.Now,
		logger:     logger,
	}, ticker.C, sigCh)
}

func statusConfig(cfg *config.Config, wsBroker string) status.Config {
	pin := -1
	if cfg.Button.Enabled {
		pin = cfg.Button.Pin
	}
	return status.Config{
		Broker:      cfg.MQTT.Broker,
		Protocol:    cfg.MQTT.Protocol,
		Topic:       cfg.LocationTopic(),
		KeepAliveMs: cfg.MQTT.KeepAlive.Milliseconds(),
		Adaptive:    cfg.Keepalive.AdaptiveBackoff,
		ButtonPin:   pin,
		DebounceMs:  cfg.Button.Debounce.Milliseconds(),
		HTTPPort:    cfg.HTTP.Addr,
		WSBroker:    wsBroker,
	}
}

// loopDeps are the collaborators of runLoop. reader is nil when the button
// is disabled; status and mqttStatus may be nil in tests.
type loopDeps struct {
	reader     gpio.Reader
	reporter   keepalive.Publisher
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	status     *status.Tracker
	debounce   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// runLoop polls the button on every tick, turns a debounced press into a
// USER report and keeps the status tracker current. It returns after
// publishing SHUTDOWN on the first signal.
func runLoop(d loopDeps, tick <-chan time.Time, sig <-chan os.Signal) error {
	if d.logger == nil {
		d.logger = slog.Default()
	}
	debouncer := logic.NewDebouncer(d.debounce)

	for {
		select {
		case s := <-sig:
			d.logger.Info("shutting down", "signal", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: d.now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if d.status != nil {
				if d.mqttStatus != nil {
					d.status.SetMQTTConnected(d.mqttStatus.IsConnected())
				}
				snap := d.status.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := d.publisher.PublishSystem(event); err != nil {
				d.logger.Warn("failed to publish shutdown event", "error", err)
			} else {
				d.logger.Info("published shutdown event")
			}
			return nil

		case <-tick:
			if d.reader != nil {
				pollButton(d, debouncer)
			}

			// Update status tracker for HTTP consumers
			if d.status != nil {
				if d.reader != nil {
					d.status.SetButton(debouncer.CurrentState(), debouncer.EventCountsSnapshot())
				}
				if d.mqttStatus != nil {
					d.status.SetMQTTConnected(d.mqttStatus.IsConnected())
				}
			}
		}
	}
}

func pollButton(d loopDeps, debouncer *logic.Debouncer) {
	pressed, err := d.reader.Read()
	if err != nil {
		d.logger.Warn("gpio read error", "error", err)
		return
	}

	event := debouncer.Process(logic.Input{Pressed: pressed, Time: d.now()})
	if event == nil {
		return
	}
	d.logger.Info("button", "event", event.Type)
	if event.Type == logic.EventPressed {
		d.reporter.PublishLocation(context.Background(), location.ReportUser, nil)
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
