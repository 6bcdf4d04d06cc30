// Package tracker turns location fixes and keepalive decisions into
// published location reports.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sweeney/geo-beacon/internal/location"
	"github.com/sweeney/geo-beacon/internal/mqtt"
)

// Config configures a Processor.
type Config struct {
	// TrackerID is the two-character id shown by OwnTracks frontends.
	// Empty derives it from DeviceName.
	TrackerID  string
	DeviceName string

	// Now defaults to time.Now.
	Now func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnPublish, if set, is called after every successful publish.
	OnPublish func(rt location.ReportType, loc location.Location)

	// OnSkip, if set, is called when a report is dropped for lack of a fix.
	OnSkip func(rt location.ReportType)
}

// Processor is the publish sink for location reports. It is safe for
// concurrent use: keepalive ticks, HTTP handlers and the button loop all
// publish through it.
type Processor struct {
	repo      *location.Repo
	publisher mqtt.Publisher
	tid       string
	now       func() time.Time
	logger    *slog.Logger
	onPublish func(location.ReportType, location.Location)
	onSkip    func(location.ReportType)

	// mu orders publishes so the repo's published location matches the last
	// report sent.
	mu sync.Mutex
}

// New creates a Processor that publishes through publisher and records
// published locations in repo.
func New(repo *location.Repo, publisher mqtt.Publisher, cfg Config) *Processor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tid := cfg.TrackerID
	if tid == "" {
		tid = DefaultTrackerID(cfg.DeviceName)
	}
	return &Processor{
		repo:      repo,
		publisher: publisher,
		tid:       tid,
		now:       cfg.Now,
		logger:    cfg.Logger,
		onPublish: cfg.OnPublish,
		onSkip:    cfg.OnSkip,
	}
}

// DefaultTrackerID returns the last two characters of the device name.
func DefaultTrackerID(deviceName string) string {
	r := []rune(deviceName)
	if len(r) <= 2 {
		return string(r)
	}
	return string(r[len(r)-2:])
}

// TrackerID returns the tid attached to every report.
func (p *Processor) TrackerID() string {
	return p.tid
}

// PublishLocation publishes a report of type rt. A non-nil loc overrides the
// latest fix. Without any location the report is skipped. Publish failures
// are logged, never returned.
func (p *Processor) PublishLocation(ctx context.Context, rt location.ReportType, loc *location.Location) {
	var l location.Location
	if loc != nil {
		l = *loc
	} else {
		current, ok := p.repo.CurrentLocation()
		if !ok {
			p.logger.Info("no location available, skipping report", "report", rt)
			if p.onSkip != nil {
				p.onSkip(rt)
			}
			return
		}
		l = current
	}

	if err := ctx.Err(); err != nil {
		p.logger.Debug("report abandoned", "report", rt, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	msg := mqtt.Message{
		Location:  l,
		Report:    rt,
		TrackerID: p.tid,
		CreatedAt: p.now(),
	}
	if err := p.publisher.Publish(msg); err != nil {
		// Don't crash on publish failure
		p.logger.Warn("publish error", "report", rt, "error", err)
		return
	}

	p.repo.SetPublishedLocation(l)
	p.logger.Debug("location published", "report", rt,
		"lat", l.Latitude, "lon", l.Longitude, "tst", l.Time.Unix())
	if p.onPublish != nil {
		p.onPublish(rt, l)
	}
}

// OnLocationChanged records a new fix and publishes it as a DEFAULT report.
func (p *Processor) OnLocationChanged(ctx context.Context, loc location.Location) {
	p.repo.SetCurrentLocation(loc)
	p.PublishLocation(ctx, location.ReportDefault, &loc)
}
