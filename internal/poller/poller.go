// Package poller drives the polling cycle: every tick it enumerates all
// (family, device) pairs, reads each device through the Modbus transport on
// a bounded worker pool, and dispatches the resulting frame to the live
// cache, the publisher, the log writer, and the alarm engine.
package poller

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/mokuloa/aquagate/internal/family"
	"github.com/mokuloa/aquagate/internal/livecache"
	"github.com/mokuloa/aquagate/internal/metrics"
	"github.com/mokuloa/aquagate/internal/modbus"
	"github.com/mokuloa/aquagate/internal/regmap"
	"github.com/mokuloa/aquagate/internal/telemetry"
)

// Transport is the block-read contract the poller needs from the Modbus
// layer.
type Transport interface {
	ReadBlocksForDevice(ip string, blocks []regmap.Block, o modbus.Options) (map[string][]byte, error)
}

// FramePublisher sends frames to the broker. Errors are logged, never fatal
// to the tick.
type FramePublisher interface {
	PublishFrame(frame *telemetry.Frame) error
}

// FrameLogger appends frames to the local NDJSON logs. The return value
// reports whether the row was accepted.
type FrameLogger interface {
	Append(familyID string, frame *telemetry.Frame) bool
}

// AlarmSink receives every frame and flushes its batch once per tick.
type AlarmSink interface {
	Evaluate(familyID string, frame *telemetry.Frame)
	Flush()
}

// Stats is a snapshot of tick statistics for health reporting.
type Stats struct {
	Ticks        uint64        `json:"ticks"`
	Skipped      uint64        `json:"skipped"`
	LastStart    time.Time     `json:"last_start"`
	LastDuration time.Duration `json:"last_duration"`
	LastOK       int           `json:"last_ok"`
	LastFail     int           `json:"last_fail"`
}

// Options configures the poller.
type Options struct {
	SiteID      string
	Interval    time.Duration
	Concurrency int
	ReloadEvery time.Duration
}

// Poller owns the cadence loop and worker pool.
type Poller struct {
	opts      Options
	loader    *family.Loader
	transport Transport
	cache     *livecache.Cache
	publisher FramePublisher
	logWriter FrameLogger
	alarms    AlarmSink
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// OnFrame, when set before Run, observes every completed frame
	// (live-stream fan-out).
	OnFrame func(familyID string, frame *telemetry.Frame)

	inFlight atomic.Bool
	tickWG   sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// New wires a poller. metrics may be nil in tests.
func New(opts Options, loader *family.Loader, transport Transport, cache *livecache.Cache,
	publisher FramePublisher, logWriter FrameLogger, alarms AlarmSink,
	m *metrics.Metrics, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Poller{
		opts:      opts,
		loader:    loader,
		transport: transport,
		cache:     cache,
		publisher: publisher,
		logWriter: logWriter,
		alarms:    alarms,
		metrics:   m,
		logger:    logger,
	}
}

// Run loads configuration, then ticks at the configured cadence until the
// context is cancelled. The in-flight tick is allowed to complete before
// Run returns. Overlapping ticks are skipped, never run concurrently.
func (p *Poller) Run(ctx context.Context) {
	p.reload()
	p.startTick()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	reload := time.NewTicker(p.opts.ReloadEvery)
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			p.tickWG.Wait()
			p.logger.Info("[Poller] stopped")
			return
		case <-ticker.C:
			p.startTick()
		case <-reload.C:
			p.reload()
		}
	}
}

// startTick launches one tick unless the previous one is still draining.
func (p *Poller) startTick() {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Warn("[Poller] previous tick still running, skipping")
		p.statsMu.Lock()
		p.stats.Skipped++
		p.statsMu.Unlock()
		if p.metrics != nil {
			p.metrics.TicksSkipped.Inc()
		}
		return
	}
	p.tickWG.Add(1)
	go func() {
		defer p.tickWG.Done()
		defer p.inFlight.Store(false)
		p.runTick()
	}()
}

// workItem is one (family, device) pair of a tick's work list.
type workItem struct {
	fam family.Family
	dev family.Device
}

// runTick executes one full cycle: flatten the work list, drain it through
// the bounded pool, then flush the alarm batch exactly once.
func (p *Poller) runTick() {
	start := time.Now()
	families := p.loader.Families()

	var work []workItem
	for _, fam := range families {
		for _, dev := range fam.Devices {
			work = append(work, workItem{fam: fam, dev: dev})
		}
	}
	if p.metrics != nil {
		p.metrics.DevicesPolled.Set(float64(len(work)))
	}

	var okCount, failCount atomic.Int64
	if len(work) > 0 {
		workers := p.opts.Concurrency
		if workers > len(work) {
			workers = len(work)
		}

		var next atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					i := int(next.Add(1)) - 1
					if i >= len(work) {
						return
					}
					// Stagger roughly every third item to avoid
					// synchronized radio bursts.
					if i%3 == 2 {
						time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
					}
					if p.pollOne(work[i]) {
						okCount.Add(1)
					} else {
						failCount.Add(1)
					}
				}
			}()
		}
		wg.Wait()
	}

	p.alarms.Flush()

	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.TickDuration.Observe(elapsed.Seconds())
	}

	p.statsMu.Lock()
	p.stats.Ticks++
	p.stats.LastStart = start
	p.stats.LastDuration = elapsed
	p.stats.LastOK = int(okCount.Load())
	p.stats.LastFail = int(failCount.Load())
	p.statsMu.Unlock()

	p.logger.Info("[Poller] tick complete",
		"devices", len(work), "ok", okCount.Load(), "fail", failCount.Load(), "elapsed", elapsed)
}

// pollOne reads, decodes, and dispatches a single device. Failures become
// qc=fail frames that still flow to the cache, the publisher, and the
// alarm engine so downstream consumers see the outage.
func (p *Poller) pollOne(item workItem) bool {
	fam, dev := item.fam, item.dev
	start := time.Now()

	opts := modbus.Options{Port: dev.Port, UnitID: dev.UnitID}
	buffers, err := p.transport.ReadBlocksForDevice(dev.IP, fam.Blocks, opts)

	var frame *telemetry.Frame
	if err != nil {
		frame = telemetry.NewFailFrame(p.opts.SiteID, dev.TankID, dev.DeviceID(fam.DevicePrefix), fam.Map.SchemaVer, err)
	} else {
		values := fam.Map.DecodePoints(buffers)
		if fam.ID == family.Ctrl {
			if co2 := p.loader.CO2(); co2.DefaultLpm > 0 {
				values["co2_lpm"] = co2.LpmFor(dev.TankID)
			}
		}
		frame = &telemetry.Frame{
			TsUTC:     time.Now().UTC(),
			SchemaVer: fam.Map.SchemaVer,
			SiteID:    p.opts.SiteID,
			TankID:    dev.TankID,
			DeviceID:  dev.DeviceID(fam.DevicePrefix),
			Values:    values,
			QC:        telemetry.QC{Status: telemetry.StatusOK},
		}
	}

	if p.metrics != nil {
		p.metrics.PollTotal.WithLabelValues(fam.ID, frame.QC.Status).Inc()
		p.metrics.PollDuration.WithLabelValues(fam.ID).Observe(time.Since(start).Seconds())
	}

	// Dispatch order is fixed: cache, publisher, log, alarms.
	p.cache.Update(dev.TankID, fam.ID, dev.IP, frame)

	if err := p.publisher.PublishFrame(frame); err != nil {
		p.logger.Warn("[Poller] publish failed", "device", frame.DeviceID, "error", err)
		if p.metrics != nil {
			p.metrics.PublishTotal.WithLabelValues("error").Inc()
		}
	} else if p.metrics != nil {
		p.metrics.PublishTotal.WithLabelValues("ok").Inc()
	}

	if frame.OK() {
		if p.logWriter.Append(fam.ID, frame) {
			if p.metrics != nil {
				p.metrics.LogRowsWritten.Inc()
			}
		} else if p.metrics != nil {
			p.metrics.LogRowsDropped.Inc()
		}
	}

	p.alarms.Evaluate(fam.ID, frame)

	if p.OnFrame != nil {
		p.OnFrame(fam.ID, frame)
	}
	return frame.OK()
}

// reload re-reads the config directory, keeping the previous family set on
// failure, and pre-seeds cache entries for utility devices so the API sees
// them before their first poll.
func (p *Poller) reload() {
	if err := p.loader.Reload(); err != nil {
		p.logger.Warn("[Poller] config reload failed, keeping previous families", "error", err)
		return
	}
	for _, fam := range p.loader.Families() {
		if fam.ID != family.Util {
			continue
		}
		for _, dev := range fam.Devices {
			p.cache.Seed(dev.TankID, fam.ID, dev.IP)
		}
	}
}

// Stats returns a copy of the tick statistics.
func (p *Poller) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}
