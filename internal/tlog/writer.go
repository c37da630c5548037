// Package tlog appends telemetry frames to rotating NDJSON files, one file
// per (family, site, tank, HST day), and reads them back for range queries.
package tlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mokuloa/aquagate/internal/telemetry"
)

// HST is the rotation timezone: the day boundary sits at UTC-10 regardless
// of host timezone or daylight saving.
var HST = time.FixedZone("HST", -10*60*60)

const queueDepth = 256

// row is one queued NDJSON record bound for a specific file.
type row struct {
	path string
	data []byte
}

// Writer is the rate-limited single-consumer NDJSON appender. Producers
// enqueue from poller workers; one goroutine owns all file handles so rows
// never interleave across streams.
type Writer struct {
	logDir      string
	siteID      string
	minInterval time.Duration
	whitelists  *whitelistCache
	logger      *slog.Logger

	now func() time.Time // injectable for tests

	mu        sync.Mutex
	lastWrite map[string]time.Time // stream key → last accepted row
	closed    bool

	queue chan row
	done  chan struct{}

	streams map[string]*os.File
}

// NewWriter creates and starts a log writer. configDir is where the
// logPoints whitelist files live.
func NewWriter(logDir, configDir, siteID string, minInterval time.Duration, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		logDir:      logDir,
		siteID:      siteID,
		minInterval: minInterval,
		whitelists:  newWhitelistCache(configDir),
		logger:      logger,
		now:         time.Now,
		lastWrite:   make(map[string]time.Time),
		queue:       make(chan row, queueDepth),
		done:        make(chan struct{}),
		streams:     make(map[string]*os.File),
	}
	go w.consume()
	return w
}

// Append queues one frame for logging. Returns false when the row was
// dropped: failed frame, rate limit, no whitelist, or writer closed.
// Blocks briefly when the queue is full (backpressure).
func (w *Writer) Append(familyID string, frame *telemetry.Frame) bool {
	if !frame.OK() {
		return false
	}

	points := w.whitelists.get(familyID)
	if len(points) == 0 {
		return false
	}

	key := familyID + "/" + w.siteID + "/" + frame.TankID
	now := w.now()

	record := make(map[string]interface{}, len(points)+2)
	record["ts_hst"] = now.In(HST).Format("2006-01-02T15:04:05-10:00")
	record["tank_id"] = frame.TankID
	for _, p := range points {
		v, ok := frame.Values[p]
		if !ok {
			continue
		}
		record[p] = shapeValue(p, v)
	}

	data, err := json.Marshal(record)
	if err != nil {
		w.logger.Warn("[TLog] marshal failed", "tank", frame.TankID, "error", err)
		return false
	}

	day := now.In(HST).Format("2006-01-02")
	name := fmt.Sprintf("telemetry-%s-%s-%s-%s.ndjson", familyID, w.siteID, frame.TankID, day)

	// The lock covers the enqueue so Close cannot shut the queue between
	// the closed check and the send.
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	if last, ok := w.lastWrite[key]; ok && now.Sub(last) < w.minInterval {
		return false
	}
	w.lastWrite[key] = now
	w.queue <- row{path: filepath.Join(w.logDir, name), data: append(data, '\n')}
	return true
}

// shapeValue rounds to one decimal, except monotonic counter fields which
// truncate to integers.
func shapeValue(name string, v float64) interface{} {
	if name == "counter_value" || name == "timer_seconds" {
		return int64(math.Trunc(v))
	}
	return math.Round(v*10) / 10
}

// consume is the single writer goroutine. A stream error is logged and the
// writer moves on to the next row.
func (w *Writer) consume() {
	defer close(w.done)
	for r := range w.queue {
		f, err := w.stream(r.path)
		if err != nil {
			w.logger.Warn("[TLog] open stream failed", "path", r.path, "error", err)
			continue
		}
		if _, err := f.Write(r.data); err != nil {
			w.logger.Warn("[TLog] write failed", "path", r.path, "error", err)
			f.Close()
			delete(w.streams, r.path)
		}
	}

	for path, f := range w.streams {
		if err := f.Close(); err != nil {
			w.logger.Warn("[TLog] close failed", "path", path, "error", err)
		}
	}
	w.streams = nil
}

// stream returns the open append handle for a path, creating it (and the
// log directory) on first use. Only called from the consumer goroutine.
func (w *Writer) stream(path string) (*os.File, error) {
	if f, ok := w.streams[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w.streams[path] = f
	return f, nil
}

// Close drains the queue and closes every open stream before returning.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.queue)
	<-w.done
}
