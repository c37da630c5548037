// Package livecache holds the latest decoded values per tank: one entry per
// device, overwritten by each completed poll, read by the API.
package livecache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/mokuloa/aquagate/internal/telemetry"
)

// Snapshot is the last known state of one tank. TsUTC is nil for entries
// pre-seeded before the first successful poll.
type Snapshot struct {
	Family string
	IP     string
	TsUTC  *time.Time
	QC     string
	Values map[string]float64
}

// MarshalJSON flattens the decoded values beside the fixed fields, matching
// the wire shape consumers expect: {"family", "ip", "ts_utc", "qc", ...points}.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Values)+4)
	for k, v := range s.Values {
		out[k] = v
	}
	out["family"] = s.Family
	out["ip"] = s.IP
	out["qc"] = s.QC
	if s.TsUTC != nil {
		out["ts_utc"] = s.TsUTC.Format(time.RFC3339Nano)
	} else {
		out["ts_utc"] = nil
	}
	return json.Marshal(out)
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Values = make(map[string]float64, len(s.Values))
	for k, v := range s.Values {
		out.Values[k] = v
	}
	if s.TsUTC != nil {
		ts := *s.TsUTC
		out.TsUTC = &ts
	}
	return out
}

// Cache is the process-wide snapshot map keyed by tank id. Entry
// replacement is atomic from a reader's perspective.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Snapshot
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]Snapshot)}
}

// Seed installs a placeholder entry (qc=fail, no timestamp) so the API
// surface is stable before the first poll reaches a device.
func (c *Cache) Seed(tankID, familyID, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[tankID]; exists {
		return
	}
	c.entries[tankID] = Snapshot{
		Family: familyID,
		IP:     ip,
		QC:     telemetry.StatusFail,
		Values: map[string]float64{},
	}
}

// Update overwrites a tank's entry from a completed frame, successful or
// failed. Last write wins.
func (c *Cache) Update(tankID, familyID, ip string, frame *telemetry.Frame) {
	values := make(map[string]float64, len(frame.Values))
	for k, v := range frame.Values {
		values[k] = v
	}
	ts := frame.TsUTC

	c.mu.Lock()
	c.entries[tankID] = Snapshot{
		Family: familyID,
		IP:     ip,
		TsUTC:  &ts,
		QC:     frame.QC.Status,
		Values: values,
	}
	c.mu.Unlock()
}

// Get returns a copy of one tank's snapshot.
func (c *Cache) Get(tankID string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[tankID]
	if !ok {
		return Snapshot{}, false
	}
	return s.clone(), true
}

// All returns a copy of every snapshot keyed by tank id.
func (c *Cache) All() map[string]Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Snapshot, len(c.entries))
	for k, s := range c.entries {
		out[k] = s.clone()
	}
	return out
}

// Len reports the number of cached tanks.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
