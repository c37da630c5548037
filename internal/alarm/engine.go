// Package alarm evaluates telemetry frames against the rule set, tracks
// per-(rule, tank) active state, and batches edge-change notifications for
// one dispatch per tick.
package alarm

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mokuloa/aquagate/internal/telemetry"
)

// Rule kinds.
const (
	KindMetricThreshold = "metric_threshold"
	KindQCFail          = "qc_fail"
)

// Event kinds: only boolean edges produce events.
const (
	EventAlarm    = "ALARM"
	EventResolved = "RESOLVED"
)

// Notifier is the outbound notification collaborator. One call per tick
// batch; failures are logged and the batch discarded, never retried.
type Notifier interface {
	Notify(message string) error
}

// Rule is one seeded alarm rule. Thresholds for metric rules are resolved
// from the live Config at evaluation time, so a threshold update applies on
// the next frame.
type Rule struct {
	ID          string `json:"id"`
	Family      string `json:"family,omitempty"` // empty = any family
	Kind        string `json:"kind"`
	Metric      string `json:"metric,omitempty"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Event is one edge change, accumulated into the pending batch.
type Event struct {
	RuleID   string
	Family   string
	TankID   string
	Kind     string
	Severity string
	Detail   string
	Ts       time.Time
}

type stateEntry struct {
	active     bool
	lastChange time.Time
}

type connEntry struct {
	lastOk           *time.Time
	firstFail        *time.Time
	consecutiveFails int
}

// Engine is the stateful alarm evaluator. Evaluate is called by poller
// workers concurrently; Flush runs once per tick after all workers drain.
type Engine struct {
	cfgPath           string
	connectivityAlarm time.Duration
	notifier          Notifier
	logger            *slog.Logger

	now func() time.Time // injectable for tests

	// OnEvent, when set before the first Evaluate, observes every edge
	// event (metrics hook).
	OnEvent func(kind string)

	mu      sync.RWMutex
	cfg     Config
	rules   []Rule
	states  map[string]*stateEntry // "ruleID|tankID"
	conn    map[string]*connEntry  // tankID
	pending []Event
}

// NewEngine loads persisted thresholds (or defaults) and seeds the rule set.
func NewEngine(cfgPath string, connectivityAlarm time.Duration, notifier Notifier, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfgPath:           cfgPath,
		connectivityAlarm: connectivityAlarm,
		notifier:          notifier,
		logger:            logger,
		now:               time.Now,
		cfg:               cfg,
		rules:             seedRules(),
		states:            make(map[string]*stateEntry),
		conn:              make(map[string]*connEntry),
	}, nil
}

func seedRules() []Rule {
	return []Rule{
		{
			ID:          "ctrl_ph_out_of_range",
			Family:      "ctrl",
			Kind:        KindMetricThreshold,
			Metric:      "ph",
			Severity:    "critical",
			Description: "pH outside configured bounds",
		},
		{
			ID:          "ctrl_temp_out_of_range",
			Family:      "ctrl",
			Kind:        KindMetricThreshold,
			Metric:      "temp1_C",
			Severity:    "warning",
			Description: "water temperature outside configured bounds",
		},
		{
			ID:          "qc_fail",
			Kind:        KindQCFail,
			Severity:    "critical",
			Description: "device offline past the connectivity threshold",
		},
	}
}

// Rules returns the seeded rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Evaluate runs every applicable rule against one frame, producing pending
// events for state edges.
func (e *Engine) Evaluate(familyID string, frame *telemetry.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for i := range e.rules {
		rule := &e.rules[i]
		if rule.Family != "" && rule.Family != familyID {
			continue
		}
		switch rule.Kind {
		case KindMetricThreshold:
			e.evalMetric(rule, familyID, frame, now)
		case KindQCFail:
			e.evalQCFail(rule, familyID, frame, now)
		}
	}
}

func (e *Engine) evalMetric(rule *Rule, familyID string, frame *telemetry.Frame, now time.Time) {
	v, ok := frame.Values[rule.Metric]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}

	bounds := e.boundsFor(rule)
	active := v < bounds.Low || v > bounds.High

	detail := ""
	if v < bounds.Low {
		detail = fmt.Sprintf("%s %.2f below low threshold %.2f", rule.Metric, v, bounds.Low)
	} else if v > bounds.High {
		detail = fmt.Sprintf("%s %.2f above high threshold %.2f", rule.Metric, v, bounds.High)
	} else {
		detail = fmt.Sprintf("%s %.2f back within [%.2f, %.2f]", rule.Metric, v, bounds.Low, bounds.High)
	}

	e.transition(rule, familyID, frame.TankID, active, detail, now)
}

func (e *Engine) evalQCFail(rule *Rule, familyID string, frame *telemetry.Frame, now time.Time) {
	c := e.conn[frame.TankID]
	if c == nil {
		c = &connEntry{}
		e.conn[frame.TankID] = c
	}

	// Connectivity tracking always runs so re-enabling the toggle sees the
	// true offline duration.
	if frame.OK() {
		ts := now
		c.lastOk = &ts
		c.firstFail = nil
		c.consecutiveFails = 0
	} else {
		c.consecutiveFails++
		if c.firstFail == nil {
			ts := now
			c.firstFail = &ts
		}
	}

	if !e.cfg.Connectivity.QCAlarmsEnabled {
		return
	}

	since := now
	if c.lastOk != nil {
		since = *c.lastOk
	} else if c.firstFail != nil {
		since = *c.firstFail
	}
	offline := now.Sub(since)

	active := offline >= e.connectivityAlarm
	detail := fmt.Sprintf("offline for %s (threshold %s, %d consecutive failures)",
		offline.Truncate(time.Second), e.connectivityAlarm, c.consecutiveFails)
	if !active {
		detail = "device reachable again"
	}

	e.transition(rule, familyID, frame.TankID, active, detail, now)
}

// transition records an edge change, if any, into the pending batch.
func (e *Engine) transition(rule *Rule, familyID, tankID string, active bool, detail string, now time.Time) {
	key := rule.ID + "|" + tankID
	st := e.states[key]
	if st == nil {
		st = &stateEntry{}
		e.states[key] = st
	}
	if st.active == active {
		return
	}
	st.active = active
	st.lastChange = now

	kind := EventResolved
	if active {
		kind = EventAlarm
	}
	e.pending = append(e.pending, Event{
		RuleID:   rule.ID,
		Family:   familyID,
		TankID:   tankID,
		Kind:     kind,
		Severity: rule.Severity,
		Detail:   detail,
		Ts:       now,
	})
	if e.OnEvent != nil {
		e.OnEvent(kind)
	}
}

// ActiveStates returns the currently active (rule, tank) pairs.
func (e *Engine) ActiveStates() map[string]time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]time.Time)
	for key, st := range e.states {
		if st.active {
			out[key] = st.lastChange
		}
	}
	return out
}

// Flush dispatches the pending batch as one notification and clears it.
// Dispatch failure discards the batch: retrying would risk notification
// storms against a struggling webhook.
func (e *Engine) Flush() {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	batchID := uuid.NewString()
	msg := formatBatch(batch)
	if e.notifier == nil {
		e.logger.Info("[Alarm] no notifier configured, dropping batch", "batch_id", batchID, "events", len(batch))
		return
	}
	if err := e.notifier.Notify(msg); err != nil {
		e.logger.Warn("[Alarm] notification dispatch failed, batch discarded",
			"batch_id", batchID, "events", len(batch), "error", err)
		return
	}
	e.logger.Info("[Alarm] batch dispatched", "batch_id", batchID, "events", len(batch))
}

// formatBatch groups events by (family, tank) and renders one block per
// tank: ALARM lines first, then RESOLVED lines.
func formatBatch(batch []Event) string {
	type groupKey struct{ family, tank string }
	groups := make(map[groupKey][]Event)
	var order []groupKey
	for _, ev := range batch {
		k := groupKey{ev.Family, ev.TankID}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ev)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].family != order[j].family {
			return order[i].family < order[j].family
		}
		return order[i].tank < order[j].tank
	})

	var b strings.Builder
	for _, k := range order {
		fmt.Fprintf(&b, "%s tank %s:\n", k.family, k.tank)
		for _, kind := range []string{EventAlarm, EventResolved} {
			for _, ev := range groups[k] {
				if ev.Kind != kind {
					continue
				}
				fmt.Fprintf(&b, "  %s [%s] %s: %s\n", ev.Kind, ev.Severity, ev.RuleID, ev.Detail)
			}
		}
	}
	return b.String()
}

// GetThresholds returns a defensive copy of the current settings.
func (e *Engine) GetThresholds() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetThresholds validates, applies, and persists new settings.
func (e *Engine) SetThresholds(payload ThresholdsPayload) (Config, error) {
	cfg, err := payload.Validate()
	if err != nil {
		return Config{}, err
	}

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()

	if err := saveConfig(e.cfgPath, cfg); err != nil {
		return Config{}, fmt.Errorf("persist alarm settings: %w", err)
	}
	return cfg, nil
}

func (e *Engine) boundsFor(rule *Rule) Range {
	switch rule.Metric {
	case "ph":
		return e.cfg.PH
	default:
		return e.cfg.Temp
	}
}
