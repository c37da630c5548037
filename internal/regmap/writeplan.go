package regmap

import (
	"errors"
	"fmt"
	"math"
)

// Write plan failure modes reported to the caller.
var (
	ErrUnknownPoint = errors.New("unknown point")
	ErrReadOnly     = errors.New("point is read-only")
	ErrNotANumber   = errors.New("value is not a finite number")
	ErrOutOfBounds  = errors.New("value outside safe bounds")
)

// Write plan reasons.
const (
	ReasonClamped      = "clamped"
	ReasonDeadbandSkip = "deadband_skip"
)

// WritePlan describes the Modbus request that would apply a value to a
// point. A plan with Reason=deadband_skip is still complete; the caller
// decides whether to issue it.
type WritePlan struct {
	FC           int      `json:"fc"`
	Start        uint16   `json:"start"`
	Quantity     uint16   `json:"quantity"`
	Words        []uint16 `json:"words"`
	ValueApplied float64  `json:"value_applied"`
	Reason       string   `json:"reason,omitempty"`
}

// PlanWrite builds the register write for a named point. Bounds are checked
// against the engineering value; when allowClamp is set an out-of-range
// value is clamped instead of rejected. 16-bit points plan FC6, 32-bit
// points FC16 with two registers split per the point's word order.
func (m *Map) PlanWrite(name string, value float64, allowClamp bool) (*WritePlan, error) {
	p, ok := m.points[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPoint, name)
	}
	if p.ReadOnly {
		return nil, fmt.Errorf("%w: %q", ErrReadOnly, name)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("%w: %q", ErrNotANumber, name)
	}

	applied := value
	reason := ""
	if p.Bounds != nil {
		lo, hi := p.Bounds[0], p.Bounds[1]
		if value < lo || value > hi {
			if !allowClamp {
				return nil, fmt.Errorf("%w: %q value %v not in [%v, %v]", ErrOutOfBounds, name, value, lo, hi)
			}
			applied = math.Min(math.Max(value, lo), hi)
			reason = ReasonClamped
		}
	}

	raw, err := rawFromValue(p, applied)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if p.Deadband > 0 {
		if last, seen := m.lastSet[name]; seen && math.Abs(applied-last) < p.Deadband {
			reason = ReasonDeadbandSkip
		} else {
			m.lastSet[name] = applied
		}
	}
	m.mu.Unlock()

	plan := &WritePlan{
		Start:        p.Addr,
		Words:        encodeWords(p, raw),
		ValueApplied: applied,
		Reason:       reason,
	}
	if p.width == 1 {
		plan.FC = 6
		plan.Quantity = 1
	} else {
		plan.FC = 16
		plan.Quantity = 2
	}
	return plan, nil
}

// rawFromValue undoes the point's scale and offset and renders the result
// as the unscaled wire quantity for its type.
func rawFromValue(p *Point, v float64) (uint32, error) {
	raw := v
	if p.Scale != 0 {
		raw = (v - p.Offset) / p.Scale
	}

	switch p.Type {
	case TypeFloat32:
		return math.Float32bits(float32(raw)), nil
	case TypeU16:
		n := math.Round(raw)
		if n < 0 || n > math.MaxUint16 {
			return 0, fmt.Errorf("%w: %q raw %v does not fit u16", ErrOutOfBounds, p.Name, n)
		}
		return uint32(n), nil
	case TypeI16:
		n := math.Round(raw)
		if n < math.MinInt16 || n > math.MaxInt16 {
			return 0, fmt.Errorf("%w: %q raw %v does not fit i16", ErrOutOfBounds, p.Name, n)
		}
		return uint32(uint16(int16(n))), nil
	case TypeU32:
		n := math.Round(raw)
		if n < 0 || n > math.MaxUint32 {
			return 0, fmt.Errorf("%w: %q raw %v does not fit u32", ErrOutOfBounds, p.Name, n)
		}
		return uint32(n), nil
	case TypeI32:
		n := math.Round(raw)
		if n < math.MinInt32 || n > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %q raw %v does not fit i32", ErrOutOfBounds, p.Name, n)
		}
		return uint32(int32(n)), nil
	}
	return 0, fmt.Errorf("unknown type %q", p.Type)
}
