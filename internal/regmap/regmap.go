// Package regmap loads the register map that describes how a device family's
// holding registers decode into named telemetry points, and plans register
// writes back to those points.
package regmap

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Supported byte and word orders. Byte order selects endianness within the
// decoded quantity; word order selects which 16-bit register holds the high
// half of a 32-bit value.
const (
	ByteOrderBE = "BE"
	ByteOrderLE = "LE"

	WordOrderABCD = "ABCD"
	WordOrderCDAB = "CDAB"
)

// Point value types. 16-bit types occupy one register, the rest two.
const (
	TypeU16     = "u16"
	TypeI16     = "i16"
	TypeU32     = "u32"
	TypeI32     = "i32"
	TypeFloat32 = "float32"
)

// Block is a contiguous run of holding registers read as one Modbus request.
type Block struct {
	Name  string `json:"name"`
	FN    int    `json:"fn"`
	Start uint16 `json:"start"`
	Len   uint16 `json:"len"`
}

// Point is the compiled definition of one named scalar. Immutable after load.
type Point struct {
	Name      string
	Addr      uint16
	Type      string
	Scale     float64
	Offset    float64
	ByteOrder string
	WordOrder string
	Bounds    *[2]float64
	Deadband  float64
	ReadOnly  bool

	block *Block
	width int // registers occupied: 1 or 2
}

// Map is a validated register map. Blocks and points are immutable after
// Load; only the deadband bookkeeping mutates, under its own lock.
type Map struct {
	SchemaVer string

	blocks []Block
	points map[string]*Point

	mu      sync.Mutex
	lastSet map[string]float64 // last planned value per point, for deadband
}

type rawPoint struct {
	Addr       *uint16   `json:"addr"`
	Type       string    `json:"type"`
	Scale      *float64  `json:"scale"`
	Offset     *float64  `json:"offset"`
	ByteOrder  string    `json:"byte_order"`
	WordOrder  string    `json:"word_order"`
	SafeBounds []float64 `json:"safe_bounds"`
	Deadband   float64   `json:"deadband"`
	ReadOnly   bool      `json:"ro"`
}

type rawMap struct {
	SchemaVer string              `json:"schema_ver"`
	ByteOrder string              `json:"byte_order"`
	WordOrder string              `json:"word_order"`
	Blocks    []Block             `json:"blocks"`
	Points    map[string]rawPoint `json:"points"`
}

// Load reads and validates a register map JSON file.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read register map: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("register map %s: %w", path, err)
	}
	return m, nil
}

// Parse validates register map JSON. Every point must lie entirely within
// exactly one declared block; only FC3 blocks are accepted.
func Parse(data []byte) (*Map, error) {
	var raw rawMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}

	if raw.ByteOrder == "" {
		raw.ByteOrder = ByteOrderBE
	}
	if raw.WordOrder == "" {
		raw.WordOrder = WordOrderABCD
	}
	if err := checkByteOrder(raw.ByteOrder); err != nil {
		return nil, err
	}
	if err := checkWordOrder(raw.WordOrder); err != nil {
		return nil, err
	}
	if len(raw.Blocks) == 0 {
		return nil, fmt.Errorf("no blocks declared")
	}

	m := &Map{
		SchemaVer: raw.SchemaVer,
		blocks:    make([]Block, len(raw.Blocks)),
		points:    make(map[string]*Point, len(raw.Points)),
		lastSet:   make(map[string]float64),
	}
	copy(m.blocks, raw.Blocks)

	for i := range m.blocks {
		b := &m.blocks[i]
		if b.FN != 3 {
			return nil, fmt.Errorf("block %q: only fn=3 supported, got %d", b.Name, b.FN)
		}
		if b.Len == 0 {
			return nil, fmt.Errorf("block %q: zero length", b.Name)
		}
	}

	for name, rp := range raw.Points {
		if rp.Addr == nil {
			return nil, fmt.Errorf("point %q: missing addr", name)
		}
		width, err := typeWidth(rp.Type)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", name, err)
		}

		p := &Point{
			Name:      name,
			Addr:      *rp.Addr,
			Type:      rp.Type,
			Scale:     1,
			ByteOrder: raw.ByteOrder,
			WordOrder: raw.WordOrder,
			Deadband:  rp.Deadband,
			ReadOnly:  rp.ReadOnly,
			width:     width,
		}
		if rp.Scale != nil {
			p.Scale = *rp.Scale
		}
		if rp.Offset != nil {
			p.Offset = *rp.Offset
		}
		if rp.ByteOrder != "" {
			if err := checkByteOrder(rp.ByteOrder); err != nil {
				return nil, fmt.Errorf("point %q: %w", name, err)
			}
			p.ByteOrder = rp.ByteOrder
		}
		if rp.WordOrder != "" {
			if err := checkWordOrder(rp.WordOrder); err != nil {
				return nil, fmt.Errorf("point %q: %w", name, err)
			}
			p.WordOrder = rp.WordOrder
		}
		if rp.SafeBounds != nil {
			if len(rp.SafeBounds) != 2 || rp.SafeBounds[0] >= rp.SafeBounds[1] {
				return nil, fmt.Errorf("point %q: safe_bounds must be [lo, hi] with lo < hi", name)
			}
			p.Bounds = &[2]float64{rp.SafeBounds[0], rp.SafeBounds[1]}
		}

		// A point must sit inside exactly one block.
		var owner *Block
		for i := range m.blocks {
			b := &m.blocks[i]
			if p.Addr >= b.Start && int(p.Addr)+width-1 <= int(b.Start)+int(b.Len)-1 {
				if owner != nil {
					return nil, fmt.Errorf("point %q: contained by blocks %q and %q", name, owner.Name, b.Name)
				}
				owner = b
			}
		}
		if owner == nil {
			return nil, fmt.Errorf("point %q: addr %d (width %d) not contained by any block", name, p.Addr, width)
		}
		p.block = owner

		m.points[name] = p
	}

	return m, nil
}

// Blocks returns a copy of the declared block list in declaration order.
func (m *Map) Blocks() []Block {
	out := make([]Block, len(m.blocks))
	copy(out, m.blocks)
	return out
}

// Point returns the compiled definition for a named point, or nil.
func (m *Map) Point(name string) *Point {
	return m.points[name]
}

// PointNames returns the names of all declared points.
func (m *Map) PointNames() []string {
	names := make([]string, 0, len(m.points))
	for name := range m.points {
		names = append(names, name)
	}
	return names
}

func typeWidth(t string) (int, error) {
	switch t {
	case TypeU16, TypeI16:
		return 1, nil
	case TypeU32, TypeI32, TypeFloat32:
		return 2, nil
	default:
		return 0, fmt.Errorf("unknown type %q", t)
	}
}

func checkByteOrder(o string) error {
	if o != ByteOrderBE && o != ByteOrderLE {
		return fmt.Errorf("invalid byte_order %q", o)
	}
	return nil
}

func checkWordOrder(o string) error {
	if o != WordOrderABCD && o != WordOrderCDAB {
		return fmt.Errorf("invalid word_order %q", o)
	}
	return nil
}
