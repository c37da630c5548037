package regmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMapJSON = `{
	"schema_ver": "2",
	"byte_order": "BE",
	"word_order": "ABCD",
	"blocks": [
		{"name": "A", "fn": 3, "start": 100, "len": 2},
		{"name": "B", "fn": 3, "start": 200, "len": 4}
	],
	"points": {
		"ph":        {"addr": 100, "type": "u16", "scale": 0.01},
		"temp1_C":   {"addr": 200, "type": "float32", "word_order": "CDAB"},
		"counter_value": {"addr": 202, "type": "u32"},
		"setpoint":  {"addr": 101, "type": "u16", "scale": 0.01, "safe_bounds": [6.5, 8.5], "deadband": 0.05},
		"fw_lock":   {"addr": 102, "type": "u16", "ro": true}
	}
}`

func mustParse(t *testing.T) *Map {
	t.Helper()
	m, err := Parse([]byte(testMapJSON))
	require.NoError(t, err)
	return m
}

func TestParse_Validation(t *testing.T) {
	m := mustParse(t)
	assert.Equal(t, "2", m.SchemaVer)

	blocks := m.Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, "A", blocks[0].Name)

	// Returned slice is a copy; mutating it must not touch the map.
	blocks[0].Start = 999
	assert.Equal(t, uint16(100), m.Blocks()[0].Start)
}

func TestParse_RejectsPointOutsideBlocks(t *testing.T) {
	_, err := Parse([]byte(`{
		"blocks": [{"name": "A", "fn": 3, "start": 0, "len": 2}],
		"points": {"x": {"addr": 5, "type": "u16"}}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not contained")
}

func TestParse_RejectsStraddlingPoint(t *testing.T) {
	// A 32-bit point whose second word falls outside the block.
	_, err := Parse([]byte(`{
		"blocks": [{"name": "A", "fn": 3, "start": 0, "len": 2}],
		"points": {"x": {"addr": 1, "type": "u32"}}
	}`))
	require.Error(t, err)
}

func TestParse_RejectsNonFC3(t *testing.T) {
	_, err := Parse([]byte(`{
		"blocks": [{"name": "A", "fn": 4, "start": 0, "len": 2}],
		"points": {}
	}`))
	require.Error(t, err)
}

func TestDecode_ScaledU16(t *testing.T) {
	// ph = 0x02E4 (740) * 0.01 = 7.40
	m := mustParse(t)
	values := m.DecodePoints(map[string][]byte{
		"A": {0x02, 0xE4, 0x00, 0x00},
	})
	require.Contains(t, values, "ph")
	assert.InDelta(t, 7.40, values["ph"], 1e-9)
}

func TestDecode_Float32CDAB(t *testing.T) {
	// Words arrive lo/hi; CDAB swaps to 0x41C80000 = 25.0
	m := mustParse(t)
	buf := make([]byte, 8)
	copy(buf, []byte{0x00, 0x00, 0x41, 0xC8})
	values := m.DecodePoints(map[string][]byte{"B": buf})
	require.Contains(t, values, "temp1_C")
	assert.InDelta(t, 25.0, values["temp1_C"], 1e-6)
}

func TestDecode_MissingBlockSkipsPoints(t *testing.T) {
	m := mustParse(t)
	values := m.DecodePoints(map[string][]byte{
		"A": {0x02, 0xE4, 0x00, 0x00},
	})
	assert.Contains(t, values, "ph")
	assert.NotContains(t, values, "temp1_C")
	assert.NotContains(t, values, "counter_value")
}

func TestDecode_ShortBufferSkipsAffectedPointsOnly(t *testing.T) {
	m := mustParse(t)
	// Block B truncated: temp1_C (offset 0) decodes, counter_value (offset 4) does not.
	values := m.DecodePoints(map[string][]byte{
		"B": {0x00, 0x00, 0x41, 0xC8},
	})
	assert.Contains(t, values, "temp1_C")
	assert.NotContains(t, values, "counter_value")
}

func TestPlanWrite_FC6SingleRegister(t *testing.T) {
	m := mustParse(t)
	plan, err := m.PlanWrite("ph", 7.4, false)
	require.NoError(t, err)
	assert.Equal(t, 6, plan.FC)
	assert.Equal(t, uint16(100), plan.Start)
	assert.Equal(t, uint16(1), plan.Quantity)
	require.Len(t, plan.Words, 1)
	assert.Equal(t, uint16(740), plan.Words[0])
}

func TestPlanWrite_FC16Float32(t *testing.T) {
	m := mustParse(t)
	plan, err := m.PlanWrite("temp1_C", 25.0, false)
	require.NoError(t, err)
	assert.Equal(t, 16, plan.FC)
	assert.Equal(t, uint16(2), plan.Quantity)
	require.Len(t, plan.Words, 2)
	// CDAB: low word first on the wire.
	assert.Equal(t, uint16(0x0000), plan.Words[0])
	assert.Equal(t, uint16(0x41C8), plan.Words[1])
}

func TestPlanWrite_Rejections(t *testing.T) {
	m := mustParse(t)

	_, err := m.PlanWrite("nope", 1, false)
	assert.ErrorIs(t, err, ErrUnknownPoint)

	_, err = m.PlanWrite("fw_lock", 1, false)
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = m.PlanWrite("setpoint", 99.0, false)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestPlanWrite_ClampSetsReason(t *testing.T) {
	m := mustParse(t)
	plan, err := m.PlanWrite("setpoint", 99.0, true)
	require.NoError(t, err)
	assert.Equal(t, ReasonClamped, plan.Reason)
	assert.InDelta(t, 8.5, plan.ValueApplied, 1e-9)
}

func TestPlanWrite_DeadbandSkipOnRepeat(t *testing.T) {
	m := mustParse(t)

	first, err := m.PlanWrite("setpoint", 7.2, false)
	require.NoError(t, err)
	assert.Empty(t, first.Reason)

	second, err := m.PlanWrite("setpoint", 7.2, false)
	require.NoError(t, err)
	assert.Equal(t, ReasonDeadbandSkip, second.Reason)
	// Plan is still fully formed.
	assert.Equal(t, first.Words, second.Words)

	// A move beyond the deadband plans normally again.
	third, err := m.PlanWrite("setpoint", 7.3, false)
	require.NoError(t, err)
	assert.Empty(t, third.Reason)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	const mapJSON = `{
		"blocks": [{"name": "A", "fn": 3, "start": 0, "len": 8}],
		"points": {
			"a_u16": {"addr": 0, "type": "u16"},
			"b_i16": {"addr": 1, "type": "i16", "byte_order": "LE"},
			"c_u32": {"addr": 2, "type": "u32", "word_order": "CDAB"},
			"d_i32": {"addr": 4, "type": "i32", "byte_order": "LE", "word_order": "CDAB"},
			"e_f32": {"addr": 6, "type": "float32"}
		}
	}`
	m, err := Parse([]byte(mapJSON))
	require.NoError(t, err)

	cases := map[string]float64{
		"a_u16": 65000,
		"b_i16": -1234,
		"c_u32": 3000000000,
		"d_i32": -2000000000,
		"e_f32": 25.75,
	}

	// Apply each plan's words to a synthetic block buffer the way a device
	// would store them, then decode the buffer back.
	buf := make([]byte, 16)
	for name, v := range cases {
		plan, err := m.PlanWrite(name, v, false)
		require.NoError(t, err, name)
		for i, w := range plan.Words {
			off := int(plan.Start)*2 + i*2
			buf[off] = byte(w >> 8)
			buf[off+1] = byte(w)
		}
	}

	values := m.DecodePoints(map[string][]byte{"A": buf})
	for name, v := range cases {
		require.Contains(t, values, name)
		assert.InDelta(t, v, values[name], 1e-6, name)
	}
}
