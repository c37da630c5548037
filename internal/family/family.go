// Package family discovers device families from the config directory and
// binds each one to its register map. A family is a named group of devices
// sharing a map and a device-id prefix.
package family

import (
	"encoding/json"
	"fmt"

	"github.com/mokuloa/aquagate/internal/regmap"
)

// Known family ids.
const (
	Ctrl = "ctrl"
	Util = "util"
	BMM  = "bmm"
)

// Device is one pollable Modbus endpoint, normalized from the duck-typed
// config entry (plain IP string or {ip, unitId} object).
type Device struct {
	TankID string
	IP     string
	UnitID byte
	Port   int
}

// DeviceID returns the wire identifier "<prefix>-<tankId>".
func (d Device) DeviceID(prefix string) string {
	return prefix + "-" + d.TankID
}

// Family groups devices that share a register map.
type Family struct {
	ID           string
	DevicePrefix string
	Map          *regmap.Map
	Blocks       []regmap.Block
	Devices      []Device
}

// Clone returns a shallow copy safe to hand to a polling cycle: the device
// and block slices are copied, the (immutable) register map is shared.
func (f Family) Clone() Family {
	out := f
	out.Blocks = append([]regmap.Block(nil), f.Blocks...)
	out.Devices = append([]Device(nil), f.Devices...)
	return out
}

// CO2Config is the dosing configuration: a site default and per-tank
// overrides, in liters per minute.
type CO2Config struct {
	DefaultLpm float64            `json:"defaultLpm"`
	PerTank    map[string]float64 `json:"perTank"`
}

// LpmFor returns the dosing rate for a tank.
func (c CO2Config) LpmFor(tankID string) float64 {
	if v, ok := c.PerTank[tankID]; ok {
		return v
	}
	return c.DefaultLpm
}

func (c CO2Config) validate() error {
	if c.DefaultLpm <= 0 {
		return fmt.Errorf("defaultLpm must be positive, got %v", c.DefaultLpm)
	}
	return nil
}

// parseDevices normalizes a device config file: each value is either an IP
// string or an {ip, unitId} object.
func parseDevices(data []byte) (map[string]Device, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed device config: %w", err)
	}

	out := make(map[string]Device, len(raw))
	for tankID, entry := range raw {
		d := Device{TankID: tankID, UnitID: 1, Port: 502}

		var ip string
		if err := json.Unmarshal(entry, &ip); err == nil {
			d.IP = ip
		} else {
			var obj struct {
				IP     string `json:"ip"`
				UnitID int    `json:"unitId"`
				Port   int    `json:"port"`
			}
			if err := json.Unmarshal(entry, &obj); err != nil {
				return nil, fmt.Errorf("tank %q: entry must be an IP string or {ip, unitId}", tankID)
			}
			d.IP = obj.IP
			if obj.UnitID != 0 {
				d.UnitID = byte(obj.UnitID)
			}
			if obj.Port != 0 {
				d.Port = obj.Port
			}
		}

		if d.IP == "" {
			return nil, fmt.Errorf("tank %q: missing ip", tankID)
		}
		out[tankID] = d
	}
	return out, nil
}
