// Package telemetry defines the frame types exchanged between the poller,
// the live cache, the publisher, the log writer, and the alarm engine.
package telemetry

import "time"

// QC status values carried on every frame.
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// QC is the quality-control block of a frame: "ok" when the device was read
// and decoded, "fail" with an error string otherwise.
type QC struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Frame is the JSON object produced by one device poll, successful or not.
// It is built once per (device, tick) and never mutated afterwards.
type Frame struct {
	TsUTC     time.Time          `json:"ts_utc"`
	SchemaVer string             `json:"schema_ver"`
	SiteID    string             `json:"site_id"`
	TankID    string             `json:"tank_id"`
	DeviceID  string             `json:"device_id"`
	Firmware  string             `json:"fw,omitempty"`
	Values    map[string]float64 `json:"s"`
	QC        QC                 `json:"qc"`
}

// OK reports whether the frame carries a successful read.
func (f *Frame) OK() bool { return f.QC.Status == StatusOK }

// NewFailFrame builds a failure frame for a device that could not be read.
// Values is left empty but non-nil so consumers can range over it.
func NewFailFrame(siteID, tankID, deviceID, schemaVer string, err error) *Frame {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Frame{
		TsUTC:     time.Now().UTC(),
		SchemaVer: schemaVer,
		SiteID:    siteID,
		TankID:    tankID,
		DeviceID:  deviceID,
		Values:    map[string]float64{},
		QC:        QC{Status: StatusFail, Error: msg},
	}
}
