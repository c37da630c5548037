// Package publish sends telemetry frames to the message broker. The core
// depends only on the narrow Broker contract; the MQTT client lives behind
// it in mqtt.go.
package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mokuloa/aquagate/internal/telemetry"
)

// Broker is the outbound message contract the publisher depends on.
type Broker interface {
	Publish(topic string, qos byte, retain bool, payload []byte) error
	Connected() bool
	Close()
}

// Publisher maps frames onto broker topics:
// <namespace>/<site>/<tank>/<device>/telemetry.
type Publisher struct {
	broker    Broker
	namespace string
	qos       byte
	retain    bool
	logger    *slog.Logger
}

// NewPublisher wires a publisher to a broker. QoS defaults to 1, retain off.
func NewPublisher(broker Broker, namespace string, qos byte, retain bool, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		broker:    broker,
		namespace: namespace,
		qos:       qos,
		retain:    retain,
		logger:    logger,
	}
}

// Topic renders the telemetry topic for a frame.
func (p *Publisher) Topic(frame *telemetry.Frame) string {
	return fmt.Sprintf("%s/%s/%s/%s/telemetry", p.namespace, frame.SiteID, frame.TankID, frame.DeviceID)
}

// PublishFrame sends one frame, successful or failed, so downstream
// consumers can detect staleness. The returned error is informational:
// callers log it but never fail the tick on it.
func (p *Publisher) PublishFrame(frame *telemetry.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame %s: %w", frame.DeviceID, err)
	}
	if err := p.broker.Publish(p.Topic(frame), p.qos, p.retain, payload); err != nil {
		return fmt.Errorf("publish %s: %w", frame.DeviceID, err)
	}
	return nil
}

// Connected reports broker connectivity for health reporting.
func (p *Publisher) Connected() bool {
	return p.broker.Connected()
}
