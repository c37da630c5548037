package publish

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mokuloa/aquagate/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// MQTTBroker adapts the paho client to the Broker contract.
type MQTTBroker struct {
	client mqtt.Client
	logger *slog.Logger
}

// NewMQTTBroker connects to the configured broker. Auto-reconnect is on, so
// a dropped broker heals without restarting the gateway; the initial
// connection failure is fatal and propagates.
func NewMQTTBroker(cfg config.BrokerSettings, clientID string, logger *slog.Logger) (*MQTTBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	url := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("[Broker] connected", "url", url)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("[Broker] connection lost", "url", url, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("broker connect %s: timeout", url)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("broker connect %s: %w", url, err)
	}
	return &MQTTBroker{client: client, logger: logger}, nil
}

// Publish sends one message, waiting up to publishTimeout for the token.
func (b *MQTTBroker) Publish(topic string, qos byte, retain bool, payload []byte) error {
	token := b.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}

// Connected reports the live connection state.
func (b *MQTTBroker) Connected() bool {
	return b.client.IsConnectionOpen()
}

// Close disconnects, allowing in-flight messages 250ms to flush.
func (b *MQTTBroker) Close() {
	b.client.Disconnect(250)
}
