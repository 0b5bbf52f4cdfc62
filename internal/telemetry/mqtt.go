package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/petervdpas/slotcast/internal/queue"
)

// QoS 1: the broker acknowledges every publish, matching the queue's
// at-least-once contract.
const mqttQoS = 1

var errBrokerDown = errors.New("telemetry: mqtt broker not connected")

// publisher is the part of mqtt.Client the sender needs.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSender publishes events to slotcast/{deviceId}/{live|offline}/{kind}.
type MQTTSender struct {
	DeviceID string
	client   publisher
	raw      mqtt.Client
}

// Topic builds the topic for a device, delivery mode and kind.
func Topic(deviceID, mode string, kind queue.Kind) string {
	return fmt.Sprintf("slotcast/%s/%s/%s", deviceID, mode, kind)
}

// DialMQTT connects to broker. The client reconnects on its own afterwards;
// while it is down Send and Replay fail and the queue keeps the events.
func DialMQTT(ctx context.Context, broker, deviceID string) (*MQTTSender, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("slotcast-" + deviceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Printf("TELEMETRY: mqtt connected to %s", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("TELEMETRY: mqtt connection lost: %v", err)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return nil, fmt.Errorf("telemetry: mqtt connect %s: %w", broker, err)
		}
	case <-ctx.Done():
		// ConnectRetry keeps trying in the background.
		log.Printf("TELEMETRY: mqtt %s not reachable yet, retrying in background", broker)
	}
	return &MQTTSender{DeviceID: deviceID, client: c, raw: c}, nil
}

func (s *MQTTSender) Send(ctx context.Context, ev queue.Event) error {
	return s.publish(ctx, "live", ev)
}

func (s *MQTTSender) Replay(ctx context.Context, ev queue.Event) error {
	return s.publish(ctx, "offline", ev)
}

func (s *MQTTSender) publish(ctx context.Context, mode string, ev queue.Event) error {
	if !s.client.IsConnected() {
		return errBrokerDown
	}
	b, err := json.Marshal(newRecord(s.DeviceID, ev))
	if err != nil {
		return err
	}
	tok := s.client.Publish(Topic(s.DeviceID, mode, ev.Kind), mqttQoS, false, b)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (s *MQTTSender) Close() {
	if s.raw != nil {
		s.raw.Disconnect(250)
	}
}
