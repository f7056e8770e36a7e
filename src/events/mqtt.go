package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"mindbridge/src/app"
	cfg "mindbridge/src/configuration"
)

// MQTTPublisher mirrors emotion updates to <topic>/<user>/emotion_update.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *zap.Logger
}

func NewMQTTPublisher(ctx context.Context, config cfg.MQTTProperties, logger *zap.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", zap.String("broker", config.Broker), zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if err := connect(ctx, client, config.Broker, connectTimeout); err != nil {
		return nil, err
	}
	logger.Info("mqtt connection established", zap.String("broker", config.Broker))
	return NewMQTTPublisherWithClient(client, config.Topic, config.QoS, logger), nil
}

const connectTimeout = 5 * time.Second

// connect waits for the first connection. On failure the client is
// disconnected so connect-retry stops in the background.
func connect(ctx context.Context, client mqtt.Client, broker string, timeout time.Duration) error {
	token := client.Connect()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-token.Done():
		err = token.Error()
		if err != nil {
			err = fmt.Errorf("mqtt connection failed: %w", err)
		}
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = fmt.Errorf("mqtt connection timeout: %s", broker)
	}
	if err != nil {
		client.Disconnect(250)
	}
	return err
}

func NewMQTTPublisherWithClient(client mqtt.Client, topic string, qos byte, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic, qos: qos, logger: logger}
}

func (m *MQTTPublisher) Topic(userID string) string {
	return fmt.Sprintf("%s/%s/%s", m.topic, userID, EventEmotionUpdate)
}

func (m *MQTTPublisher) Publish(ctx context.Context, update app.EmotionUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal emotion update: %w", err)
	}
	token := m.client.Publish(m.Topic(update.UserID), m.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish emotion update: %w", err)
	}
	return nil
}

func (m *MQTTPublisher) Close() {
	m.client.Disconnect(250)
}
