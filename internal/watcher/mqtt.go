package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/mallmap/geomeasure/pkg/core"
)

// MQTTConfig locates the broker topic a phone companion publishes positions to.
type MQTTConfig struct {
	Broker   string `json:"broker" mapstructure:"broker"`
	Topic    string `json:"topic" mapstructure:"topic"`
	ClientID string `json:"clientId" mapstructure:"clientId"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
}

// MQTTSource subscribes to JSON positions on an MQTT topic.
type MQTTSource struct {
	cfg    MQTTConfig
	logger *slog.Logger
}

// NewMQTTSource creates a source for cfg.
func NewMQTTSource(cfg MQTTConfig, logger *slog.Logger) *MQTTSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{cfg: cfg, logger: logger}
}

// Watch implements Source. A new client is connected for every watch and torn down
// when ctx is done.
func (s *MQTTSource) Watch(ctx context.Context, opts Options, emit func(core.Position), fail func(error)) error {
	lost := make(chan error, 1)

	co := mqtt.NewClientOptions()
	co.AddBroker(s.cfg.Broker)
	co.SetClientID(s.cfg.ClientID)
	co.SetUsername(s.cfg.Username)
	co.SetPassword(s.cfg.Password)
	co.SetCleanSession(true)
	co.SetAutoReconnect(false)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
		select {
		case lost <- err:
		default:
		}
	})

	client := mqtt.NewClient(co)
	if err := s.connect(ctx, client); err != nil {
		return err
	}
	defer client.Disconnect(250)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		pos, ok, err := decodePositionMessage(msg.Payload(), opts.HighAccuracy)
		if err != nil {
			fail(err)
			return
		}
		if !ok {
			s.logger.Debug("mqtt fix skipped", "topic", msg.Topic())
			return
		}
		emit(pos)
	}

	token := client.Subscribe(s.cfg.Topic, 1, handler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", s.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.cfg.Topic, err)
	}
	s.logger.Info("subscribed to position topic", "broker", s.cfg.Broker, "topic", s.cfg.Topic)

	select {
	case <-ctx.Done():
		client.Unsubscribe(s.cfg.Topic).WaitTimeout(2 * time.Second)
		return nil
	case err := <-lost:
		return fmt.Errorf("mqtt connection lost: %w", err)
	}
}

func (s *MQTTSource) connect(ctx context.Context, client mqtt.Client) error {
	token := client.Connect()

	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			client.Disconnect(0)
			return ctx.Err()
		default:
		}
	}

	if err := token.Error(); err != nil {
		if errors.Is(err, packets.ErrorRefusedNotAuthorised) || errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}
