package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"cagewatch/internal/config"
)

const (
	qos            = 1
	publishTimeout = 5 * time.Second
	connectRetries = 5
)

// Connect dials the broker, retrying with exponential backoff.
func Connect(ctx context.Context, cfg config.MQTTConfig, log *zap.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Warn("mqtt connect failed", zap.String("broker", cfg.Broker), zap.Error(token.Error()))
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, connectRetries-1), ctx))
	if err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, err)
	}
	log.Info("mqtt connected", zap.String("broker", cfg.Broker))
	return client, nil
}

// ClientPublisher publishes relocation commands at QoS 1.
type ClientPublisher struct {
	Client mqtt.Client
}

func (p ClientPublisher) Publish(topic string, payload []byte) error {
	token := p.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

// Subscriber routes broker messages on the reading topic to a Handler.
type Subscriber struct {
	Client  mqtt.Client
	Topic   string
	Handler *Handler
	Log     *zap.Logger
}

func NewSubscriber(client mqtt.Client, cfg config.MQTTConfig, h *Handler, log *zap.Logger) *Subscriber {
	h.ReadingTopic = cfg.ReadingTopic
	h.RelocateTopic = cfg.RelocateTopic
	if h.Publisher == nil {
		h.Publisher = ClientPublisher{Client: client}
	}
	return &Subscriber{Client: client, Topic: cfg.ReadingTopic, Handler: h, Log: log}
}

// Start subscribes; messages are handled with ctx until Close.
func (s *Subscriber) Start(ctx context.Context) error {
	token := s.Client.Subscribe(s.Topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		s.Handler.Handle(ctx, m.Topic(), m.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.Topic, err)
	}
	s.Log.Info("mqtt subscribed", zap.String("topic", s.Topic))
	return nil
}

func (s *Subscriber) Close() {
	if !s.Client.IsConnected() {
		return
	}
	if token := s.Client.Unsubscribe(s.Topic); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		s.Log.Warn("mqtt unsubscribe", zap.Error(token.Error()))
	}
	s.Client.Disconnect(250)
	s.Log.Info("mqtt disconnected")
}
