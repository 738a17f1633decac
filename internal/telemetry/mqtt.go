package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MQTTPublisher sends each sample to <prefix>/<bus>/<servo>/<register>.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *zap.Logger
}

func NewMQTTPublisher(cfg MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("openservocore-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMaxReconnectInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWriteTimeout(5 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker), zap.String("client_id", clientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.Broker, token.Error())
	}

	return &MQTTPublisher{
		client: client,
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
		logger: logger,
	}, nil
}

func Topic(prefix string, s Sample) string {
	return fmt.Sprintf("%s/%s/%s/%s", prefix, s.Bus, s.Servo, s.Register)
}

func (p *MQTTPublisher) Publish(ctx context.Context, samples []Sample) error {
	tokens := make([]mqtt.Token, 0, len(samples))
	for _, s := range samples {
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal sample: %w", err)
		}
		tokens = append(tokens, p.client.Publish(Topic(p.prefix, s), p.qos, false, payload))
	}

	deadline, ok := ctx.Deadline()
	wait := 2 * time.Second
	if ok {
		wait = time.Until(deadline)
	}
	for _, t := range tokens {
		if !t.WaitTimeout(wait) {
			return fmt.Errorf("mqtt publish timed out")
		}
		if err := t.Error(); err != nil {
			return fmt.Errorf("mqtt publish failed: %w", err)
		}
	}
	return nil
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
