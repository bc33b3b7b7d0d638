package intake

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"wattboard/internal/config"
	"wattboard/internal/logger"
	"wattboard/internal/metrics"
	"wattboard/internal/models"
)

// mqttReading is the JSON payload devices publish on the reading
// topic. The device id in the payload wins over the topic segment when
// both are present.
type mqttReading struct {
	DeviceID  string  `json:"device_id"`
	MetricKey string  `json:"metric_key"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
}

// MQTTSource subscribes to the device reading topic and pushes parsed
// samples into the pipeline.
type MQTTSource struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	submit SubmitFunc
	log    zerolog.Logger
}

// NewMQTTSource builds the client; Start connects and subscribes.
func NewMQTTSource(cfg config.MQTTConfig, submit SubmitFunc) *MQTTSource {
	s := &MQTTSource{
		cfg:    cfg,
		submit: submit,
		log:    logger.WithComponent("mqtt_intake"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	s.client = mqtt.NewClient(opts)
	return s
}

// Start connects to the broker. Subscription happens in the connect
// handler so it survives reconnects.
func (s *MQTTSource) Start() error {
	s.log.Info().Str("broker", s.cfg.Broker).Int("port", s.cfg.Port).
		Msg("connecting to mqtt broker")

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect timeout after %v", s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (s *MQTTSource) Stop() {
	s.client.Disconnect(250)
	s.log.Info().Msg("mqtt source stopped")
}

func (s *MQTTSource) onConnect(client mqtt.Client) {
	s.log.Info().Str("topic", s.cfg.Topic).Msg("mqtt connected, subscribing")
	token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
	if token.Wait() && token.Error() != nil {
		s.log.Error().Err(token.Error()).Str("topic", s.cfg.Topic).Msg("mqtt subscribe failed")
	}
}

func (s *MQTTSource) onConnectionLost(client mqtt.Client, err error) {
	s.log.Error().Err(err).Msg("mqtt connection lost")
}

func (s *MQTTSource) onMessage(client mqtt.Client, msg mqtt.Message) {
	sample, err := s.parse(msg.Topic(), msg.Payload())
	if err != nil {
		metrics.SamplesRejectedTotal.WithLabelValues("malformed").Inc()
		s.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping unparseable reading")
		return
	}
	if err := s.submit(sample); err != nil {
		s.log.Error().Err(err).Str("device_id", sample.DeviceID).Msg("sample submit failed")
		return
	}
	metrics.SamplesIngestedTotal.WithLabelValues("mqtt").Inc()
}

func (s *MQTTSource) parse(topic string, payload []byte) (*models.Sample, error) {
	var r mqttReading
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("invalid reading payload: %w", err)
	}
	if r.DeviceID == "" {
		r.DeviceID = deviceFromTopic(topic)
	}

	var ts time.Time
	if r.Timestamp == "" {
		ts = time.Now().UTC()
	} else {
		var err error
		ts, err = models.ParseTimestamp(r.Timestamp)
		if err != nil {
			return nil, err
		}
	}

	sample := &models.Sample{
		DeviceID:  r.DeviceID,
		MetricKey: r.MetricKey,
		Timestamp: ts,
		Value:     r.Value,
		Unit:      r.Unit,
	}
	sample.Normalize()
	if err := sample.Validate(); err != nil {
		return nil, err
	}
	return sample, nil
}

// deviceFromTopic extracts the device segment from topics shaped like
// utility/meter/<device_id>/reading.
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return ""
}
