// Package mqtt broadcasts samples and digital status readings over MQTT with
// automatic reconnection and buffering while the broker is unreachable.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"github.com/yutthachai69/cems2-2newupdate/internal/metrics"
)

// Publisher publishes samples and status readings to the MQTT broker.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration
	RetainMessages bool
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher activity.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of PublisherStats.
type StatsSnapshot struct {
	MessagesPublished uint64
	MessagesFailed    uint64
	MessagesBuffered  uint64
	BytesSent         uint64
	ReconnectCount    uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "cems-gateway",
		TopicPrefix:    "cems",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     1000,
		PublishTimeout: 5 * time.Second,
	}
}

// NewPublisher creates a new MQTT publisher. Call Connect before publishing;
// messages published earlier are buffered.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = defaults.TopicPrefix
	}

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
	}
}

// DataTopic returns the topic samples for stackID are published on.
func (p *Publisher) DataTopic(stackID string) string {
	return strings.TrimSuffix(p.config.TopicPrefix, "/") + "/" + stackID + "/data"
}

// StatusTopic returns the topic status readings for stackID are published on.
func (p *Publisher) StatusTopic(stackID string) string {
	return strings.TrimSuffix(p.config.TopicPrefix, "/") + "/" + stackID + "/status"
}

// Connect establishes the connection to the MQTT broker.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)
	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	if err := p.wait(ctx, token, p.config.ConnectTimeout); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, err)
	}

	p.attach(client)
	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Attach starts the publisher on an already connected client.
func (p *Publisher) Attach(client pahomqtt.Client) {
	p.attach(client)
}

func (p *Publisher) attach(client pahomqtt.Client) {
	p.mu.Lock()
	p.client = client
	p.done = make(chan struct{})
	p.mu.Unlock()

	// The connect handler may not have fired yet.
	p.connected.Store(client.IsConnected())

	p.wg.Add(1)
	go p.processBuffer()
}

// Disconnect flushes buffered messages and disconnects from the broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	p.mu.Lock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}

	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// Publish implements domain.SamplePublisher.
func (p *Publisher) Publish(ctx context.Context, sample domain.Sample) error {
	payload, err := sample.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize sample: %w", err)
	}
	return p.send(ctx, p.DataTopic(sample.StackID), payload)
}

// PublishStatus implements domain.StatusPublisher.
func (p *Publisher) PublishStatus(ctx context.Context, stackID string, readings []domain.DigitalReading) error {
	payload, err := domain.ReadingsToJSON(readings)
	if err != nil {
		return fmt.Errorf("failed to serialize status readings: %w", err)
	}
	return p.send(ctx, p.StatusTopic(stackID), payload)
}

func (p *Publisher) send(ctx context.Context, topic string, payload []byte) error {
	if !p.connected.Load() {
		return p.bufferMessage(topic, payload)
	}
	return p.publishRaw(ctx, topic, payload, p.config.QoS, p.config.RetainMessages)
}

// publishRaw publishes raw payload to a topic.
func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(topic, qos, retained, payload)
	err := p.wait(ctx, token, p.config.PublishTimeout)
	latency := time.Since(start).Seconds()

	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(err == nil, latency)
	}
	if err != nil {
		p.stats.MessagesFailed.Add(1)
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, err)
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	return nil
}

// wait blocks until token completes, timeout elapses or ctx is done.
func (p *Publisher) wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bufferMessage adds a message to the buffer for later publishing.
func (p *Publisher) bufferMessage(topic string, payload []byte) error {
	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  p.config.RetainMessages,
		Timestamp: time.Now(),
	}

	defer p.updateBufferGauge()

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		// Buffer full, drop oldest message
		select {
		case <-p.messageBuffer:
		default:
		}
		select {
		case p.messageBuffer <- msg:
			p.stats.MessagesBuffered.Add(1)
			p.logger.Warn().Str("topic", topic).Msg("Buffer full, dropped oldest message")
			return nil
		default:
			return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
		}
	}
}

func (p *Publisher) updateBufferGauge() {
	if p.metrics != nil {
		p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
	}
}

// processBuffer publishes buffered messages once connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return

		case <-ticker.C:
			if !p.connected.Load() {
				continue
			}
			p.flushBuffer()
		}
	}
}

// flushBuffer publishes what is buffered until the buffer is empty or the
// connection drops.
func (p *Publisher) flushBuffer() {
	for p.connected.Load() {
		select {
		case msg := <-p.messageBuffer:
			p.publishBuffered(msg)
		default:
			return
		}
	}
}

func (p *Publisher) publishBuffered(msg *BufferedMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()
	if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
		p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
	}
	p.updateBufferGauge()
}

// drainBuffer attempts to publish all remaining buffered messages.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for p.connected.Load() {
		select {
		case msg := <-p.messageBuffer:
			p.publishBuffered(msg)
		case <-timeout:
			p.logger.Warn().Int("count", len(p.messageBuffer)).Msg("Timeout draining buffer, messages dropped")
			return
		default:
			return
		}
	}
	if remaining := len(p.messageBuffer); remaining > 0 {
		p.logger.Warn().Int("count", remaining).Msg("Not connected, buffered messages dropped")
	}
}

// createTLSConfig creates TLS configuration for secure connections.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (p *Publisher) onConnect(_ pahomqtt.Client) {
	p.connected.Store(true)
	p.logger.Info().Msg("MQTT connection established")
}

func (p *Publisher) onConnectionLost(_ pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// SetConnected records a connection state change reported by the client.
func (p *Publisher) SetConnected(connected bool) {
	if connected {
		p.onConnect(nil)
		return
	}
	p.onConnectionLost(nil, domain.ErrMQTTNotConnected)
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// HealthCheck reports whether the broker connection is up.
func (p *Publisher) HealthCheck(context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesPublished: p.stats.MessagesPublished.Load(),
		MessagesFailed:    p.stats.MessagesFailed.Load(),
		MessagesBuffered:  p.stats.MessagesBuffered.Load(),
		BytesSent:         p.stats.BytesSent.Load(),
		ReconnectCount:    p.stats.ReconnectCount.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

var (
	_ domain.SamplePublisher = (*Publisher)(nil)
	_ domain.StatusPublisher = (*Publisher)(nil)
)
