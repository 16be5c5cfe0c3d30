// Package kafka_relay adapts a Kafka topic into a relay transport for
// deployments that already run a broker and prefer an auditable message
// log over the websocket rendezvous service. Every node consumes the full
// topic through its own consumer group and keeps only the payloads
// addressed to it.
package kafka_relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/frostmesh/frostmesh/relay"
)

const (
	kafkaMinBytes    = 10
	kafkaMaxBytes    = 10e6
	kafkaMaxAttempts = 16
	inboundBuffer    = 64
)

// Config carries broker coordinates and credentials.
type Config struct {
	BrokerEndpoint      string
	Topic               string
	ConsumerGroup       string
	TLSConfig           *tls.Config
	ProducerCredentials *plain.Mechanism
	ConsumerCredentials *plain.Mechanism
	Timeout             time.Duration
}

// wireMessage is the record value on the topic. Data travels base64
// encoded, so payloads need not be JSON themselves.
type wireMessage struct {
	To   string `json:"to"`
	From string `json:"from"`
	Data []byte `json:"data"`
}

// Transport implements relay.Transport over a Kafka topic.
type Transport struct {
	deviceID string
	cfg      Config

	writer *kafka.Writer
	reader *kafka.Reader

	inbound chan relay.Inbound

	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

var _ relay.Transport = (*Transport)(nil)

// NewTransport connects deviceID to the topic and starts consuming.
func NewTransport(deviceID string, cfg Config) (*Transport, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	t := &Transport{
		deviceID: deviceID,
		cfg:      cfg,
		inbound:  make(chan relay.Inbound, inboundBuffer),
		closed:   make(chan struct{}),
	}

	t.writer = &kafka.Writer{
		Addr:        kafka.TCP(cfg.BrokerEndpoint),
		Topic:       cfg.Topic,
		MaxAttempts: kafkaMaxAttempts,
		Transport: &kafka.Transport{
			TLS:  cfg.TLSConfig,
			SASL: saslOrNil(cfg.ProducerCredentials),
		},
	}

	dialer := &kafka.Dialer{
		Timeout:   cfg.Timeout,
		DualStack: true,
		TLS:       cfg.TLSConfig,
	}
	if cfg.ConsumerCredentials != nil {
		dialer.SASLMechanism = *cfg.ConsumerCredentials
	}

	t.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{cfg.BrokerEndpoint},
		GroupID:     cfg.ConsumerGroup,
		Topic:       cfg.Topic,
		Dialer:      dialer,
		MinBytes:    kafkaMinBytes,
		MaxBytes:    kafkaMaxBytes,
		MaxAttempts: kafkaMaxAttempts,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.consumeLoop(ctx)

	return t, nil
}

func saslOrNil(m *plain.Mechanism) sasl.Mechanism {
	if m == nil {
		return nil
	}
	return *m
}

// GetTLSConfig builds a TLS config trusting the CA at trustStorePath.
func GetTLSConfig(trustStorePath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(trustStorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read truststore %s: %w", trustStorePath, err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", trustStorePath)
	}
	return &tls.Config{RootCAs: caCertPool}, nil
}

// ParseCredentials parses a "username:password" string.
func ParseCredentials(creds string) (*plain.Mechanism, error) {
	username, password, ok := strings.Cut(creds, ":")
	if !ok {
		return nil, fmt.Errorf("failed to parse credentials, expected username:password")
	}
	return &plain.Mechanism{Username: username, Password: password}, nil
}

// Send publishes an addressed payload to the topic. Addressing is
// cooperative: every consumer sees the record and discards payloads not
// meant for it.
func (t *Transport) Send(ctx context.Context, peerID string, data []byte) error {
	select {
	case <-t.closed:
		return fmt.Errorf("kafka relay is closed")
	default:
	}

	value, err := json.Marshal(wireMessage{To: peerID, From: t.deviceID, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal kafka relay message: %w", err)
	}

	if err := t.writer.WriteMessages(ctx, kafka.Message{Value: value}); err != nil {
		return fmt.Errorf("failed to WriteMessages: %w", err)
	}
	return nil
}

func (t *Transport) Inbound() <-chan relay.Inbound {
	return t.inbound
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.cancel()

		if readerErr := t.reader.Close(); readerErr != nil {
			err = fmt.Errorf("failed to Close reader: %w", readerErr)
		}
		if writerErr := t.writer.Close(); writerErr != nil && err == nil {
			err = fmt.Errorf("failed to Close writer: %w", writerErr)
		}
	})
	return err
}

func (t *Transport) consumeLoop(ctx context.Context) {
	defer close(t.inbound)

	for {
		msg, err := t.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if _, ok := err.(net.Error); ok {
				continue
			}
			return
		}

		var wire wireMessage
		if err := json.Unmarshal(msg.Value, &wire); err != nil {
			continue
		}
		if wire.To != t.deviceID {
			continue
		}

		select {
		case t.inbound <- relay.Inbound{From: wire.From, Data: wire.Data}:
		case <-ctx.Done():
			return
		}
	}
}
