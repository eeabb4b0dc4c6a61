package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/protocol"
)

// Publisher mirrors session events to an external stream so consumers
// outside this process (recorders, analytics, other nodes) can follow
// session activity.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, msg *protocol.Message) error
	Close() error
}

// JetStreamConfig holds configuration for the JetStream publisher.
type JetStreamConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultJetStreamConfig returns default JetStream publisher configuration.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:           nats.DefaultURL,
		StreamName:    "SYNC_EVENTS",
		SubjectPrefix: "sync.sessions",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// JetStreamPublisher publishes session events to a JetStream stream.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

// NewJetStreamPublisher connects to NATS and ensures the event stream
// exists.
func NewJetStreamPublisher(ctx context.Context, config JetStreamConfig) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{
		nc:     nc,
		js:     js,
		config: config,
	}

	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return p, nil
}

func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	_, err := p.js.Stream(ctx, p.config.StreamName)
	if err == nil {
		log.Info().Str("stream", p.config.StreamName).Msg("using existing JetStream stream")
		return nil
	}

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Session sync event stream",
		Subjects:    []string{p.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	log.Info().Str("stream", p.config.StreamName).Msg("created JetStream stream")
	return nil
}

// Publish sends the wire message to the session's event subject.
func (p *JetStreamPublisher) Publish(ctx context.Context, sessionID string, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", p.config.SubjectPrefix, sessionID, msg.Type)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Str("type", string(msg.Type)).
		Msg("session event published")
	return nil
}

// Close shuts down the NATS connection.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// NopPublisher discards events. Used when no event stream is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, *protocol.Message) error { return nil }
func (NopPublisher) Close() error                                             { return nil }
