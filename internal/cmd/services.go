package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/content"
	"github.com/coviewd/coviewd/internal/events"
	"github.com/coviewd/coviewd/internal/gateway"
	"github.com/coviewd/coviewd/internal/identity"
	"github.com/coviewd/coviewd/internal/reaper"
	"github.com/coviewd/coviewd/internal/session"
)

// Services holds the wired service graph.
type Services struct {
	SessionManager *session.Manager
	Gateway        *gateway.Service
	Reaper         *reaper.Reaper
	Publisher      events.Publisher
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	clock := clockwork.NewRealClock()

	connManager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())

	sessionManager := session.NewManager(clock, session.Config{
		DefaultMaxParticipants: config.Session.DefaultMaxParticipants,
		ParticipantTimeout:     config.Session.ParticipantTimeout,
		SessionTTL:             config.Session.SessionTTL,
	}, connManager)

	var publisher events.Publisher = events.NopPublisher{}
	if config.Events.Enabled {
		jsConfig := events.DefaultJetStreamConfig()
		if config.Events.URL != "" {
			jsConfig.URL = config.Events.URL
		}
		if config.Events.StreamName != "" {
			jsConfig.StreamName = config.Events.StreamName
		}
		if config.Events.SubjectPrefix != "" {
			jsConfig.SubjectPrefix = config.Events.SubjectPrefix
		}

		js, err := events.NewJetStreamPublisher(ctx, jsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		publisher = js
		sessionManager.SetEventSink(js)
		log.Info().Str("url", jsConfig.URL).Str("stream", jsConfig.StreamName).Msg("event publisher enabled")
	}

	if config.Content.OEmbedEndpoint != "" {
		provider := content.NewOEmbedProvider(config.Content.OEmbedEndpoint, config.Content.WatchURLFormat)
		sessionManager.SetMetadataProvider(provider)
		log.Info().Str("endpoint", config.Content.OEmbedEndpoint).Msg("content metadata provider enabled")
	}

	gatewayService := gateway.NewService(sessionManager, identity.DevProvider{}, clock, connManager)

	return &Services{
		SessionManager: sessionManager,
		Gateway:        gatewayService,
		Reaper:         reaper.New(sessionManager, clock, config.Reaper.Interval),
		Publisher:      publisher,
	}, nil
}
