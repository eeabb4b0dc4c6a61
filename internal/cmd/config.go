package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Session struct {
		DefaultMaxParticipants int           `yaml:"default_max_participants"`
		ParticipantTimeout     time.Duration `yaml:"participant_timeout"`
		SessionTTL             time.Duration `yaml:"session_ttl"`
	} `yaml:"session"`
	Reaper struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"reaper"`
	Events struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		StreamName    string `yaml:"stream_name"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"events"`
	Content struct {
		OEmbedEndpoint string `yaml:"oembed_endpoint"`
		WatchURLFormat string `yaml:"watch_url_format"`
	} `yaml:"content"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Environment overrides on top of the file.
	config.Server.Port = getEnv("PORT", firstNonEmpty(config.Server.Port, "8080"))
	config.Log.Level = getEnv("LOG_LEVEL", firstNonEmpty(config.Log.Level, "info"))
	config.Events.Enabled = getEnvAsBool("EVENTS_ENABLED", config.Events.Enabled)
	config.Events.URL = getEnv("NATS_URL", config.Events.URL)

	if config.Session.DefaultMaxParticipants == 0 {
		config.Session.DefaultMaxParticipants = getEnvAsInt("SESSION_MAX_PARTICIPANTS", 8)
	}
	if config.Session.ParticipantTimeout == 0 {
		config.Session.ParticipantTimeout = 5 * time.Minute
	}
	if config.Session.SessionTTL == 0 {
		config.Session.SessionTTL = 24 * time.Hour
	}
	if config.Reaper.Interval == 0 {
		config.Reaper.Interval = 30 * time.Second
	}

	return &config, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
