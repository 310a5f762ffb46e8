package valkeypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/cushionproxy/cushion/internal/config"
)

const publishTimeout = 2 * time.Second

// Publisher forwards every cached response onto a valkey pub/sub channel as a
// JSON document carrying the path and payload.
type Publisher struct {
	client  valkey.Client
	channel string
	logger  *slog.Logger
}

type message struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// New builds the publisher and verifies connectivity with a ping.
func New(cfg config.ValkeyPluginConfig, logger *slog.Logger) (*Publisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("valkeypub: address required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("valkeypub: channel required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("valkeypub: client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkeypub: ping: %w", err)
	}

	return &Publisher{
		client:  client,
		channel: cfg.Channel,
		logger:  logger.With(slog.String("plugin", "valkey-publisher")),
	}, nil
}

// Name identifies the plugin in logs and health output.
func (p *Publisher) Name() string { return "valkey-publisher" }

// Initialize satisfies the plugin contract; connectivity was verified in New.
func (p *Publisher) Initialize() error { return nil }

// OnResponse publishes the cached payload. Errors are logged and swallowed.
func (p *Publisher) OnResponse(path string, payload []byte) {
	msg := message{Path: path}
	if json.Valid(payload) {
		msg.Payload = json.RawMessage(payload)
	} else {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			p.logger.Warn("payload encode failed", slog.String("path", path), slog.Any("error", err))
			return
		}
		msg.Payload = quoted
	}
	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("message encode failed", slog.String("path", path), slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	cmd := p.client.B().Publish().Channel(p.channel).Message(string(body)).Build()
	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		p.logger.Warn("publish failed", slog.String("path", path), slog.Any("error", err))
	}
}

// Shutdown closes the valkey client.
func (p *Publisher) Shutdown(context.Context) error {
	p.client.Close()
	return nil
}
