// Package kafkapush delivers notifications from an on-premise Kafka event
// bus. It implements the push channel contract of the sanago notification
// channel.
package kafkapush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Config selects the topic and the user whose notifications are wanted.
type Config struct {
	Brokers []string
	Topic   string
	// GroupID is optional. Without it every workstation reads the topic
	// independently from the end.
	GroupID string
	UserID  string
}

// Envelope is the optional wrapper a producer may put around a record.
type Envelope struct {
	EventType string          `json:"eventType"`
	EventID   string          `json:"eventId"`
	UserID    string          `json:"userId"`
	Payload   json.RawMessage `json:"payload"`
}

// Source consumes notification records for one user.
type Source struct {
	cfg Config

	mu       sync.Mutex
	handlers []func(json.RawMessage)
	client   *kgo.Client
	cancel   context.CancelFunc
	done     chan struct{}
}

// New validates cfg. No connection is made until Connect.
func New(cfg Config) (*Source, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafkapush: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafkapush: topic is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("kafkapush: user id is required")
	}
	return &Source{cfg: cfg}, nil
}

// OnNotification registers a handler for accepted records.
func (s *Source) OnNotification(h func(json.RawMessage)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// Connect creates the client and starts polling in the background. The
// poll loop runs until Disconnect.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumeTopics(s.cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	}
	if s.cfg.GroupID != "" {
		opts = append(opts, kgo.ConsumerGroup(s.cfg.GroupID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafkapush: create client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("kafkapush: ping brokers: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.client = client
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, client, s.done)
	return nil
}

// Disconnect stops polling and closes the client.
func (s *Source) Disconnect() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.client, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *Source) run(ctx context.Context, client *kgo.Client, done chan<- struct{}) {
	defer close(done)
	log.Info().Str("topic", s.cfg.Topic).Msg("kafka push consumer started")

	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("kafka fetch error")
		})

		fetches.EachRecord(func(r *kgo.Record) {
			payload, ok := Accept(s.cfg.UserID, r.Key, r.Value)
			if !ok {
				return
			}
			log.Debug().Str("topic", r.Topic).Int64("offset", r.Offset).Msg("kafka notification received")
			s.dispatch(payload)
		})
	}

	client.Close()
	log.Info().Str("topic", s.cfg.Topic).Msg("kafka push consumer stopped")
}

func (s *Source) dispatch(payload json.RawMessage) {
	s.mu.Lock()
	handlers := append([]func(json.RawMessage){}, s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

// Accept decides whether a record belongs to userID and returns the
// notification payload. A record keyed by the user id is taken as is
// (unwrapping an envelope if present). An unkeyed record must carry an
// envelope naming the user.
func Accept(userID string, key, value []byte) (json.RawMessage, bool) {
	if len(value) == 0 {
		return nil, false
	}

	var env Envelope
	hasEnv := json.Unmarshal(value, &env) == nil && len(env.Payload) > 0

	switch {
	case len(key) > 0:
		if string(key) != userID {
			return nil, false
		}
	case !hasEnv || env.UserID != userID:
		return nil, false
	}

	if hasEnv {
		if env.UserID != "" && env.UserID != userID {
			return nil, false
		}
		return env.Payload, true
	}
	if !json.Valid(value) {
		return nil, false
	}
	return json.RawMessage(value), true
}
