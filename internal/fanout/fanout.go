package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frolleks/edgewire/internal/gateway"
	"github.com/frolleks/edgewire/internal/mentions"
	"github.com/frolleks/edgewire/internal/models"
	"github.com/frolleks/edgewire/internal/notify"
)

// Resolver computes a message's audience and effective mentions.
type Resolver interface {
	Resolve(ctx context.Context, req mentions.ResolveRequest) (*mentions.Resolution, error)
}

// Decider evaluates notification decisions for a resolved audience.
type Decider interface {
	DecideBatch(ctx context.Context, ch *models.Channel, recipients []mentions.Recipient, now time.Time) ([]notify.Decision, error)
}

// Emitter delivers dispatch events. *gateway.Dispatcher satisfies it.
type Emitter interface {
	EmitToUsers(userIDs []string, event string, payload any) (int, error)
}

// Request describes one created message to fan out.
type Request struct {
	ChannelID string
	AuthorID  string
	Content   string
	Allowed   *mentions.AllowedMentions
	// Payload overrides the MESSAGE_CREATE body when the message tier has
	// already serialized the message. Empty means build a default body.
	Payload json.RawMessage
}

// Message is the default MESSAGE_CREATE payload.
type Message struct {
	ID              string    `json:"id"`
	ChannelID       string    `json:"channel_id"`
	AuthorID        string    `json:"author_id"`
	Content         string    `json:"content"`
	Mentions        []string  `json:"mentions"`
	MentionEveryone bool      `json:"mention_everyone"`
	Timestamp       time.Time `json:"timestamp"`
}

// Result is what one fan-out produced: the resolved audience, the
// per-recipient notification decisions, and how many live connections got
// the event.
type Result struct {
	Resolution *mentions.Resolution
	Decisions  []notify.Decision
	Delivered  int
}

// Service is the in-process pipeline the message tier calls for every
// created message: resolve the audience, decide who gets alerted, push the
// event to whoever is connected. Decisions come back to the caller; the
// gateway itself never delivers push notifications.
type Service struct {
	resolver Resolver
	decider  Decider
	emitter  Emitter
	logger   *zap.Logger
}

func NewService(resolver Resolver, decider Decider, emitter Emitter, logger *zap.Logger) *Service {
	return &Service{
		resolver: resolver,
		decider:  decider,
		emitter:  emitter,
		logger:   logger,
	}
}

// Dispatch runs the pipeline for one message.
func (s *Service) Dispatch(ctx context.Context, req Request) (*Result, error) {
	res, err := s.resolver.Resolve(ctx, mentions.ResolveRequest{
		ChannelID: req.ChannelID,
		AuthorID:  req.AuthorID,
		Content:   req.Content,
		Allowed:   req.Allowed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve message audience: %w", err)
	}

	decisions, err := s.decider.DecideBatch(ctx, res.Channel, res.Recipients, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to decide notifications: %w", err)
	}

	payload := any(req.Payload)
	if len(req.Payload) == 0 {
		payload = Message{
			ID:              uuid.New().String(),
			ChannelID:       req.ChannelID,
			AuthorID:        req.AuthorID,
			Content:         req.Content,
			Mentions:        res.Tokens.UserIDs,
			MentionEveryone: res.EveryoneEffective,
			Timestamp:       time.Now().UTC(),
		}
	}

	delivered, err := s.emitter.EmitToUsers(res.RecipientIDs(), gateway.EventMessageCreate, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to emit message event: %w", err)
	}

	s.logger.Debug("message fanned out",
		zap.String("channel_id", req.ChannelID),
		zap.String("author_id", req.AuthorID),
		zap.Int("audience", len(res.Recipients)),
		zap.Int("delivered", delivered))

	return &Result{Resolution: res, Decisions: decisions, Delivered: delivered}, nil
}
