package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/frolleks/edgewire/internal/mentions"
	"github.com/frolleks/edgewire/internal/models"
)

// SettingsSource loads the layered notification settings for a batch of
// users in one round trip. Users without stored settings may be absent from
// the returned map.
type SettingsSource interface {
	NotificationSettings(ctx context.Context, userIDs []string, channelID string, guildID *string) (map[string]Layered, error)
}

// Decider evaluates notification decisions for resolved messages.
type Decider struct {
	src    SettingsSource
	logger *zap.Logger
}

// NewDecider creates a decider reading preferences from src.
func NewDecider(src SettingsSource, logger *zap.Logger) *Decider {
	return &Decider{src: src, logger: logger}
}

// DecideBatch loads settings for every recipient in one query and applies
// the decision rules. Recipients with no stored settings fall through to the
// defaults.
func (d *Decider) DecideBatch(ctx context.Context, ch *models.Channel, recipients []mentions.Recipient, now time.Time) ([]Decision, error) {
	if len(recipients) == 0 {
		return nil, nil
	}

	ids := make([]string, len(recipients))
	for i, rec := range recipients {
		ids[i] = rec.UserID
	}

	settings, err := d.src.NotificationSettings(ctx, ids, ch.ID, ch.GuildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load notification settings for channel %s: %w", ch.ID, err)
	}

	decisions := make([]Decision, len(recipients))
	notifying := 0
	for i, rec := range recipients {
		decisions[i] = Decide(rec.UserID, settings[rec.UserID], ch.IsDM(), rec.Mentioned, now)
		if decisions[i].Notify {
			notifying++
		}
	}

	d.logger.Debug("decided notifications",
		zap.String("channel_id", ch.ID),
		zap.Int("recipients", len(recipients)),
		zap.Int("notifying", notifying),
	)
	return decisions, nil
}
