package testutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/frolleks/edgewire/internal/config"
	"github.com/frolleks/edgewire/internal/store"
)

// The seed helpers write world state the way the platform's write path
// would. The engine only reads these tables, so there are no store methods
// to go through.

// SeedUser inserts a user row.
func SeedUser(ctx context.Context, s *store.Store, id string) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO users (id, username) VALUES ($1, $2)`,
		id, fmt.Sprintf("user-%s", id))
	return err
}

// SeedGuild inserts a guild row. The owner must already exist.
func SeedGuild(ctx context.Context, s *store.Store, id, ownerID string) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO guilds (id, name, owner_id) VALUES ($1, $2, $3)`,
		id, fmt.Sprintf("guild-%s", id), ownerID)
	return err
}

// SeedRole inserts a role row. Permissions is a decimal bitmask string.
func SeedRole(ctx context.Context, s *store.Store, id, guildID, permissions string, mentionable, everyone bool) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO roles (id, guild_id, name, permissions, mentionable, is_everyone) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, guildID, fmt.Sprintf("role-%s", id), permissions, mentionable, everyone)
	return err
}

// SeedMember adds a user to a guild with the given role assignments.
func SeedMember(ctx context.Context, s *store.Store, guildID, userID string, roleIDs ...string) error {
	if _, err := s.ExecContext(ctx,
		`INSERT INTO guild_members (guild_id, user_id) VALUES ($1, $2)`,
		guildID, userID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if _, err := s.ExecContext(ctx,
			`INSERT INTO member_roles (guild_id, user_id, role_id) VALUES ($1, $2, $3)`,
			guildID, userID, roleID); err != nil {
			return err
		}
	}
	return nil
}

// SeedGuildChannel inserts a text channel in a guild.
func SeedGuildChannel(ctx context.Context, s *store.Store, id, guildID string) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO channels (id, guild_id, kind, name) VALUES ($1, $2, 'text', $3)`,
		id, guildID, fmt.Sprintf("channel-%s", id))
	return err
}

// SeedDMChannel inserts a direct message channel with the given recipients.
func SeedDMChannel(ctx context.Context, s *store.Store, id string, userIDs ...string) error {
	if _, err := s.ExecContext(ctx,
		`INSERT INTO channels (id, guild_id, kind, name) VALUES ($1, NULL, 'dm', NULL)`,
		id); err != nil {
		return err
	}
	for _, userID := range userIDs {
		if _, err := s.ExecContext(ctx,
			`INSERT INTO channel_recipients (channel_id, user_id) VALUES ($1, $2)`,
			id, userID); err != nil {
			return err
		}
	}
	return nil
}

// SeedChannelOverwrite inserts a permission overwrite on a channel. The
// target kind is 'role' or 'member'; masks are decimal bitmask strings.
func SeedChannelOverwrite(ctx context.Context, s *store.Store, channelID, targetKind, targetID, allowMask, denyMask string) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO channel_overwrites (channel_id, target_kind, target_id, allow_mask, deny_mask) VALUES ($1, $2, $3, $4, $5)`,
		channelID, targetKind, targetID, allowMask, denyMask)
	return err
}

// SeedNotificationSetting inserts a notification setting row. Level may be
// nil to configure only the mute fields.
func SeedNotificationSetting(ctx context.Context, s *store.Store, userID, scopeKind, scopeID string, level *int, muted bool, mutedUntil *time.Time) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO notification_settings (user_id, scope_kind, scope_id, level, muted, muted_until) VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, scopeKind, scopeID, level, muted, mutedUntil)
	return err
}

// SeedPresencePreference inserts a persisted status preference.
func SeedPresencePreference(ctx context.Context, s *store.Store, userID, status string) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO presence_preferences (user_id, status) VALUES ($1, $2)`,
		userID, status)
	return err
}

// GenerateID generates a random identifier.
func GenerateID() string {
	return uuid.New().String()
}

// GenerateKeyPair generates an ES256 signing key and its PEM-encoded public
// half, for configuring a verifier whose tokens the test can mint.
func GenerateKeyPair() (*ecdsa.PrivateKey, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pemBytes), nil
}

// SignToken mints an ES256 identity token for the given subject.
func SignToken(key *ecdsa.PrivateKey, subject string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// GenerateTestConfig creates a configuration with valid test values. The
// gateway timings are short so lifecycle tests run quickly. The JWT public
// key belongs to a throwaway key; tests that mint tokens should set their
// own via GenerateKeyPair.
func GenerateTestConfig() *config.Config {
	_, publicPEM, err := GenerateKeyPair()
	if err != nil {
		panic(fmt.Sprintf("failed to generate test key pair: %v", err))
	}

	return &config.Config{
		Server: config.ServerConfig{
			HTTPPort:         "8080",
			Host:             "localhost",
			Env:              "test",
			PublicGatewayURL: "ws://localhost:8080/gateway",
		},
		Gateway: config.GatewayConfig{
			HeartbeatInterval: 1 * time.Second,
			MaxFrameBytes:     65536,
			FrameRate:         50,
			FrameBurst:        100,
			StaleAfter:        3 * time.Second,
			SweepInterval:     500 * time.Millisecond,
			TicketTTL:         time.Minute,
		},
		Presence: config.PresenceConfig{
			IdleAfter:     10 * time.Minute,
			AudienceTTL:   time.Second,
			SweepInterval: time.Second,
		},
		Database: config.DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "testuser",
			Password:     "testpass",
			Name:         "testdb",
			SSLMode:      "disable",
			MaxOpenConns: 5,
			MaxIdleConns: 2,
		},
		Auth: config.AuthConfig{
			JWTPublicKey: publicPEM,
			Leeway:       30 * time.Second,
		},
		Logging: config.LoggingConfig{
			Level:  "debug",
			Format: "console",
		},
	}
}
