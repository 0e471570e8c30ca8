// Package watch implements push-notification channel lifecycle management:
// creating and renewing watch channels against provider calendars, and
// pulling incremental changes with the stored sync cursor.
package watch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"calsync/internal/external"
	"calsync/internal/types"
)

// DefaultWatchTTL is the requested channel lifetime. The provider caps
// channels at 7 days; 6 leaves a full renewal cycle of slack before an
// un-renewed channel lapses.
const DefaultWatchTTL = 6 * 24 * time.Hour

// maxPullPages bounds how many change-feed pages one pull consumes.
const maxPullPages = 50

// eventTagKey is the private extended property the upsert engine stamps on
// every projected event; the pull path uses it to recognize the engine's
// own events in the change feed.
const eventTagKey = "calsync_event_id"

// TokenSource abstracts the token manager.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, ownerID string, provider types.Provider) (types.SecretString, error)
}

// ProviderAPI abstracts the provider calls the watch manager performs.
// Satisfied by *external.GoogleCalendarClient.
type ProviderAPI interface {
	FetchSyncCursor(ctx context.Context, token types.SecretString, calendarID string) (string, error)
	Watch(ctx context.Context, token types.SecretString, calendarID string, req external.WatchRequest) (*external.WatchResult, error)
	StopChannel(ctx context.Context, token types.SecretString, channelID, resourceID string) error
	ListChanges(ctx context.Context, token types.SecretString, calendarID, syncToken, pageToken string) (*external.EventList, error)
}

// WatchStore abstracts watch channel persistence. Satisfied by
// *db.WatchRepository.
type WatchStore interface {
	GetForTuple(ctx context.Context, ownerID, calendarID string, scope types.WatchScope) (*types.WatchChannel, error)
	Replace(ctx context.Context, w *types.WatchChannel) error
	UpdateCursor(ctx context.Context, channelID, cursor string) error
}

// ProjectionStore abstracts the projection updates the pull path applies.
// Satisfied by *db.ProjectionRepository.
type ProjectionStore interface {
	ClearByExternalID(ctx context.Context, externalID string, at time.Time) (int64, error)
	TouchSynced(ctx context.Context, eventID string, at time.Time) error
}

// ManagerConfig holds the configuration for creating a Manager.
type ManagerConfig struct {
	Tokens      TokenSource
	Provider    ProviderAPI
	Watches     WatchStore
	Projections ProjectionStore
	// WebhookAddress is the full public URL provider notifications are
	// delivered to.
	WebhookAddress string
	WatchTTL       time.Duration
	Logger         *slog.Logger

	// Now overrides the clock for testing.
	Now func() time.Time
}

// Manager owns the watch channel lifecycle for provider calendars.
type Manager struct {
	tokens      TokenSource
	provider    ProviderAPI
	watches     WatchStore
	projections ProjectionStore
	address     string
	ttl         time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewManager creates a Manager with the given configuration.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.WatchTTL
	if ttl == 0 {
		ttl = DefaultWatchTTL
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		tokens:      cfg.Tokens,
		provider:    cfg.Provider,
		watches:     cfg.Watches,
		projections: cfg.Projections,
		address:     cfg.WebhookAddress,
		ttl:         ttl,
		logger:      logger,
		now:         now,
	}
}

// CreateOrRenew establishes a fresh watch channel for (owner, calendar,
// scope), replacing any prior one. The protocol, in order:
//
//  1. Obtain a valid access token.
//  2. Fetch a fresh sync cursor so the new channel starts with a clean
//     incremental baseline.
//  3. Register the new channel (locally generated id and secret) with the
//     provider.
//  4. Persist the new channel, overwriting the prior tuple row.
//  5. Best-effort stop the prior channel.
//
// The ordering postcondition that matters: the old channel is never
// stopped before the new one is confirmed, so webhook coverage has no gap.
// A failed stop is logged and swallowed -- the old channel just expires on
// its own. A failed creation is fatal to the call and is retried by the
// scheduler on its next tick.
func (m *Manager) CreateOrRenew(ctx context.Context, ownerID, calendarID string, scope types.WatchScope) (*types.WatchChannel, error) {
	token, err := m.tokens.ValidAccessToken(ctx, ownerID, types.ProviderGoogle)
	if err != nil {
		return nil, err
	}

	cursor, err := m.provider.FetchSyncCursor(ctx, token, calendarID)
	if err != nil {
		return nil, err
	}

	// Read the prior channel before overwriting its row; stopping it needs
	// the provider-assigned resource id.
	prior, err := m.watches.GetForTuple(ctx, ownerID, calendarID, scope)
	if err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundWatch {
			return nil, err
		}
		prior = nil
	}

	secret, err := newChannelSecret()
	if err != nil {
		return nil, err
	}
	channel := &types.WatchChannel{
		ChannelID:  uuid.NewString(),
		Secret:     secret,
		OwnerID:    ownerID,
		Provider:   types.ProviderGoogle,
		CalendarID: calendarID,
		Scope:      scope,
		SyncCursor: cursor,
	}

	result, err := m.provider.Watch(ctx, token, calendarID, external.WatchRequest{
		ChannelID: channel.ChannelID,
		Address:   m.address,
		Secret:    channel.Secret,
		TTL:       m.ttl,
	})
	if err != nil {
		return nil, err
	}
	channel.ResourceID = result.ResourceID
	channel.Expiration = result.Expiration
	if channel.Expiration.IsZero() {
		channel.Expiration = m.now().Add(m.ttl)
	}

	if err := m.watches.Replace(ctx, channel); err != nil {
		return nil, err
	}

	if prior != nil && prior.ChannelID != channel.ChannelID {
		if err := m.provider.StopChannel(ctx, token, prior.ChannelID, prior.ResourceID); err != nil {
			// Best effort only. The replaced channel expires on its own,
			// and its deliveries no longer resolve to a stored secret.
			m.logger.WarnContext(ctx, "failed to stop replaced watch channel",
				"channel_id", prior.ChannelID,
				"owner_id", ownerID,
				"error", err,
			)
		}
	}

	m.logger.InfoContext(ctx, "watch channel established",
		"channel_id", channel.ChannelID,
		"owner_id", ownerID,
		"calendar_id", calendarID,
		"scope", string(scope),
		"expiration", channel.Expiration,
	)
	return channel, nil
}

// PullChanges fetches the delta since the watch's stored cursor and applies
// it to the projection store, returning the applied count and the new
// cursor.
//
// When the provider reports the cursor expired, the pull falls back to a
// full resync: the cursor is dropped and the listing restarts from scratch.
// That fallback is required behavior, not an optimization -- without it a
// watch whose cursor lapses (provider-side retention is finite) would fail
// every subsequent pull forever.
func (m *Manager) PullChanges(ctx context.Context, watch *types.WatchChannel) (int, string, error) {
	token, err := m.tokens.ValidAccessToken(ctx, watch.OwnerID, watch.Provider)
	if err != nil {
		return 0, "", err
	}

	applied, newCursor, err := m.pullWithCursor(ctx, token, watch, watch.SyncCursor)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeSyncCursorExpired {
			m.logger.InfoContext(ctx, "sync cursor expired; falling back to full resync",
				"channel_id", watch.ChannelID,
				"owner_id", watch.OwnerID,
			)
			applied, newCursor, err = m.pullWithCursor(ctx, token, watch, "")
		}
	}
	if err != nil {
		return 0, "", err
	}

	if err := m.watches.UpdateCursor(ctx, watch.ChannelID, newCursor); err != nil {
		// A replaced channel mid-pull is normal; the new channel carries
		// its own cursor and the next scheduled pull uses it.
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundWatch {
			m.logger.InfoContext(ctx, "watch channel replaced during pull; cursor discarded",
				"channel_id", watch.ChannelID,
			)
			return applied, newCursor, nil
		}
		return 0, "", err
	}
	return applied, newCursor, nil
}

// pullWithCursor walks the change feed from the given cursor (empty means
// from scratch) and applies each change. Returns the applied count and the
// cursor for the next pull.
func (m *Manager) pullWithCursor(ctx context.Context, token types.SecretString, watch *types.WatchChannel, cursor string) (int, string, error) {
	applied := 0
	pageToken := ""
	for page := 0; page < maxPullPages; page++ {
		list, err := m.provider.ListChanges(ctx, token, watch.CalendarID, cursor, pageToken)
		if err != nil {
			return 0, "", err
		}

		for _, ev := range list.Items {
			if err := m.applyChange(ctx, ev); err != nil {
				return 0, "", err
			}
			applied++
		}

		if list.NextSyncToken != "" {
			return applied, list.NextSyncToken, nil
		}
		if list.NextPageToken == "" {
			// Feed exhausted without a fresh cursor; keep the old one so
			// the next pull re-covers this window rather than skipping it.
			return applied, cursor, nil
		}
		pageToken = list.NextPageToken
	}
	return 0, "", types.NewAppError(types.ErrCodeUpstreamUnavailable,
		"change feed did not terminate within page budget", nil)
}

// applyChange projects one change-feed entry onto local state. Cancelled
// events detach any projection pointing at them; live events carrying the
// engine's own tag confirm their projection's sync time. Everything else
// in the feed is calendar activity the engine did not produce and does not
// track.
func (m *Manager) applyChange(ctx context.Context, ev *external.Event) error {
	now := m.now()
	if ev.Status == "cancelled" {
		_, err := m.projections.ClearByExternalID(ctx, ev.ID, now)
		return err
	}
	if ev.ExtendedProperties != nil {
		if internalID := ev.ExtendedProperties.Private[eventTagKey]; internalID != "" {
			return m.projections.TouchSynced(ctx, internalID, now)
		}
	}
	return nil
}

// newChannelSecret generates the shared secret registered with a channel
// and verified on every inbound webhook.
func newChannelSecret() (types.SecretString, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate channel secret", err)
	}
	return types.SecretString(hex.EncodeToString(buf)), nil
}
