package presence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/whisper/social-realtime/internal/metrics"
	"github.com/whisper/social-realtime/internal/protocol"
)

// FriendGraph resolves a user's accepted friends.
type FriendGraph interface {
	Friends(ctx context.Context, userID string) ([]string, error)
}

// Sender delivers an encoded frame to one connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Publisher announces presence transitions to other services.
type Publisher interface {
	PublishPresence(userID string, online bool) error
}

// Broadcaster computes each user's online-friend view and pushes it as an
// onlineFriends event whenever a user comes online or goes offline.
type Broadcaster struct {
	registry  Registry
	friends   FriendGraph
	sender    Sender
	publisher Publisher
	logger    *slog.Logger
}

// NewBroadcaster creates a Broadcaster. The publisher is optional.
func NewBroadcaster(registry Registry, friends FriendGraph, sender Sender, publisher Publisher, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		registry:  registry,
		friends:   friends,
		sender:    sender,
		publisher: publisher,
		logger:    logger.With("component", "presence"),
	}
}

// Connected pushes userID's online friends to connID, then refreshes the view
// of every online friend. first reports whether this was the user's first
// connection. A friend graph failure is returned; failures while refreshing
// individual friends are only logged.
func (b *Broadcaster) Connected(ctx context.Context, userID, connID string, first bool) error {
	online, err := b.OnlineFriends(ctx, userID)
	if err != nil {
		return err
	}

	b.send(connID, online)

	for _, friendID := range online {
		b.refresh(ctx, friendID)
	}

	if first {
		b.publish(userID, true)
	}
	return nil
}

// Disconnected refreshes the view of every online friend after userID's last
// connection dropped.
func (b *Broadcaster) Disconnected(ctx context.Context, userID string) error {
	// A new connection may have registered since the last one went away.
	if !b.registry.IsOnline(userID) {
		b.publish(userID, false)
	}

	online, err := b.OnlineFriends(ctx, userID)
	if err != nil {
		return err
	}
	for _, friendID := range online {
		b.refresh(ctx, friendID)
	}
	return nil
}

// OnlineFriends returns the subset of userID's friends that are online. The
// result is never nil.
func (b *Broadcaster) OnlineFriends(ctx context.Context, userID string) ([]string, error) {
	friends, err := b.friends.Friends(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("presence: friends of %s: %w", userID, err)
	}

	online := make([]string, 0, len(friends))
	for _, id := range friends {
		if id != userID && b.registry.IsOnline(id) {
			online = append(online, id)
		}
	}
	return online, nil
}

// refresh recomputes friendID's own view and pushes it to all of its
// connections.
func (b *Broadcaster) refresh(ctx context.Context, friendID string) {
	view, err := b.OnlineFriends(ctx, friendID)
	if err != nil {
		b.logger.Warn("failed to refresh friend view", "friend", friendID, "error", err)
		return
	}
	for _, connID := range b.registry.ConnectionsFor(friendID) {
		b.send(connID, view)
	}
}

func (b *Broadcaster) send(connID string, users []string) {
	data, err := protocol.NewServerMessage(protocol.TypeOnlineFriends, protocol.OnlineFriendsMsg{
		Users: users,
	})
	if err != nil {
		b.logger.Error("failed to build onlineFriends", "conn", connID, "error", err)
		return
	}
	if err := b.sender.SendMessage(connID, data); err != nil {
		b.logger.Debug("onlineFriends not delivered", "conn", connID, "error", err)
		return
	}
	metrics.PresencePushes.Inc()
}

func (b *Broadcaster) publish(userID string, online bool) {
	if b.publisher == nil {
		return
	}
	if err := b.publisher.PublishPresence(userID, online); err != nil {
		b.logger.Warn("failed to publish presence", "user", userID, "online", online, "error", err)
	}
}
