package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/floroz/gavel-auctions/internal/auction"
)

const inboxSize = 50

// Notifier implements auction.Notifier. Each message is published on the user's
// channel for connected clients and kept in a short per-user inbox for the others.
type Notifier struct {
	client  redis.Cmdable
	timeout time.Duration
}

func NewNotifier(client redis.Cmdable, timeout time.Duration) *Notifier {
	return &Notifier{client: client, timeout: timeout}
}

// Channel is the pub/sub channel carrying a user's notifications
func Channel(userID uuid.UUID) string {
	return "notifications:" + userID.String()
}

// InboxKey is the list holding a user's most recent notifications, newest first
func InboxKey(userID uuid.UUID) string {
	return "notifications:" + userID.String() + ":inbox"
}

func (n *Notifier) Notify(ctx context.Context, userID uuid.UUID, msg auction.Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	_, err = n.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, InboxKey(userID), body)
		pipe.LTrim(ctx, InboxKey(userID), 0, inboxSize-1)
		pipe.Publish(ctx, Channel(userID), body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	return nil
}
