package cache

import (
	"context"
	"time"
)

// Receipt is what the transport returned for a delivered message.
type Receipt struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

type MessageCache interface {
	StoreSent(ctx context.Context, messageID, remoteMessageID string, sentAt time.Time) error
	GetSent(ctx context.Context, messageID string) (Receipt, bool, error)
}
