package contextsvc

import (
	"context"
	"time"
)

// Exchange is one user-message/response pair.
type Exchange struct {
	UserText     string    `json:"user_text"`
	ResponseText string    `json:"response_text"`
	Timestamp    time.Time `json:"timestamp"`
}

// Service stores and recalls recent exchanges per conversation.
type Service interface {
	// Append records one exchange, evicting the oldest beyond the
	// configured history size.
	Append(ctx context.Context, conversation string, ex Exchange) error

	// Recent returns up to n exchanges, oldest first.
	Recent(ctx context.Context, conversation string, n int) ([]Exchange, error)

	// Clear removes a conversation's history.
	Clear(ctx context.Context, conversation string) error

	// Close releases store resources.
	Close() error
}
