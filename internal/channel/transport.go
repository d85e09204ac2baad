package channel

import (
	"context"
	"time"
)

// Dialer opens push connections to the exchange.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is a live push connection. Read blocks until a frame arrives, ctx is
// done or the connection fails. Close may be called concurrently with Read
// and unblocks it.
type Conn interface {
	Subscribe(topic Topic) error
	Unsubscribe(topic Topic) error
	Read(ctx context.Context) ([]byte, error)
	Ping() error
	LastPong() time.Time
	Close() error
}

// Poller fetches a snapshot of topic over the request/response API.
type Poller interface {
	Poll(ctx context.Context, topic Topic) ([]RawMessage, error)
}
