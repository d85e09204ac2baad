package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"PerpRecon/internal/apperr"
	"PerpRecon/internal/event"
)

// SessionOutcome is the result of one read on a push session.
type SessionOutcome int

const (
	OutcomeMessage   SessionOutcome = iota // a frame was read
	OutcomeReconnect                       // the connection is unusable; dial again
	OutcomeFatal                           // credentials or subscription permanently rejected
	OutcomeClosed                          // the owner cancelled the session
)

func (o SessionOutcome) String() string {
	switch o {
	case OutcomeMessage:
		return "message"
	case OutcomeReconnect:
		return "reconnect"
	case OutcomeFatal:
		return "fatal"
	case OutcomeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// errHeartbeatTimeout marks a session closed by the heartbeat monitor.
var errHeartbeatTimeout = errors.New("channel: heartbeat not acknowledged")

// ReadResult is what readOnce hands back to the session loop.
type ReadResult struct {
	Outcome SessionOutcome
	Message RawMessage
	Err     error
}

type session struct {
	id       string
	conn     Conn
	userID   string
	deadConn atomic.Bool
}

func (s *session) readOnce(ctx context.Context, now func() time.Time) ReadResult {
	data, err := s.conn.Read(ctx)
	if err == nil {
		return ReadResult{
			Outcome: OutcomeMessage,
			Message: RawMessage{
				UserID:     s.userID,
				Source:     event.SourcePush,
				Data:       data,
				ReceivedAt: now(),
			},
		}
	}

	switch {
	case ctx.Err() != nil:
		return ReadResult{Outcome: OutcomeClosed, Err: ctx.Err()}
	case s.deadConn.Load():
		return ReadResult{Outcome: OutcomeReconnect, Err: errHeartbeatTimeout}
	case apperr.IsFatal(err):
		return ReadResult{Outcome: OutcomeFatal, Err: err}
	default:
		return ReadResult{Outcome: OutcomeReconnect, Err: err}
	}
}
