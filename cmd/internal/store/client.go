package store

import (
	"sync"

	v1 "github.com/Boritgoge/KiyomiTalk/shared/contracts/store/v1"
)

// wsSession represents one connected websocket store session on the server.
//
// Design notes:
//   - Send is intentionally NOT closed by the server to avoid panics from
//     concurrent fanout goroutines.
//   - done signals the session goroutines to stop.
//   - Close is idempotent.
type wsSession struct {
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// newWSSession constructs a session with a bounded send queue.
func newWSSession(sessionID string, sendQueueSize int) *wsSession {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &wsSession{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the session is shutting down.
func (s *wsSession) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals the session goroutines to stop (idempotent).
// It does NOT close Send to keep fanout safe under concurrency.
func (s *wsSession) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
