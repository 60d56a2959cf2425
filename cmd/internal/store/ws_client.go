package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/ids"
	v1 "github.com/Boritgoge/KiyomiTalk/shared/contracts/store/v1"
)

const (
	remoteDialTimeout  = 10 * time.Second
	remoteWriteTimeout = 5 * time.Second
	remoteCallTimeout  = 10 * time.Second
)

// RemoteStore implements SharedStore over a websocket connection to a
// WSGateway. It speaks the store sync protocol v1.
//
// Concurrency guarantees:
//   - All methods are safe for concurrent use.
//   - Subscription callbacks run on the read-loop goroutine; callbacks must
//     not block for long or they delay other deliveries.
//
// Unlike MemoryStore, Subscribe does not deliver the current value
// synchronously before returning. The initial update arrives asynchronously
// once the server processes the subscription.
type RemoteStore struct {
	log  *slog.Logger
	conn *websocket.Conn

	sessionID string

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*remoteSub
	pending map[string]chan v1.AppendAckPayload
	closed  bool

	done     chan struct{}
	doneOnce sync.Once
}

type remoteSub struct {
	store *RemoteStore
	subID string
	fn    func(Value)
	once  sync.Once
}

// Cancel stops delivery and tells the server to drop the subscription.
// Idempotent.
func (s *remoteSub) Cancel() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s.subID)
		closed := s.store.closed
		s.store.mu.Unlock()

		if closed {
			return
		}

		p, _ := json.Marshal(v1.UnsubscribePayload{SubID: s.subID})
		ctx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
		defer cancel()
		if err := s.store.send(ctx, v1.TypeUnsubscribe, p); err != nil {
			s.store.log.Info("store.remote.unsubscribe_fail", "sub_id", s.subID, "err", err)
		}
	})
}

// DialRemoteStore connects to a store gateway at url, completes the hello
// handshake, and starts the read loop.
func DialRemoteStore(ctx context.Context, log *slog.Logger, url string) (*RemoteStore, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	dialCtx, cancel := context.WithTimeout(ctx, remoteDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		return nil, fmt.Errorf("dial store: %w", err)
	}
	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol mismatch")
		return nil, fmt.Errorf("unexpected subprotocol: %q", sp)
	}

	conn.SetReadLimit(maxFrameBytes)

	rs := &RemoteStore{
		log:     log,
		conn:    conn,
		subs:    make(map[string]*remoteSub),
		pending: make(map[string]chan v1.AppendAckPayload),
		done:    make(chan struct{}),
	}

	if err := rs.send(dialCtx, v1.TypeHello, nil); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("hello: %w", err)
	}

	env, err := readEnvelope(dialCtx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello_ack failed")
		return nil, fmt.Errorf("hello_ack: %w", err)
	}
	if env.Type != v1.TypeHelloAck {
		_ = conn.Close(websocket.StatusProtocolError, "expected hello_ack")
		return nil, fmt.Errorf("expected hello_ack, got %q", env.Type)
	}
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad hello_ack")
		return nil, fmt.Errorf("decode hello_ack: %w", err)
	}
	rs.sessionID = ack.SessionID

	go rs.readLoop()

	log.Info("store.remote.connected", "session_id", rs.sessionID)
	return rs, nil
}

// SessionID reports the server-assigned session id.
func (rs *RemoteStore) SessionID() string { return rs.sessionID }

// Done is closed when the connection ends for any reason.
func (rs *RemoteStore) Done() <-chan struct{} { return rs.done }

// Subscribe registers fn for changes at, below, or above path.
// The first update arrives asynchronously from the read loop.
func (rs *RemoteStore) Subscribe(path string, fn func(Value)) (Subscription, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrBadPath
	}
	if fn == nil {
		return nil, errors.New("nil subscription callback")
	}

	subID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	sub := &remoteSub{store: rs, subID: subID, fn: fn}

	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil, ErrClosed
	}
	rs.subs[subID] = sub
	rs.mu.Unlock()

	p, _ := json.Marshal(v1.SubscribePayload{SubID: subID, Path: path})
	ctx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
	defer cancel()
	if err := rs.send(ctx, v1.TypeSubscribe, p); err != nil {
		rs.mu.Lock()
		delete(rs.subs, subID)
		rs.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// ReadOnce fetches the current value at path by subscribing, waiting for the
// first update, and unsubscribing.
func (rs *RemoteStore) ReadOnce(ctx context.Context, path string) (Value, error) {
	type result struct {
		v Value
	}
	ch := make(chan result, 1)

	sub, err := rs.Subscribe(path, func(v Value) {
		select {
		case ch <- result{v: v}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	waitCtx, cancel := context.WithTimeout(ctx, remoteCallTimeout)
	defer cancel()

	select {
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	case <-rs.done:
		return nil, ErrClosed
	case r := <-ch:
		return r.v, nil
	}
}

// WriteAt overwrites the value at path wholesale.
// Fire-and-forget: failures surface on the connection, not per-write.
func (rs *RemoteStore) WriteAt(ctx context.Context, path string, v Value) error {
	if strings.TrimSpace(path) == "" {
		return ErrBadPath
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	p, _ := json.Marshal(v1.WritePayload{Path: path, Value: raw})
	return rs.send(ctx, v1.TypeWrite, p)
}

// AppendChild appends v under path and returns the server-generated key.
func (rs *RemoteStore) AppendChild(ctx context.Context, path string, v Value) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ErrBadPath
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}

	reqID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return "", err
	}

	ackCh := make(chan v1.AppendAckPayload, 1)
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return "", ErrClosed
	}
	rs.pending[reqID] = ackCh
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		delete(rs.pending, reqID)
		rs.mu.Unlock()
	}()

	p, _ := json.Marshal(v1.AppendPayload{ReqID: reqID, Path: path, Value: raw})
	if err := rs.send(ctx, v1.TypeAppend, p); err != nil {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, remoteCallTimeout)
	defer cancel()

	select {
	case <-waitCtx.Done():
		return "", waitCtx.Err()
	case <-rs.done:
		return "", ErrClosed
	case ack := <-ackCh:
		return ack.Key, nil
	}
}

// DeleteAt removes the value at path.
func (rs *RemoteStore) DeleteAt(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrBadPath
	}
	p, _ := json.Marshal(v1.DeletePayload{Path: path})
	return rs.send(ctx, v1.TypeDelete, p)
}

// Close tears down the connection. Idempotent.
func (rs *RemoteStore) Close() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.closed = true
	rs.subs = make(map[string]*remoteSub)
	rs.mu.Unlock()

	rs.doneOnce.Do(func() { close(rs.done) })
	return rs.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (rs *RemoteStore) send(ctx context.Context, typ string, payload json.RawMessage) error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return ErrClosed
	}
	rs.mu.Unlock()

	env := newEnvelope(typ, payload, time.Now().UTC())

	rs.writeMu.Lock()
	defer rs.writeMu.Unlock()
	return writeEnvelope(ctx, rs.conn, env, remoteWriteTimeout)
}

func (rs *RemoteStore) readLoop() {
	defer rs.doneOnce.Do(func() { close(rs.done) })

	for {
		env, err := readEnvelope(context.Background(), rs.conn)
		if err != nil {
			rs.mu.Lock()
			wasClosed := rs.closed
			rs.mu.Unlock()
			if !wasClosed {
				rs.log.Info("store.remote.read_end", "session_id", rs.sessionID, "err", err)
			}
			return
		}

		switch env.Type {
		case v1.TypeUpdate:
			var p v1.UpdatePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				rs.log.Info("store.remote.bad_update", "err", err)
				continue
			}

			rs.mu.Lock()
			sub := rs.subs[p.SubID]
			rs.mu.Unlock()
			if sub == nil {
				continue
			}

			var v any
			if len(p.Value) > 0 {
				if err := json.Unmarshal(p.Value, &v); err != nil {
					rs.log.Info("store.remote.bad_value", "path", p.Path, "err", err)
					continue
				}
			}
			sub.fn(v)

		case v1.TypeAppendAck:
			var p v1.AppendAckPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				rs.log.Info("store.remote.bad_append_ack", "err", err)
				continue
			}

			rs.mu.Lock()
			ch := rs.pending[p.ReqID]
			rs.mu.Unlock()
			if ch != nil {
				select {
				case ch <- p:
				default:
				}
			}

		case v1.TypeError:
			var p v1.ErrorPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				rs.log.Info("store.remote.server_error", "code", p.Code, "message", p.Message)
			}

		default:
			rs.log.Info("store.remote.unexpected_type", "type", env.Type)
		}
	}
}
