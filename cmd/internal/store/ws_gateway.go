package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/ids"
	v1 "github.com/Boritgoge/KiyomiTalk/shared/contracts/store/v1"
)

const (
	wsSubprotocolV1 = "kiyomitalk.store.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the websocket entrypoint of the shared store.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and routes validated envelopes to the backing MemoryStore.
// Every subscription a session opens is cancelled when that session ends.
type WSGateway struct {
	log   *slog.Logger
	store *MemoryStore

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When st is nil, it falls back to a fresh in-memory store for dev.
func NewWSGateway(log *slog.Logger, st *MemoryStore) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if st == nil {
		st, _ = NewMemoryStore(log)
	}

	g := &WSGateway{log: log, store: st}

	// Dev-only: skips websocket.Accept's own origin verification.
	// The gateway's enforceOrigin check above still applies.
	g.devInsecure = envBoolWS("KIYOMI_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("KIYOMI_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("KIYOMI_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is ok,
	// cross-origin requires OriginPatterns (host patterns). The patterns are
	// derived from the allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("KIYOMI_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("KIYOMI_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("KIYOMI_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("KIYOMI_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("KIYOMI_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("KIYOMI_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("KIYOMI_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// Store exposes the backing store (server-local consumers, tests).
func (g *WSGateway) Store() *MemoryStore { return g.store }

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket store session and runs it.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	sess := newWSSession(sessionID, g.sendQueueSize)

	metricWSConnections.Inc()
	defer metricWSConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		subMu     sync.Mutex
		subs      = make(map[string]Subscription)
	)

	cancelSubs := func() {
		subMu.Lock()
		for id, sub := range subs {
			sub.Cancel()
			delete(subs, id)
		}
		subMu.Unlock()
	}

	// shutdown is idempotent. It does NOT close sess.Send.
	// Subscriptions are cancelled before the session closes so no fanout
	// callback can enqueue into a dead session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			cancelSubs()
			sess.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case env := <-sess.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, sess, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeSubscribe:
			if err := g.onSubscribe(ctx, sess, env, &subMu, subs); err != nil {
				g.trySendError(ctx, sess, "subscribe_failed", err.Error())
				continue readLoop
			}

		case v1.TypeUnsubscribe:
			g.onUnsubscribe(env, &subMu, subs)

		case v1.TypeWrite:
			if err := g.onWrite(ctx, env); err != nil {
				g.trySendError(ctx, sess, "write_failed", err.Error())
				continue readLoop
			}

		case v1.TypeAppend:
			if err := g.onAppend(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess, "append_failed", err.Error())
				continue readLoop
			}

		case v1.TypeDelete:
			if err := g.onDelete(ctx, env); err != nil {
				g.trySendError(ctx, sess, "delete_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, sess, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	if len(env.Payload) > 0 {
		var p v1.HelloPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: sess.SessionID})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, sess, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onSubscribe(ctx context.Context, sess *wsSession, env v1.Envelope, subMu *sync.Mutex, subs map[string]Subscription) error {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	subID := strings.TrimSpace(p.SubID)
	path := strings.TrimSpace(p.Path)
	if subID == "" {
		return errors.New("missing sub_id")
	}
	if path == "" {
		return errors.New("missing path")
	}

	subMu.Lock()
	if _, exists := subs[subID]; exists {
		subMu.Unlock()
		return fmt.Errorf("duplicate sub_id: %s", subID)
	}
	if len(subs) >= maxSubsPerSession {
		subMu.Unlock()
		return errors.New("too many subscriptions")
	}
	subMu.Unlock()

	sub, err := g.store.Subscribe(path, func(v Value) {
		raw, err := json.Marshal(v)
		if err != nil {
			g.log.Error("ws.update.encode_fail", "path", path, "err", err)
			return
		}
		payload, _ := json.Marshal(v1.UpdatePayload{SubID: subID, Path: path, Value: raw})
		upd := newEnvelope(v1.TypeUpdate, payload, time.Now().UTC())

		// Non-blocking: a slow session drops updates rather than stalling
		// the store's fanout; the next change re-delivers fresh state.
		if !g.enqueue(ctx, sess, upd) {
			g.log.Info("ws.update.drop", "session_id", sess.SessionID, "path", path)
		}
	})
	if err != nil {
		return err
	}

	subMu.Lock()
	subs[subID] = sub
	subMu.Unlock()
	return nil
}

func (g *WSGateway) onUnsubscribe(env v1.Envelope, subMu *sync.Mutex, subs map[string]Subscription) {
	var p v1.UnsubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	subMu.Lock()
	sub, ok := subs[p.SubID]
	if ok {
		delete(subs, p.SubID)
	}
	subMu.Unlock()

	if ok {
		sub.Cancel()
	}
}

func (g *WSGateway) onWrite(ctx context.Context, env v1.Envelope) error {
	var p v1.WritePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.Path) == "" {
		return errors.New("missing path")
	}

	var v any
	if len(p.Value) > 0 {
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return fmt.Errorf("invalid value: %w", err)
		}
	}
	return g.store.WriteAt(ctx, p.Path, v)
}

func (g *WSGateway) onAppend(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.AppendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.ReqID) == "" {
		return errors.New("missing req_id")
	}
	if strings.TrimSpace(p.Path) == "" {
		return errors.New("missing path")
	}

	var v any
	if len(p.Value) > 0 {
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return fmt.Errorf("invalid value: %w", err)
		}
	}

	key, err := g.store.AppendChild(ctx, p.Path, v)
	if err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.AppendAckPayload{ReqID: p.ReqID, Path: p.Path, Key: key})
	ack := newEnvelope(v1.TypeAppendAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, sess, ack) {
		return errors.New("backpressure: append_ack")
	}
	return nil
}

func (g *WSGateway) onDelete(ctx context.Context, env v1.Envelope) error {
	var p v1.DeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.Path) == "" {
		return errors.New("missing path")
	}
	return g.store.DeleteAt(ctx, p.Path)
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, sess *wsSession, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, sess, env)
}

func (g *WSGateway) enqueue(ctx context.Context, sess *wsSession, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-sess.Done():
		return false
	case sess.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := ids.NewULID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Only hosts extracted from the allowlist are
	// accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
