// Package main provides a CI-friendly WebSocket smoke test for the
// KiyomiTalk shared store.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - subscribe -> initial update with current value
//   - write -> fanout update to another client
//   - append -> ack with server-generated key
//   - delete -> fanout null update
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "github.com/Boritgoge/KiyomiTalk/shared/contracts/store/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "kiyomitalk.store.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		roomID  = flag.String("room", "dev-room-1", "Room ID to exercise")
		code    = flag.String("code", "console.log('hello kiyomi')", "Document text to write")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	codePath := fmt.Sprintf("rooms/%s/playground/code", *roomID)
	chatsPath := fmt.Sprintf("rooms/%s/chats", *roomID)

	// Both clients subscribe to the document path. The server delivers the
	// current value (null on a fresh room) before any writes land.
	subA := fmt.Sprintf("%s-sub-%d", a.name, time.Now().UnixNano())
	subB := fmt.Sprintf("%s-sub-%d", b.name, time.Now().UnixNano())

	mustSubscribe(root, a, subA, codePath, *timeout)
	_ = a.mustReadUpdate(root, subA, *timeout)

	mustSubscribe(root, b, subB, codePath, *timeout)
	_ = b.mustReadUpdate(root, subB, *timeout)

	// A writes the document wholesale; both A and B observe the new value.
	mustWriteValue(root, a, codePath, *code, *timeout)

	gotA := a.mustReadUpdate(root, subA, *timeout)
	assertStringValue(a, gotA, *code)

	gotB := b.mustReadUpdate(root, subB, *timeout)
	assertStringValue(b, gotB, *code)

	// Append a chat entry and confirm the server assigned a key.
	key := mustAppend(root, a, chatsPath, map[string]any{
		"text": "smoke",
		"ts":   time.Now().UnixMilli(),
	}, *timeout)
	if *verbose {
		fmt.Printf("appended chat key=%s\n", key)
	}

	// Delete the document; subscribers see a null update.
	mustDelete(root, a, codePath, *timeout)

	gone := b.mustReadUpdate(root, subB, *timeout)
	if !isJSONNull(gone.Value) {
		fatalf("expected null after delete (%s), got=%s", b.name, string(gone.Value))
	}

	fmt.Printf("OK: A=%s B=%s room=%s chat_key=%s\n", a.sessionID, b.sessionID, *roomID, key)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubscribe(parent context.Context, c *smokeClient, subID, path string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSubscribe,
		ID:      fmt.Sprintf("%s-subscribe", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SubscribePayload{SubID: subID, Path: path}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustWriteValue(parent context.Context, c *smokeClient, path string, v any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeWrite,
		ID:      fmt.Sprintf("%s-write-%d", c.name, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.WritePayload{Path: path, Value: mustJSON(v)}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAppend(parent context.Context, c *smokeClient, path string, v any, stepTimeout time.Duration) string {
	reqID := fmt.Sprintf("%s-req-%d", c.name, time.Now().UnixNano())

	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeAppend,
		ID:      fmt.Sprintf("%s-append", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.AppendPayload{ReqID: reqID, Path: path, Value: mustJSON(v)}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeAppendAck, stepTimeout)

	var p v1.AppendAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal append_ack payload (%s): %v", c.name, err)
	}
	if p.ReqID != reqID {
		fatalf("append_ack req_id mismatch (%s): got=%q want=%q", c.name, p.ReqID, reqID)
	}
	if strings.TrimSpace(p.Key) == "" {
		fatalf("append_ack missing key (%s)", c.name)
	}
	return p.Key
}

func mustDelete(parent context.Context, c *smokeClient, path string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeDelete,
		ID:      fmt.Sprintf("%s-delete", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.DeletePayload{Path: path}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func (c *smokeClient) mustReadUpdate(parent context.Context, subID string, stepTimeout time.Duration) v1.UpdatePayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for update sub=%s (%s): %v", subID, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for update (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for update (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type != v1.TypeUpdate {
				continue
			}
			var p v1.UpdatePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				fatalf("unmarshal update payload (%s): %v", c.name, err)
			}
			if p.SubID != subID {
				continue
			}
			return p
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			// Updates may interleave with acks; skip them here.
			if env.Type == v1.TypeUpdate {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func assertStringValue(c *smokeClient, p v1.UpdatePayload, want string) {
	var got string
	if err := json.Unmarshal(p.Value, &got); err != nil {
		fatalf("update value not a string (%s): %v", c.name, err)
	}
	if got != want {
		fatalf("update value mismatch (%s): got=%q want=%q", c.name, got, want)
	}
}

func isJSONNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
