package store

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

const wsTestWait = 5 * time.Second

// startGateway serves a fresh gateway over httptest. Origin enforcement is
// relaxed because non-browser clients send no Origin header.
func startGateway(t *testing.T) (*httptest.Server, *WSGateway) {
	t.Helper()

	t.Setenv("KIYOMI_WS_ORIGIN_REQUIRED", "false")

	g := NewWSGateway(slog.Default(), nil)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv, g
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialStore(t *testing.T, srv *httptest.Server) *RemoteStore {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), wsTestWait)
	defer cancel()

	rs, err := DialRemoteStore(ctx, slog.Default(), wsURL(srv))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

// subscribeCh registers a buffered-channel subscription and returns the
// channel. The first update arrives asynchronously.
func subscribeCh(t *testing.T, rs *RemoteStore, path string) chan Value {
	t.Helper()

	ch := make(chan Value, 16)
	sub, err := rs.Subscribe(path, func(v Value) { ch <- v })
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sub.Cancel)
	return ch
}

func recvValue(t *testing.T, ch chan Value) Value {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(wsTestWait):
		t.Fatal("timed out waiting for an update")
		return nil
	}
}

func TestGatewayHandshakeAssignsSession(t *testing.T) {
	srv, _ := startGateway(t)

	rs := dialStore(t, srv)
	if rs.SessionID() == "" {
		t.Fatal("empty session id after handshake")
	}
}

func TestGatewayWriteFansOutToAllSessions(t *testing.T) {
	srv, _ := startGateway(t)

	a := dialStore(t, srv)
	b := dialStore(t, srv)

	chA := subscribeCh(t, a, "rooms/r1/playground/code")
	chB := subscribeCh(t, b, "rooms/r1/playground/code")

	// Initial snapshot on a fresh path is null.
	if v := recvValue(t, chA); v != nil {
		t.Fatalf("initial value=%v want nil", v)
	}
	if v := recvValue(t, chB); v != nil {
		t.Fatalf("initial value=%v want nil", v)
	}

	ctx := context.Background()
	if err := a.WriteAt(ctx, "rooms/r1/playground/code", "package main"); err != nil {
		t.Fatal(err)
	}

	// Both sessions observe the write, including the writer's own.
	for _, ch := range []chan Value{chA, chB} {
		if v := recvValue(t, ch); v != "package main" {
			t.Fatalf("fanned value=%v", v)
		}
	}
}

func TestGatewayAppendAcksWithKey(t *testing.T) {
	srv, g := startGateway(t)

	rs := dialStore(t, srv)
	ctx := context.Background()

	k1, err := rs.AppendChild(ctx, "rooms/r1/chats", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	k2, err := rs.AppendChild(ctx, "rooms/r1/chats", map[string]any{"text": "there"})
	if err != nil {
		t.Fatal(err)
	}
	if k1 == "" || k2 == "" || k1 >= k2 {
		t.Fatalf("keys %q, %q not ordered", k1, k2)
	}

	// The children landed in the backing store under the acked keys.
	v, err := g.Store().ReadOnce(ctx, "rooms/r1/chats/"+k1)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["text"] != "hi" {
		t.Fatalf("stored child=%v", v)
	}
}

func TestGatewayDeleteFansOutNull(t *testing.T) {
	srv, _ := startGateway(t)

	rs := dialStore(t, srv)
	ctx := context.Background()

	if err := rs.WriteAt(ctx, "rooms/r1/title", "scratch"); err != nil {
		t.Fatal(err)
	}

	ch := subscribeCh(t, rs, "rooms/r1/title")
	if v := recvValue(t, ch); v != "scratch" {
		t.Fatalf("initial value=%v", v)
	}

	if err := rs.DeleteAt(ctx, "rooms/r1/title"); err != nil {
		t.Fatal(err)
	}
	if v := recvValue(t, ch); v != nil {
		t.Fatalf("post-delete value=%v want nil", v)
	}
}

func TestGatewayReadOnceRoundTrip(t *testing.T) {
	srv, g := startGateway(t)

	ctx := context.Background()
	if err := g.Store().WriteAt(ctx, "rooms/r1/lang", "go"); err != nil {
		t.Fatal(err)
	}

	rs := dialStore(t, srv)
	v, err := rs.ReadOnce(ctx, "rooms/r1/lang")
	if err != nil {
		t.Fatal(err)
	}
	if v != "go" {
		t.Fatalf("ReadOnce=%v", v)
	}
}

func TestGatewayUnsubscribeStopsDelivery(t *testing.T) {
	srv, g := startGateway(t)

	rs := dialStore(t, srv)

	ch := make(chan Value, 16)
	sub, err := rs.Subscribe("rooms/r1/flag", func(v Value) { ch <- v })
	if err != nil {
		t.Fatal(err)
	}
	if v := recvValue(t, ch); v != nil {
		t.Fatalf("initial value=%v", v)
	}

	sub.Cancel()
	sub.Cancel()

	// After the server drops the subscription no further updates arrive.
	// A follow-up subscription on the same connection orders the check.
	ctx := context.Background()
	if err := g.Store().WriteAt(ctx, "rooms/r1/flag", true); err != nil {
		t.Fatal(err)
	}
	probe := subscribeCh(t, rs, "rooms/r1/flag")
	if v := recvValue(t, probe); v != true {
		t.Fatalf("probe value=%v", v)
	}

	select {
	case v := <-ch:
		t.Fatalf("update after cancel: %v", v)
	default:
	}
}

func TestGatewayRejectsDisallowedOrigin(t *testing.T) {
	t.Setenv("KIYOMI_WS_ORIGIN_REQUIRED", "true")
	t.Setenv("KIYOMI_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1")

	g := NewWSGateway(slog.Default(), nil)
	srv := httptest.NewServer(g)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), wsTestWait)
	defer cancel()

	tests := []struct {
		name   string
		origin string
		wantOK bool
	}{
		{name: "missing origin", origin: "", wantOK: false},
		{name: "disallowed origin", origin: "http://evil.example", wantOK: false},
		// Same-origin requests pass both the allowlist and the upgrade
		// library's own check.
		{name: "same origin", origin: srv.URL, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hdr http.Header
			if tt.origin != "" {
				hdr = http.Header{"Origin": []string{tt.origin}}
			}
			conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
				Subprotocols: []string{wsSubprotocolV1},
				HTTPHeader:   hdr,
			})
			if tt.wantOK {
				if err != nil {
					t.Fatalf("dial failed: %v", err)
				}
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				return
			}
			if err == nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				t.Fatal("dial succeeded with a rejected origin")
			}
		})
	}
}

func TestGatewayRequiresSubprotocol(t *testing.T) {
	srv, _ := startGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), wsTestWait)
	defer cancel()

	// Handshake without the store subprotocol completes, then the server
	// closes with a protocol error instead of serving the session.
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("read succeeded on a rejected session")
	}
	if websocket.CloseStatus(err) != websocket.StatusProtocolError {
		t.Fatalf("close status=%v want=%v", websocket.CloseStatus(err), websocket.StatusProtocolError)
	}
}

func TestGatewayRejectsMalformedEnvelope(t *testing.T) {
	srv, _ := startGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), wsTestWait)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// Valid JSON, invalid envelope: the session survives and reports it.
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"v":"v9","type":"hello"}`)); err != nil {
		t.Fatal(err)
	}
	env, err := readEnvelope(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "error" {
		t.Fatalf("envelope type=%q want error", env.Type)
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := &WSGateway{
		originRequired: true,
		allowedOrigins: []string{"http://localhost", "https://app.example.com"},
	}

	tests := []struct {
		name   string
		origin string
		wantOK bool
	}{
		{name: "missing", origin: "", wantOK: false},
		{name: "exact match", origin: "http://localhost", wantOK: true},
		{name: "host match with port", origin: "http://localhost:5173", wantOK: true},
		{name: "scheme change same host", origin: "https://app.example.com", wantOK: true},
		{name: "other host", origin: "http://evil.example", wantOK: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			err := g.enforceOrigin(r)
			if tt.wantOK && err != nil {
				t.Fatalf("enforceOrigin(%q)=%v", tt.origin, err)
			}
			if !tt.wantOK && err == nil {
				t.Fatalf("enforceOrigin(%q)=nil, want error", tt.origin)
			}
		})
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "http://localhost", want: "localhost"},
		{in: "http://Localhost:8080", want: "localhost"},
		{in: "app.example.com:443", want: "app.example.com"},
		{in: "app.example.com", want: "app.example.com"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		if got := originHostOnly(tt.in); got != tt.want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", tt.in, got, tt.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost",
		"http://localhost:5173",
		"https://app.example.com",
		"*",
		"",
	})
	want := []string{"app.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns=%v want=%v", got, want)
		}
	}
}

func TestRemoteStoreCloseIsIdempotent(t *testing.T) {
	srv, _ := startGateway(t)

	rs := dialStore(t, srv)
	if err := rs.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rs.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-rs.Done():
	case <-time.After(wsTestWait):
		t.Fatal("Done not closed after Close")
	}

	if _, err := rs.Subscribe("rooms/r1", func(Value) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after Close: %v", err)
	}
}
