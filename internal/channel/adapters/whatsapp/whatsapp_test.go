package whatsapp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/config"
)

// fakeGateway is an in-process bridge endpoint for the adapter to dial.
type fakeGateway struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	rejected bool
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	g := &fakeGateway{t: t}
	srv := httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.t.Errorf("upgrade: %v", err)
		return
	}
	var auth frame
	if err := conn.ReadJSON(&auth); err != nil {
		g.t.Errorf("read auth: %v", err)
		return
	}
	var data authData
	json.Unmarshal(auth.Data, &data)
	if data.SessionToken == "bad-token" {
		conn.WriteJSON(frame{Type: frameStatus, Error: "unauthorized"})
		conn.Close()
		g.mu.Lock()
		g.rejected = true
		g.mu.Unlock()
		return
	}
	conn.WriteJSON(frame{Type: frameConnected, Data: marshalData(connectedData{PhoneNumber: "+490001"})})

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	// Echo send frames back as successful results.
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type == frameSend {
			conn.WriteJSON(frame{Type: frameResult, ID: f.ID, Data: marshalData(resultData{MessageID: "wa-" + f.ID[:4]})})
		}
	}
}

func (g *fakeGateway) push(f frame) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		g.t.Fatal("gateway has no client connection")
	}
	if err := conn.WriteJSON(f); err != nil {
		g.t.Fatalf("push frame: %v", err)
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	return New(config.WhatsAppConfig{GatewayURL: wsURL(srv)}, slog.Default())
}

func account() channel.Account {
	return channel.Account{
		ID:          "acc-1",
		Kind:        channel.KindWhatsApp,
		Credentials: map[string]any{"session_token": "tok-1"},
	}
}

func TestConnectAndSend(t *testing.T) {
	_, srv := newFakeGateway(t)
	a := testAdapter(t, srv)
	ctx := context.Background()

	if err := a.Connect(ctx, account()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Disconnect(ctx, "acc-1")
	if !a.Connected("acc-1") {
		t.Fatal("expected connected session")
	}

	result, err := a.Send(ctx, "acc-1", "4917000@s.whatsapp.net",
		channel.OutboundPayload{Content: channel.ContentText, Text: "hi"}, channel.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(result.MessageID, "wa-") {
		t.Fatalf("expected bridge message id, got %q", result.MessageID)
	}
}

func TestConnectRejectedToken(t *testing.T) {
	_, srv := newFakeGateway(t)
	a := testAdapter(t, srv)

	acc := account()
	acc.Credentials["session_token"] = "bad-token"
	if err := a.Connect(context.Background(), acc); err == nil {
		t.Fatal("expected handshake rejection")
	}
	if a.Connected("acc-1") {
		t.Fatal("rejected account must not have a session")
	}
}

func TestConnectMissingCredentials(t *testing.T) {
	_, srv := newFakeGateway(t)
	a := testAdapter(t, srv)

	acc := account()
	acc.Credentials = map[string]any{}
	err := a.Connect(context.Background(), acc)
	if err == nil || !strings.Contains(err.Error(), "session_token") {
		t.Fatalf("expected missing credential error, got %v", err)
	}
}

func TestInboundMessageEmitted(t *testing.T) {
	g, srv := newFakeGateway(t)
	a := testAdapter(t, srv)
	ctx := context.Background()

	received := make(chan channel.InboundEvent, 1)
	a.OnInbound(func(ctx context.Context, ev channel.InboundEvent) error {
		received <- ev
		return nil
	})
	if err := a.Connect(ctx, account()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Disconnect(ctx, "acc-1")

	g.push(frame{Type: frameMessage, Data: marshalData(messageData{
		MessageID:  "wamid.1",
		ChatID:     "4917000@s.whatsapp.net",
		SenderID:   "4917000@s.whatsapp.net",
		SenderName: "Ada",
		Kind:       "text",
		Text:       "hello",
		Timestamp:  1756700000,
	})})

	select {
	case ev := <-received:
		if ev.Kind != channel.KindWhatsApp || ev.MessageID != "wamid.1" || ev.Text != "hello" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if len(ev.Raw) == 0 || !strings.Contains(string(ev.Raw), "wamid.1") {
			t.Fatalf("raw payload not carried: %s", ev.Raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected inbound event")
	}
}

func TestSocketFaultEmitsErrorStatus(t *testing.T) {
	g, srv := newFakeGateway(t)
	a := testAdapter(t, srv)
	ctx := context.Background()

	statuses := make(chan channel.StatusEvent, 1)
	a.OnStatus(func(ev channel.StatusEvent) {
		statuses <- ev
	})
	if err := a.Connect(ctx, account()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	g.mu.Lock()
	g.conn.Close()
	g.mu.Unlock()

	select {
	case ev := <-statuses:
		if ev.Status != channel.StatusError {
			t.Fatalf("expected error status, got %s", ev.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an error status event")
	}
	if a.Connected("acc-1") {
		t.Fatal("faulted session must be removed")
	}
}

func TestNormalizeMessageSkipsEmpty(t *testing.T) {
	if _, ok := normalizeMessage("acc-1", messageData{MessageID: "m", ChatID: "c", Kind: "text"}); ok {
		t.Fatal("empty text should be skipped")
	}
	if _, ok := normalizeMessage("acc-1", messageData{ChatID: "c", Kind: "text", Text: "x"}); ok {
		t.Fatal("missing message id should be skipped")
	}
	ev, ok := normalizeMessage("acc-1", messageData{MessageID: "m", ChatID: "c", Kind: "image", MediaURL: "https://x/y.jpg"})
	if !ok || ev.Content != channel.ContentImage {
		t.Fatalf("image without text should pass, got %+v ok=%v", ev, ok)
	}
}
