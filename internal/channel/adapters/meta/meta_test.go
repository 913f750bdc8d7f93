package meta

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/channel/signature"
	"github.com/replyhub/replyhub/internal/config"
)

const webhookBody = `{
  "object": "page",
  "entry": [{
    "id": "page-1",
    "time": 1756700000000,
    "messaging": [{
      "sender": {"id": "psid-9"},
      "recipient": {"id": "page-1"},
      "timestamp": 1756700000000,
      "message": {"mid": "mid.abc", "text": "hi there"}
    }]
  }]
}`

func graphStub(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me":
			json.NewEncoder(w).Encode(map[string]string{"id": "page-1", "name": "Test Page"})
		case "/me/messages":
			json.NewEncoder(w).Encode(map[string]string{"recipient_id": "psid-9", "message_id": "mid.sent"})
		case "/psid-9":
			json.NewEncoder(w).Encode(map[string]string{"name": "Ada Lovelace", "profile_pic": "https://img/x.jpg"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func connectedAdapter(t *testing.T) *Adapter {
	t.Helper()
	srv := graphStub(t)
	a := New(channel.KindMessenger, config.MetaConfig{GraphBaseURL: srv.URL, RequestsPerSecond: 100}, false, slog.Default())
	err := a.Connect(context.Background(), channel.Account{
		ID:   "acc-1",
		Kind: channel.KindMessenger,
		Credentials: map[string]any{
			"page_token":   "tok",
			"app_secret":   "shhh",
			"verify_token": "vt-1",
		},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a
}

func TestConnectRequiresAppSecret(t *testing.T) {
	srv := graphStub(t)
	account := channel.Account{
		ID:   "acc-1",
		Kind: channel.KindMessenger,
		Credentials: map[string]any{
			"page_token":   "tok",
			"verify_token": "vt-1",
		},
	}

	a := New(channel.KindMessenger, config.MetaConfig{GraphBaseURL: srv.URL, RequestsPerSecond: 100}, false, slog.Default())
	err := a.Connect(context.Background(), account)
	if !errors.Is(err, channel.ErrMissingCredentials) {
		t.Fatalf("expected missing credentials error without app_secret, got %v", err)
	}

	dev := New(channel.KindMessenger, config.MetaConfig{GraphBaseURL: srv.URL, RequestsPerSecond: 100}, true, slog.Default())
	if err := dev.Connect(context.Background(), account); err != nil {
		t.Fatalf("dev mode connect without app_secret: %v", err)
	}
}

func TestConnectAndSend(t *testing.T) {
	a := connectedAdapter(t)

	result, err := a.Send(context.Background(), "acc-1", "psid-9",
		channel.OutboundPayload{Content: channel.ContentText, Text: "hello"}, channel.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.MessageID != "mid.sent" {
		t.Fatalf("unexpected message id: %q", result.MessageID)
	}
}

func TestFetchProfile(t *testing.T) {
	a := connectedAdapter(t)

	profile, err := a.FetchProfile(context.Background(), "acc-1", "psid-9")
	if err != nil {
		t.Fatalf("fetch profile: %v", err)
	}
	if profile.Name != "Ada Lovelace" || profile.AvatarURL != "https://img/x.jpg" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
}

func TestVerifyChallenge(t *testing.T) {
	a := connectedAdapter(t)

	query := url.Values{}
	query.Set("hub.mode", "subscribe")
	query.Set("hub.verify_token", "vt-1")
	query.Set("hub.challenge", "12345")
	challenge, err := a.VerifyChallenge("acc-1", query)
	if err != nil {
		t.Fatalf("verify challenge: %v", err)
	}
	if challenge != "12345" {
		t.Fatalf("unexpected challenge echo: %q", challenge)
	}

	query.Set("hub.verify_token", "wrong")
	if _, err := a.VerifyChallenge("acc-1", query); err == nil {
		t.Fatal("expected verify token mismatch")
	}
}

func TestHandleWebhookEmitsMessages(t *testing.T) {
	a := connectedAdapter(t)

	received := make(chan channel.InboundEvent, 1)
	a.OnInbound(func(ctx context.Context, ev channel.InboundEvent) error {
		received <- ev
		return nil
	})

	body := []byte(webhookBody)
	sig := signature.Verifier{Prefix: "sha256="}.Sign("shhh", body)
	if err := a.HandleWebhook(context.Background(), "acc-1", sig, body); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	ev := <-received
	if ev.Kind != channel.KindMessenger || ev.MessageID != "mid.abc" || ev.SenderID != "psid-9" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Text != "hi there" {
		t.Fatalf("unexpected text: %q", ev.Text)
	}
	if len(ev.Raw) == 0 || !strings.Contains(string(ev.Raw), "mid.abc") {
		t.Fatalf("raw payload not carried: %s", ev.Raw)
	}
}

func TestHandleWebhookBadSignature(t *testing.T) {
	a := connectedAdapter(t)

	body := []byte(webhookBody)
	sig := signature.Verifier{Prefix: "sha256="}.Sign("not-the-secret", body)
	if err := a.HandleWebhook(context.Background(), "acc-1", sig, body); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestParseWebhookSkipsEchoes(t *testing.T) {
	body := []byte(`{
	  "object": "page",
	  "entry": [{
	    "messaging": [{
	      "sender": {"id": "page-1"},
	      "message": {"mid": "mid.echo", "text": "our own send", "is_echo": true}
	    }]
	  }]
	}`)
	events, err := parseWebhook(channel.KindMessenger, "acc-1", body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("echoes must be skipped, got %d events", len(events))
	}
}

func TestParseWebhookAttachment(t *testing.T) {
	body := []byte(`{
	  "object": "instagram",
	  "entry": [{
	    "messaging": [{
	      "sender": {"id": "ig-7"},
	      "timestamp": 1756700000000,
	      "message": {
	        "mid": "mid.img",
	        "attachments": [{"type": "image", "payload": {"url": "https://cdn/x.jpg"}}]
	      }
	    }]
	  }]
	}`)
	events, err := parseWebhook(channel.KindInstagram, "acc-1", body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Content != channel.ContentImage || events[0].MediaURL != "https://cdn/x.jpg" {
		t.Fatalf("unexpected media event: %+v", events[0])
	}
}
