package tiktok

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/channel/signature"
	"github.com/replyhub/replyhub/internal/config"
)

func shopAccount() channel.Account {
	return channel.Account{
		ID:   "acc-1",
		Kind: channel.KindTikTok,
		Credentials: map[string]any{
			"shop_id":      "shop-9",
			"app_key":      "key-1",
			"app_secret":   "sec-1",
			"access_token": "tok-1",
		},
	}
}

func connectedAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	a := New(config.TikTokConfig{APIBaseURL: baseURL, RequestsPerSecond: 100}, false, slog.Default())
	if err := a.Connect(context.Background(), shopAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a
}

func TestConnectRequiresAllCredentials(t *testing.T) {
	a := New(config.TikTokConfig{}, false, slog.Default())
	acc := shopAccount()
	delete(acc.Credentials, "app_secret")
	if err := a.Connect(context.Background(), acc); err == nil {
		t.Fatal("expected missing credential error")
	}
}

func TestSendSignedRequest(t *testing.T) {
	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "message": "ok",
			"data": map[string]string{"message_id": "ttm-1"},
		})
	}))
	defer srv.Close()

	a := connectedAdapter(t, srv.URL)
	result, err := a.Send(context.Background(), "acc-1", "conv-5",
		channel.OutboundPayload{Content: channel.ContentText, Text: "hi"}, channel.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.MessageID != "ttm-1" {
		t.Fatalf("unexpected message id: %q", result.MessageID)
	}

	query := seen.URL.Query()
	if query.Get("app_key") != "key-1" || query.Get("shop_id") != "shop-9" {
		t.Fatalf("missing auth params: %v", query)
	}
	if query.Get("sign") == "" {
		t.Fatal("request must carry a signature")
	}
	if seen.Header.Get("x-tts-access-token") != "tok-1" {
		t.Fatal("request must carry the access token header")
	}
}

func TestSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 105001, "message": "token expired"})
	}))
	defer srv.Close()

	a := connectedAdapter(t, srv.URL)
	_, err := a.Send(context.Background(), "acc-1", "conv-5",
		channel.OutboundPayload{Content: channel.ContentText, Text: "hi"}, channel.SendOptions{})
	if err == nil {
		t.Fatal("expected api error")
	}
}

func TestSignRequestDeterministic(t *testing.T) {
	query := url.Values{}
	query.Set("app_key", "key-1")
	query.Set("timestamp", "1756700000")
	first := signRequest("sec-1", sendPath, query, []byte(`{"a":1}`))
	second := signRequest("sec-1", sendPath, query, []byte(`{"a":1}`))
	if first != second || first == "" {
		t.Fatalf("signature must be deterministic, got %q and %q", first, second)
	}
	if signRequest("other", sendPath, query, []byte(`{"a":1}`)) == first {
		t.Fatal("different secrets must produce different signatures")
	}
}

func TestHandleWebhookBuyerMessage(t *testing.T) {
	a := connectedAdapter(t, "http://unused")
	received := make(chan channel.InboundEvent, 1)
	a.OnInbound(func(ctx context.Context, ev channel.InboundEvent) error {
		received <- ev
		return nil
	})

	body := []byte(`{
	  "type": "on_im_message",
	  "shop_id": "shop-9",
	  "data": {
	    "conversation_id": "conv-5",
	    "message_id": "ttm-in-1",
	    "message_type": "TEXT",
	    "content": "{\"text\": \"where is my order\"}",
	    "create_time": 1756700000,
	    "sender": {"im_user_id": "buyer-3", "nickname": "Sam", "role": "buyer"}
	  }
	}`)
	sig := signature.Verifier{}.Sign("sec-1", body)
	if err := a.HandleWebhook(context.Background(), "acc-1", sig, body); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	ev := <-received
	if ev.MessageID != "ttm-in-1" || ev.ChatID != "conv-5" || ev.SenderID != "buyer-3" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Text != "where is my order" {
		t.Fatalf("unexpected text: %q", ev.Text)
	}
	if string(ev.Raw) != string(body) {
		t.Fatalf("raw payload not carried: %s", ev.Raw)
	}
}

func TestHandleWebhookSkipsShopMessages(t *testing.T) {
	body := []byte(`{
	  "type": "on_im_message",
	  "data": {
	    "conversation_id": "conv-5",
	    "message_id": "ttm-out-1",
	    "message_type": "TEXT",
	    "content": "{\"text\": \"we shipped it\"}",
	    "sender": {"im_user_id": "agent-1", "role": "SHOP"}
	  }
	}`)
	events, err := parseWebhook("acc-1", body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("shop messages must be skipped, got %d", len(events))
	}
}

func TestHandleWebhookBadSignature(t *testing.T) {
	a := connectedAdapter(t, "http://unused")
	body := []byte(`{"type": "on_im_message"}`)
	sig := signature.Verifier{}.Sign("wrong-secret", body)
	if err := a.HandleWebhook(context.Background(), "acc-1", sig, body); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestVerifyChallenge(t *testing.T) {
	a := connectedAdapter(t, "http://unused")
	query := url.Values{}
	query.Set("challenge", "abc123")
	challenge, err := a.VerifyChallenge("acc-1", query)
	if err != nil {
		t.Fatalf("verify challenge: %v", err)
	}
	if challenge != "abc123" {
		t.Fatalf("unexpected challenge: %q", challenge)
	}
}
