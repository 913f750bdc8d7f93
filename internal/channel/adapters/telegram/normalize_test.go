package telegram

import (
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/replyhub/replyhub/internal/channel"
)

func textUpdate(text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 42,
			Text:      text,
			Date:      1756700000,
			Chat:      &tgbotapi.Chat{ID: 1001, Type: "private"},
			From:      &tgbotapi.User{ID: 555, FirstName: "Ada", LastName: "Lovelace"},
		},
	}
}

func TestNormalizeTextMessage(t *testing.T) {
	ev, ok := normalizeUpdate("acc-1", textUpdate("hello"), nil)
	if !ok {
		t.Fatal("expected event")
	}
	if ev.Kind != channel.KindTelegram || ev.AccountID != "acc-1" {
		t.Fatalf("unexpected identity: %+v", ev)
	}
	if ev.MessageID != "42" || ev.ChatID != "1001" || ev.SenderID != "555" {
		t.Fatalf("unexpected ids: %+v", ev)
	}
	if ev.SenderName != "Ada Lovelace" {
		t.Fatalf("unexpected sender name: %q", ev.SenderName)
	}
	if ev.Content != channel.ContentText || ev.Text != "hello" {
		t.Fatalf("unexpected content: %+v", ev)
	}
	if ev.Timestamp != time.Unix(1756700000, 0).UTC() {
		t.Fatalf("unexpected timestamp: %v", ev.Timestamp)
	}
	if ev.IsGroup {
		t.Fatal("private chat flagged as group")
	}
	if len(ev.Raw) == 0 || !strings.Contains(string(ev.Raw), "hello") {
		t.Fatalf("raw payload not carried: %s", ev.Raw)
	}
}

func TestNormalizeSkipsEmptyUpdate(t *testing.T) {
	if _, ok := normalizeUpdate("acc-1", tgbotapi.Update{}, nil); ok {
		t.Fatal("update without message should be skipped")
	}
	if _, ok := normalizeUpdate("acc-1", textUpdate(""), nil); ok {
		t.Fatal("empty text message should be skipped")
	}
}

func TestNormalizePhotoUsesLargestRendition(t *testing.T) {
	update := textUpdate("")
	update.Message.Caption = "look"
	update.Message.Photo = []tgbotapi.PhotoSize{
		{FileID: "small", Width: 90, Height: 90},
		{FileID: "large", Width: 800, Height: 600},
	}
	resolved := ""
	ev, ok := normalizeUpdate("acc-1", update, func(fileID string) (string, error) {
		resolved = fileID
		return "https://files.example/" + fileID, nil
	})
	if !ok {
		t.Fatal("expected event")
	}
	if resolved != "large" {
		t.Fatalf("expected largest photo, resolved %q", resolved)
	}
	if ev.Content != channel.ContentImage || ev.MediaURL != "https://files.example/large" {
		t.Fatalf("unexpected media: %+v", ev)
	}
	if ev.Text != "look" {
		t.Fatalf("caption should become text, got %q", ev.Text)
	}
}

func TestNormalizeReplyAndGroup(t *testing.T) {
	update := textUpdate("re: hi")
	update.Message.Chat.Type = "supergroup"
	update.Message.ReplyToMessage = &tgbotapi.Message{MessageID: 7}

	ev, ok := normalizeUpdate("acc-1", update, nil)
	if !ok {
		t.Fatal("expected event")
	}
	if !ev.IsGroup {
		t.Fatal("supergroup chat should be flagged as group")
	}
	if ev.ReplyToMessageID != "7" {
		t.Fatalf("unexpected reply ref: %q", ev.ReplyToMessageID)
	}
}

func TestNormalizeChannelPost(t *testing.T) {
	update := tgbotapi.Update{
		ChannelPost: &tgbotapi.Message{
			MessageID:  9,
			Text:       "broadcast",
			Date:       1756700000,
			Chat:       &tgbotapi.Chat{ID: -100123, Type: "channel"},
			SenderChat: &tgbotapi.Chat{ID: -100123, Title: "News"},
		},
	}
	ev, ok := normalizeUpdate("acc-1", update, nil)
	if !ok {
		t.Fatal("expected event")
	}
	if ev.SenderID != "-100123" || ev.SenderName != "News" {
		t.Fatalf("unexpected sender: %+v", ev)
	}
}

func TestBuildChattableLocation(t *testing.T) {
	chattable, err := buildChattable(1001, channel.OutboundPayload{
		Content:   channel.ContentLocation,
		Latitude:  52.52,
		Longitude: 13.405,
	}, channel.SendOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	location, ok := chattable.(tgbotapi.LocationConfig)
	if !ok {
		t.Fatalf("expected LocationConfig, got %T", chattable)
	}
	if location.Latitude != 52.52 || location.Longitude != 13.405 {
		t.Fatalf("unexpected coordinates: %+v", location)
	}
}

func TestBuildChattableReply(t *testing.T) {
	chattable, err := buildChattable(1001, channel.OutboundPayload{
		Content: channel.ContentText,
		Text:    "re",
	}, channel.SendOptions{ReplyToMessageID: "42"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	message, ok := chattable.(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("expected MessageConfig, got %T", chattable)
	}
	if message.ReplyToMessageID != 42 {
		t.Fatalf("unexpected reply id: %d", message.ReplyToMessageID)
	}
}
