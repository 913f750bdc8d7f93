package telegram

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/replyhub/replyhub/internal/channel"
)

// fileURLFunc resolves a Telegram file id to a download URL.
type fileURLFunc func(fileID string) (string, error)

// normalizeUpdate maps one Bot API update to the common inbound shape. The
// second return is false for updates that carry nothing to store.
func normalizeUpdate(accountID string, update tgbotapi.Update, fileURL fileURLFunc) (channel.InboundEvent, bool) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil {
		return channel.InboundEvent{}, false
	}

	ev := channel.InboundEvent{
		Kind:      channel.KindTelegram,
		AccountID: accountID,
		MessageID: strconv.Itoa(msg.MessageID),
		Content:   channel.ContentText,
		Text:      strings.TrimSpace(msg.Text),
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.Chat != nil {
		ev.ChatID = strconv.FormatInt(msg.Chat.ID, 10)
		ev.IsGroup = msg.Chat.IsGroup() || msg.Chat.IsSuperGroup()
	}
	ev.SenderID, ev.SenderName = resolveSender(msg)
	if ev.SenderID == "" {
		ev.SenderID = ev.ChatID
	}
	if msg.ReplyToMessage != nil {
		ev.ReplyToMessageID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	applyMedia(&ev, msg, fileURL)
	if ev.Text == "" && ev.Content == channel.ContentText {
		return channel.InboundEvent{}, false
	}
	if raw, err := json.Marshal(msg); err == nil {
		ev.Raw = raw
	}
	return ev, true
}

func resolveSender(msg *tgbotapi.Message) (string, string) {
	if msg.From != nil {
		name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if name == "" {
			name = strings.TrimSpace(msg.From.UserName)
		}
		return strconv.FormatInt(msg.From.ID, 10), name
	}
	if msg.SenderChat != nil {
		name := strings.TrimSpace(msg.SenderChat.Title)
		if name == "" {
			name = strings.TrimSpace(msg.SenderChat.UserName)
		}
		return strconv.FormatInt(msg.SenderChat.ID, 10), name
	}
	return "", ""
}

func applyMedia(ev *channel.InboundEvent, msg *tgbotapi.Message, fileURL fileURLFunc) {
	caption := strings.TrimSpace(msg.Caption)
	setMedia := func(kind channel.ContentKind, fileID, mime string) {
		ev.Content = kind
		ev.MediaMime = mime
		if ev.Text == "" {
			ev.Text = caption
		}
		if fileURL == nil || fileID == "" {
			return
		}
		if url, err := fileURL(fileID); err == nil {
			ev.MediaURL = url
		}
	}

	switch {
	case len(msg.Photo) > 0:
		setMedia(channel.ContentImage, pickPhoto(msg.Photo).FileID, "image/jpeg")
	case msg.Document != nil:
		setMedia(channel.ContentDocument, msg.Document.FileID, msg.Document.MimeType)
	case msg.Audio != nil:
		setMedia(channel.ContentAudio, msg.Audio.FileID, msg.Audio.MimeType)
	case msg.Voice != nil:
		setMedia(channel.ContentAudio, msg.Voice.FileID, msg.Voice.MimeType)
	case msg.Video != nil:
		setMedia(channel.ContentVideo, msg.Video.FileID, msg.Video.MimeType)
	case msg.Sticker != nil:
		setMedia(channel.ContentSticker, msg.Sticker.FileID, "image/webp")
	case msg.Location != nil:
		ev.Content = channel.ContentLocation
		if ev.Text == "" {
			ev.Text = caption
		}
	}
}

// pickPhoto returns the largest rendition Telegram offers.
func pickPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := items[0]
	for _, item := range items[1:] {
		if item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}
