package meta

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/replyhub/replyhub/internal/channel"
)

// webhookPayload is the envelope Meta posts to the callback URL. Messenger
// and Instagram share the shape; only the top-level object differs.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string           `json:"id"`
		Time      int64            `json:"time"`
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
		ReplyTo *struct {
			MID string `json:"mid"`
		} `json:"reply_to"`
	} `json:"message"`
}

// parseWebhook extracts inbound events from one webhook delivery. Echoes of
// our own sends and non-message entries come back empty.
func parseWebhook(kind channel.Kind, accountID string, body []byte) ([]channel.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	var events []channel.InboundEvent
	for _, entry := range payload.Entry {
		for _, msg := range entry.Messaging {
			ev, ok := normalizeMessaging(kind, accountID, msg)
			if !ok {
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func normalizeMessaging(kind channel.Kind, accountID string, msg messagingEvent) (channel.InboundEvent, bool) {
	if msg.Message == nil || msg.Message.IsEcho {
		return channel.InboundEvent{}, false
	}
	ev := channel.InboundEvent{
		Kind:      kind,
		AccountID: accountID,
		MessageID: msg.Message.MID,
		ChatID:    msg.Sender.ID,
		SenderID:  msg.Sender.ID,
		Content:   channel.ContentText,
		Text:      strings.TrimSpace(msg.Message.Text),
		Timestamp: time.UnixMilli(msg.Timestamp).UTC(),
	}
	if msg.Message.ReplyTo != nil {
		ev.ReplyToMessageID = msg.Message.ReplyTo.MID
	}
	if len(msg.Message.Attachments) > 0 {
		att := msg.Message.Attachments[0]
		ev.Content = parseAttachmentType(att.Type)
		ev.MediaURL = att.Payload.URL
	}
	if ev.MessageID == "" || (ev.Text == "" && ev.Content == channel.ContentText) {
		return channel.InboundEvent{}, false
	}
	if raw, err := json.Marshal(msg); err == nil {
		ev.Raw = raw
	}
	return ev, true
}

func parseAttachmentType(raw string) channel.ContentKind {
	switch strings.ToLower(raw) {
	case "image":
		return channel.ContentImage
	case "video":
		return channel.ContentVideo
	case "audio":
		return channel.ContentAudio
	case "file":
		return channel.ContentDocument
	case "location":
		return channel.ContentLocation
	default:
		return channel.ContentText
	}
}
