package whatsapp

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/replyhub/replyhub/internal/channel"
)

// Frame types exchanged with the bridge gateway.
const (
	frameAuth      = "auth"
	frameConnected = "connected"
	frameMessage   = "message"
	frameSend      = "send"
	frameResult    = "result"
	frameStatus    = "status"
)

// frame is the envelope for every bridge exchange. Request frames carry an id
// that the matching result echoes back.
type frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type authData struct {
	SessionToken string `json:"sessionToken"`
}

type connectedData struct {
	PhoneNumber string `json:"phoneNumber"`
}

// messageData is one inbound message as the bridge reports it.
type messageData struct {
	MessageID  string  `json:"messageId"`
	ChatID     string  `json:"chatId"`
	SenderID   string  `json:"senderId"`
	SenderName string  `json:"senderName"`
	Kind       string  `json:"kind"`
	Text       string  `json:"text"`
	MediaURL   string  `json:"mediaUrl"`
	MediaMime  string  `json:"mediaMime"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Timestamp  int64   `json:"timestamp"`
	IsGroup    bool    `json:"isGroup"`
	QuotedID   string  `json:"quotedId"`
}

type sendData struct {
	To        string  `json:"to"`
	Kind      string  `json:"kind"`
	Text      string  `json:"text,omitempty"`
	MediaURL  string  `json:"mediaUrl,omitempty"`
	MediaMime string  `json:"mediaMime,omitempty"`
	FileName  string  `json:"fileName,omitempty"`
	Caption   string  `json:"caption,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	QuotedID  string  `json:"quotedId,omitempty"`
}

type resultData struct {
	MessageID string `json:"messageId"`
}

type statusData struct {
	State  string `json:"state"`
	Detail string `json:"detail"`
}

// normalizeMessage maps a bridge message to the common inbound shape.
func normalizeMessage(accountID string, data messageData) (channel.InboundEvent, bool) {
	if data.MessageID == "" || data.ChatID == "" {
		return channel.InboundEvent{}, false
	}
	content := parseContentKind(data.Kind)
	if content == channel.ContentText && strings.TrimSpace(data.Text) == "" {
		return channel.InboundEvent{}, false
	}
	ts := time.Now().UTC()
	if data.Timestamp > 0 {
		ts = time.Unix(data.Timestamp, 0).UTC()
	}
	senderID := data.SenderID
	if senderID == "" {
		senderID = data.ChatID
	}
	return channel.InboundEvent{
		Kind:             channel.KindWhatsApp,
		AccountID:        accountID,
		MessageID:        data.MessageID,
		ChatID:           data.ChatID,
		SenderID:         senderID,
		SenderName:       strings.TrimSpace(data.SenderName),
		Content:          content,
		Text:             strings.TrimSpace(data.Text),
		MediaURL:         data.MediaURL,
		MediaMime:        data.MediaMime,
		Timestamp:        ts,
		IsGroup:          data.IsGroup,
		ReplyToMessageID: data.QuotedID,
	}, true
}

func parseContentKind(raw string) channel.ContentKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "image":
		return channel.ContentImage
	case "video":
		return channel.ContentVideo
	case "audio", "ptt":
		return channel.ContentAudio
	case "document":
		return channel.ContentDocument
	case "location":
		return channel.ContentLocation
	case "sticker":
		return channel.ContentSticker
	default:
		return channel.ContentText
	}
}

func buildSendData(recipientID string, payload channel.OutboundPayload, opts channel.SendOptions) sendData {
	kind := payload.Content
	if kind == "" {
		kind = channel.ContentText
	}
	return sendData{
		To:        recipientID,
		Kind:      kind.String(),
		Text:      payload.Text,
		MediaURL:  payload.MediaURL,
		MediaMime: payload.MediaMime,
		FileName:  payload.FileName,
		Caption:   payload.Caption,
		Latitude:  payload.Latitude,
		Longitude: payload.Longitude,
		QuotedID:  opts.ReplyToMessageID,
	}
}

func marshalData(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
