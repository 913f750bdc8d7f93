package tiktok

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/replyhub/replyhub/internal/channel"
)

// webhookPayload is the push envelope for chat events.
type webhookPayload struct {
	Type   string `json:"type"`
	ShopID string `json:"shop_id"`
	Data   struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
		MessageType    string `json:"message_type"`
		Content        string `json:"content"`
		CreateTime     int64  `json:"create_time"`
		Sender         struct {
			IMUserID string `json:"im_user_id"`
			Nickname string `json:"nickname"`
			Role     string `json:"role"`
		} `json:"sender"`
	} `json:"data"`
}

type textContent struct {
	Text string `json:"text"`
}

type mediaContent struct {
	URL string `json:"url"`
}

// parseWebhook extracts inbound events from one push. Events that are not
// buyer chat messages come back empty.
func parseWebhook(accountID string, body []byte) ([]channel.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload.Type != "on_im_message" {
		return nil, nil
	}
	data := payload.Data
	if data.MessageID == "" || data.ConversationID == "" {
		return nil, nil
	}
	// Our own agent replies are pushed too; only buyer messages are inbound.
	if strings.EqualFold(data.Sender.Role, "shop") {
		return nil, nil
	}

	ev := channel.InboundEvent{
		Kind:       channel.KindTikTok,
		AccountID:  accountID,
		MessageID:  data.MessageID,
		ChatID:     data.ConversationID,
		SenderID:   data.Sender.IMUserID,
		SenderName: data.Sender.Nickname,
		Content:    channel.ContentText,
		Timestamp:  time.Unix(data.CreateTime, 0).UTC(),
		Raw:        body,
	}
	if ev.SenderID == "" {
		ev.SenderID = data.ConversationID
	}

	switch strings.ToUpper(data.MessageType) {
	case "TEXT", "":
		var content textContent
		if err := json.Unmarshal([]byte(data.Content), &content); err != nil {
			return nil, err
		}
		ev.Text = strings.TrimSpace(content.Text)
		if ev.Text == "" {
			return nil, nil
		}
	case "IMAGE":
		var content mediaContent
		if err := json.Unmarshal([]byte(data.Content), &content); err != nil {
			return nil, err
		}
		ev.Content = channel.ContentImage
		ev.MediaURL = content.URL
	case "VIDEO":
		var content mediaContent
		if err := json.Unmarshal([]byte(data.Content), &content); err != nil {
			return nil, err
		}
		ev.Content = channel.ContentVideo
		ev.MediaURL = content.URL
	default:
		// Order cards and other structured messages are kept as text stubs.
		ev.Text = "[" + strings.ToLower(data.MessageType) + "]"
	}
	return []channel.InboundEvent{ev}, nil
}
