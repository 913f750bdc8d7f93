// Package channel defines the uniform adapter contract shared by every
// connected messaging platform, the adapter registry, and the session manager
// that drives account connection lifecycles.
package channel

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind identifies one external messaging platform.
type Kind string

const (
	KindWhatsApp  Kind = "whatsapp"
	KindTelegram  Kind = "telegram"
	KindTikTok    Kind = "tiktok"
	KindMessenger Kind = "messenger"
	KindInstagram Kind = "instagram"
)

func (k Kind) String() string {
	return string(k)
}

// Status is the connection state of one channel account.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

func (s Status) String() string {
	return string(s)
}

// ContentKind classifies message payloads across all channels.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentVideo    ContentKind = "video"
	ContentAudio    ContentKind = "audio"
	ContentDocument ContentKind = "document"
	ContentLocation ContentKind = "location"
	ContentSticker  ContentKind = "sticker"
)

func (c ContentKind) String() string {
	if c == "" {
		return string(ContentText)
	}
	return string(c)
}

// Account is the credential set an adapter needs to run one live session.
// Credentials are an opaque blob interpreted only by the owning adapter.
type Account struct {
	ID          string
	UserID      string
	Kind        Kind
	ExternalID  string
	Credentials map[string]any
}

// Credential returns a trimmed string credential value, or "".
func (a Account) Credential(key string) string {
	if a.Credentials == nil {
		return ""
	}
	value, _ := a.Credentials[key].(string)
	return strings.TrimSpace(value)
}

// InboundEvent is the single normalized shape every adapter produces for the
// incoming message processor, regardless of how the platform delivered it
// (long-poll update, webhook payload, or socket frame).
type InboundEvent struct {
	Kind             Kind
	AccountID        string
	MessageID        string // channel message identifier, the dedup key
	ChatID           string
	SenderID         string
	SenderName       string
	Content          ContentKind
	Text             string
	MediaURL         string
	MediaMime        string
	Timestamp        time.Time
	IsGroup          bool
	ReplyToMessageID string
	Raw              json.RawMessage
}

// OutboundPayload is the uniform outbound message body adapters map to their
// channel's native request shape.
type OutboundPayload struct {
	Content   ContentKind
	Text      string
	MediaURL  string
	MediaMime string
	FileName  string
	Caption   string
	Latitude  float64
	Longitude float64
}

// IsEmpty reports whether the payload carries nothing sendable.
func (p OutboundPayload) IsEmpty() bool {
	if strings.TrimSpace(p.Text) != "" || strings.TrimSpace(p.MediaURL) != "" {
		return false
	}
	return p.Content != ContentLocation
}

// SendOptions carries optional per-send parameters.
type SendOptions struct {
	ReplyToMessageID string
}

// SendResult is returned by a successful adapter send.
type SendResult struct {
	MessageID string // channel-native identifier of the delivered message
}

// ContactProfile is a best-effort remote contact lookup result.
type ContactProfile struct {
	ExternalID string
	Name       string
	AvatarURL  string
}

// StatusEvent is emitted by adapters and the manager on account state changes.
type StatusEvent struct {
	AccountID string
	Kind      Kind
	Status    Status
	Detail    string
}
