package inbox

import "time"

// Sender kinds on a message row.
const (
	SenderContact  = "contact"
	SenderOperator = "operator"
)

// Message delivery statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Contact is a remote party on one channel account.
type Contact struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"accountId"`
	ExternalID string    `json:"externalId"`
	Name       string    `json:"name,omitempty"`
	AvatarURL  string    `json:"avatarUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Conversation groups messages exchanged with one chat on one account.
type Conversation struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	ContactID      string    `json:"contactId"`
	ChatID         string    `json:"chatId,omitempty"`
	IsGroup        bool      `json:"isGroup"`
	UnreadCount    int       `json:"unreadCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Message is one inbound or outbound message.
type Message struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversationId"`
	ChannelKind      string    `json:"channelKind"`
	ChannelMessageID string    `json:"channelMessageId,omitempty"`
	SenderKind       string    `json:"senderKind"`
	ContentKind      string    `json:"contentKind"`
	Body             string    `json:"body,omitempty"`
	MediaURL         string    `json:"mediaUrl,omitempty"`
	MediaMime        string    `json:"mediaMime,omitempty"`
	Status           string    `json:"status"`
	ErrorText        string    `json:"errorText,omitempty"`
	ReplyToID        string    `json:"replyToId,omitempty"`
	SentAt           time.Time `json:"sentAt"`
	CreatedAt        time.Time `json:"createdAt"`
}

// InsertMessageParams describes a new message row.
type InsertMessageParams struct {
	ConversationID   string
	ChannelKind      string
	ChannelMessageID string
	SenderKind       string
	ContentKind      string
	Body             string
	MediaURL         string
	MediaMime        string
	Status           string
	ReplyToID        string
	SentAt           time.Time
}
