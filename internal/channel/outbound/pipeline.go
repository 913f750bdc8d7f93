// Package outbound sends operator messages through channel adapters with
// optimistic persistence: the message row exists as pending before the
// channel confirms, and moves to sent or failed exactly once afterwards.
package outbound

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/event"
	"github.com/replyhub/replyhub/internal/inbox"
)

var (
	// ErrEmptyPayload is returned when the request has nothing to send.
	ErrEmptyPayload = errors.New("outbound payload is empty")
)

// Accounts resolves channel accounts and send permissions.
type Accounts interface {
	Get(ctx context.Context, accountID string) (channel.Account, error)
	CanSend(ctx context.Context, accountID, userID string) error
}

// Store is the inbox persistence surface the pipeline writes through.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (inbox.Conversation, error)
	GetMessage(ctx context.Context, messageID string) (inbox.Message, error)
	InsertMessage(ctx context.Context, params inbox.InsertMessageParams) (inbox.Message, error)
	BumpConversation(ctx context.Context, conversationID string, at time.Time, incrementUnread bool) error
	FinalizeMessage(ctx context.Context, messageID, status, channelMessageID, errorText string) (bool, error)
}

// SendRequest describes one operator send.
type SendRequest struct {
	ConversationID string
	UserID         string
	Payload        channel.OutboundPayload
	// ReplyToID is the inbox id of the message being replied to, if any.
	ReplyToID string
}

// Pipeline runs outbound sends.
type Pipeline struct {
	accounts    Accounts
	store       Store
	registry    *channel.Registry
	events      event.Publisher
	logger      *slog.Logger
	sendTimeout time.Duration

	inflight sync.WaitGroup
}

func NewPipeline(accounts Accounts, store Store, registry *channel.Registry, events event.Publisher, logger *slog.Logger, sendTimeout time.Duration) *Pipeline {
	if sendTimeout <= 0 {
		sendTimeout = 2 * time.Minute
	}
	return &Pipeline{
		accounts:    accounts,
		store:       store,
		registry:    registry,
		events:      events,
		logger:      logger,
		sendTimeout: sendTimeout,
	}
}

// Send validates the request, persists the provisional pending message and
// kicks off the channel delivery. It returns as soon as the pending row is
// visible; the delivery outcome arrives later as a message-status event.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (inbox.Message, error) {
	if req.Payload.IsEmpty() {
		return inbox.Message{}, ErrEmptyPayload
	}
	conv, err := p.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return inbox.Message{}, err
	}
	if err := p.accounts.CanSend(ctx, conv.AccountID, req.UserID); err != nil {
		return inbox.Message{}, err
	}
	account, err := p.accounts.Get(ctx, conv.AccountID)
	if err != nil {
		return inbox.Message{}, err
	}
	adapter, ok := p.registry.Get(account.Kind)
	if !ok {
		return inbox.Message{}, errors.New("unsupported channel kind: " + account.Kind.String())
	}

	// A reply whose target row is gone degrades to a plain send.
	var opts channel.SendOptions
	replyToID := ""
	if req.ReplyToID != "" {
		target, err := p.store.GetMessage(ctx, req.ReplyToID)
		switch {
		case err == nil:
			replyToID = target.ID
			opts.ReplyToMessageID = target.ChannelMessageID
		case errors.Is(err, inbox.ErrMessageNotFound):
			p.logger.Debug("reply target missing, sending without reply link",
				"conversation_id", conv.ID, "reply_to", req.ReplyToID)
		default:
			return inbox.Message{}, err
		}
	}

	now := time.Now()
	msg, err := p.store.InsertMessage(ctx, inbox.InsertMessageParams{
		ConversationID: conv.ID,
		ChannelKind:    account.Kind.String(),
		SenderKind:     inbox.SenderOperator,
		ContentKind:    req.Payload.Content.String(),
		Body:           req.Payload.Text,
		MediaURL:       req.Payload.MediaURL,
		MediaMime:      req.Payload.MediaMime,
		Status:         inbox.StatusPending,
		ReplyToID:      replyToID,
		SentAt:         now,
	})
	if err != nil {
		return inbox.Message{}, err
	}
	if err := p.store.BumpConversation(ctx, conv.ID, now, false); err != nil {
		p.logger.Error("bump conversation failed", "conversation_id", conv.ID, "error", err)
	}
	p.publish(event.TypeMessageNew, conv.AccountID, msg)

	// Delivery outlives the request. Detach from the caller's cancellation
	// but keep its values.
	detached := context.WithoutCancel(ctx)
	p.inflight.Add(1)
	go p.deliver(detached, adapter, account, conv, msg, req.Payload, opts)

	return msg, nil
}

func (p *Pipeline) deliver(ctx context.Context, adapter channel.Adapter, account channel.Account, conv inbox.Conversation, msg inbox.Message, payload channel.OutboundPayload, opts channel.SendOptions) {
	defer p.inflight.Done()
	// The send deadline must not cancel the terminal status write, so
	// finalize keeps the detached parent context.
	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	recipient := conv.ChatID
	result, err := adapter.Send(sendCtx, account.ID, recipient, payload, opts)
	if err != nil {
		p.logger.Warn("channel send failed",
			"account_id", account.ID, "conversation_id", conv.ID,
			"message_id", msg.ID, "error", err)
		p.finalize(ctx, account.ID, msg.ID, inbox.StatusFailed, "", err.Error())
		return
	}
	p.finalize(ctx, account.ID, msg.ID, inbox.StatusSent, result.MessageID, "")
}

// finalize records the terminal status. The store's pending guard means a
// second finalize for the same message is a no-op.
func (p *Pipeline) finalize(ctx context.Context, accountID, messageID, status, channelMessageID, errorText string) {
	won, err := p.store.FinalizeMessage(ctx, messageID, status, channelMessageID, errorText)
	if err != nil {
		p.logger.Error("finalize message failed",
			"message_id", messageID, "status", status, "error", err)
		return
	}
	if !won {
		return
	}
	p.publish(event.TypeMessageStatus, accountID, statusPayload{
		MessageID:        messageID,
		Status:           status,
		ChannelMessageID: channelMessageID,
		ErrorText:        errorText,
	})
}

type statusPayload struct {
	MessageID        string `json:"messageId"`
	Status           string `json:"status"`
	ChannelMessageID string `json:"channelMessageId,omitempty"`
	ErrorText        string `json:"errorText,omitempty"`
}

func (p *Pipeline) publish(eventType event.Type, accountID string, data any) {
	if p.events == nil {
		return
	}
	p.events.Publish(event.Event{
		Type:      eventType,
		AccountID: accountID,
		Data:      event.Marshal(data),
	})
}

// Wait blocks until all in-flight deliveries have settled. Used on shutdown
// and in tests.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}
