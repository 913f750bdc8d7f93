// Package inbound turns normalized channel events into persisted inbox state.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/db"
	"github.com/replyhub/replyhub/internal/event"
	"github.com/replyhub/replyhub/internal/inbox"
)

// Accounts resolves channel accounts.
type Accounts interface {
	Get(ctx context.Context, accountID string) (channel.Account, error)
}

// Store is the inbox persistence surface the processor writes through.
type Store interface {
	GetOrCreateContact(ctx context.Context, accountID, externalID, name, avatarURL string) (inbox.Contact, error)
	GetOrCreateConversation(ctx context.Context, accountID, contactID, chatID string, isGroup bool) (inbox.Conversation, error)
	GetMessageByChannelID(ctx context.Context, channelKind, channelMessageID string) (inbox.Message, error)
	InsertMessage(ctx context.Context, params inbox.InsertMessageParams) (inbox.Message, error)
	BumpConversation(ctx context.Context, conversationID string, at time.Time, incrementUnread bool) error
}

// Result reports what processing one event did.
type Result struct {
	// Duplicate is set when the event was already processed and nothing changed.
	Duplicate bool
	Message   inbox.Message
}

// Processor runs the inbound pipeline: resolve account, dedup, resolve
// contact and conversation, persist, notify. It is called synchronously from
// each adapter's receive loop, which keeps per-conversation ordering.
type Processor struct {
	accounts Accounts
	store    Store
	registry *channel.Registry
	events   event.Publisher
	logger   *slog.Logger
}

func NewProcessor(accounts Accounts, store Store, registry *channel.Registry, events event.Publisher, logger *slog.Logger) *Processor {
	return &Processor{
		accounts: accounts,
		store:    store,
		registry: registry,
		events:   events,
		logger:   logger,
	}
}

// Process implements the manager's InboundProcessor contract.
func (p *Processor) Process(ctx context.Context, ev channel.InboundEvent) error {
	_, err := p.Handle(ctx, ev)
	return err
}

// Handle runs the pipeline for one event. Duplicates are a successful no-op.
func (p *Processor) Handle(ctx context.Context, ev channel.InboundEvent) (Result, error) {
	account, err := p.accounts.Get(ctx, ev.AccountID)
	if err != nil {
		// An unknown account is a configuration fault, not a transient
		// condition. The adapter's receive loop logs it and keeps going.
		return Result{}, fmt.Errorf("resolve account %s: %w", ev.AccountID, err)
	}
	if account.Kind != ev.Kind {
		// A kind mismatch means wiring is broken somewhere; surface it.
		return Result{}, fmt.Errorf("account %s belongs to %s, event came from %s",
			ev.AccountID, account.Kind, ev.Kind)
	}

	if ev.MessageID != "" {
		existing, err := p.store.GetMessageByChannelID(ctx, ev.Kind.String(), ev.MessageID)
		if err == nil {
			return Result{Duplicate: true, Message: existing}, nil
		}
		if !errors.Is(err, inbox.ErrMessageNotFound) {
			return Result{}, err
		}
	}

	name, avatarURL := p.senderProfile(ctx, ev)
	contact, err := p.store.GetOrCreateContact(ctx, account.ID, ev.SenderID, name, avatarURL)
	if err != nil {
		return Result{}, err
	}

	chatID := ev.ChatID
	if chatID == "" {
		chatID = ev.SenderID
	}
	conv, err := p.store.GetOrCreateConversation(ctx, account.ID, contact.ID, chatID, ev.IsGroup)
	if err != nil {
		return Result{}, err
	}

	// A reply to a message we never stored degrades to a plain message.
	replyToID := ""
	if ev.ReplyToMessageID != "" {
		target, err := p.store.GetMessageByChannelID(ctx, ev.Kind.String(), ev.ReplyToMessageID)
		switch {
		case err == nil:
			replyToID = target.ID
		case errors.Is(err, inbox.ErrMessageNotFound):
			p.logger.Debug("reply target unknown, storing without reply link",
				"account_id", ev.AccountID, "reply_to", ev.ReplyToMessageID)
		default:
			return Result{}, err
		}
	}

	sentAt := ev.Timestamp
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	msg, err := p.store.InsertMessage(ctx, inbox.InsertMessageParams{
		ConversationID:   conv.ID,
		ChannelKind:      ev.Kind.String(),
		ChannelMessageID: ev.MessageID,
		SenderKind:       inbox.SenderContact,
		ContentKind:      ev.Content.String(),
		Body:             ev.Text,
		MediaURL:         ev.MediaURL,
		MediaMime:        ev.MediaMime,
		Status:           inbox.StatusSent,
		ReplyToID:        replyToID,
		SentAt:           sentAt,
	})
	if err != nil {
		// Concurrent delivery of the same event loses the insert race here.
		if db.IsUniqueViolation(err) {
			existing, readErr := p.store.GetMessageByChannelID(ctx, ev.Kind.String(), ev.MessageID)
			if readErr != nil {
				return Result{}, readErr
			}
			return Result{Duplicate: true, Message: existing}, nil
		}
		return Result{}, err
	}

	if err := p.store.BumpConversation(ctx, conv.ID, sentAt, true); err != nil {
		p.logger.Error("bump conversation failed",
			"conversation_id", conv.ID, "error", err)
	}

	if p.events != nil {
		p.events.Publish(event.Event{
			Type:      event.TypeMessageNew,
			AccountID: account.ID,
			Data:      event.Marshal(msg),
		})
	}
	return Result{Message: msg}, nil
}

// senderProfile picks the display name and avatar for the sender, preferring
// the event payload and falling back to the adapter's profile lookup.
func (p *Processor) senderProfile(ctx context.Context, ev channel.InboundEvent) (string, string) {
	name := ev.SenderName
	avatarURL := ""
	if name != "" || p.registry == nil {
		return name, avatarURL
	}
	fetcher, ok := p.registry.ProfileFetcher(ev.Kind)
	if !ok {
		return name, avatarURL
	}
	profile, err := fetcher.FetchProfile(ctx, ev.AccountID, ev.SenderID)
	if err != nil || profile == nil {
		return name, avatarURL
	}
	return profile.Name, profile.AvatarURL
}
