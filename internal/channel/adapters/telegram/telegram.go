// Package telegram connects bot-token accounts through the Telegram Bot API
// with long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/channel/ratelimit"
	"github.com/replyhub/replyhub/internal/config"
)

const (
	// pollTimeout is how long the Bot API holds an update request open.
	pollTimeout = 30
	// httpTimeout bounds every Bot API call, long polls included.
	httpTimeout = 50 * time.Second
)

type session struct {
	bot    *tgbotapi.BotAPI
	cancel context.CancelFunc
}

type Adapter struct {
	channel.Hooks

	logger   *slog.Logger
	limiter  *ratelimit.Limiter
	endpoint string

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg config.TelegramConfig, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &Adapter{
		logger:   log.With(slog.String("adapter", "telegram")),
		endpoint: endpoint,
		limiter: ratelimit.New(ratelimit.Config{
			MinDelay:    time.Duration(cfg.MinSendDelayMs) * time.Millisecond,
			Window:      time.Duration(cfg.WindowSeconds) * time.Second,
			WindowLimit: cfg.WindowLimit,
		}),
		sessions: map[string]*session{},
	}
}

func (a *Adapter) Kind() channel.Kind {
	return channel.KindTelegram
}

func (a *Adapter) Connect(ctx context.Context, account channel.Account) error {
	token := account.Credential("bot_token")
	if token == "" {
		return fmt.Errorf("%w: bot_token", channel.ErrMissingCredentials)
	}
	// The default client has no timeout, so a hung getMe would stall connect
	// forever. The timeout must stay above the long-poll hold.
	bot, err := tgbotapi.NewBotAPIWithClient(token, a.endpoint,
		&http.Client{Timeout: httpTimeout})
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = pollTimeout
	updates := bot.GetUpdatesChan(updateConfig)

	loopCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	if old := a.sessions[account.ID]; old != nil {
		old.cancel()
		old.bot.StopReceivingUpdates()
	}
	a.sessions[account.ID] = &session{bot: bot, cancel: cancel}
	a.mu.Unlock()

	a.logger.Info("connected", slog.String("account_id", account.ID),
		slog.String("bot_username", bot.Self.UserName))

	go a.receiveLoop(loopCtx, account.ID, bot, updates)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context, accountID string) error {
	a.mu.Lock()
	sess := a.sessions[accountID]
	delete(a.sessions, accountID)
	a.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.cancel()
	sess.bot.StopReceivingUpdates()
	a.logger.Info("disconnected", slog.String("account_id", accountID))
	return nil
}

func (a *Adapter) Connected(accountID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[accountID] != nil
}

func (a *Adapter) receiveLoop(ctx context.Context, accountID string, bot *tgbotapi.BotAPI, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				a.logger.Warn("updates channel closed", slog.String("account_id", accountID))
				a.mu.Lock()
				delete(a.sessions, accountID)
				a.mu.Unlock()
				a.EmitStatus(channel.StatusEvent{
					AccountID: accountID,
					Kind:      channel.KindTelegram,
					Status:    channel.StatusError,
					Detail:    "update stream closed",
				})
				return
			}
			ev, ok := normalizeUpdate(accountID, update, bot.GetFileDirectURL)
			if !ok {
				continue
			}
			// Processing stays on this loop so one chat's messages land in order.
			if err := a.EmitInbound(ctx, ev); err != nil {
				a.logger.Error("handle inbound failed",
					slog.String("account_id", accountID), slog.Any("error", err))
			}
		}
	}
}

func (a *Adapter) Send(ctx context.Context, accountID, recipientID string, payload channel.OutboundPayload, opts channel.SendOptions) (channel.SendResult, error) {
	a.mu.Lock()
	sess := a.sessions[accountID]
	a.mu.Unlock()
	if sess == nil {
		return channel.SendResult{}, channel.ErrNotConnected
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("telegram recipient must be a chat id: %q", recipientID)
	}
	if err := a.limiter.Wait(ctx, accountID, recipientID); err != nil {
		return channel.SendResult{}, err
	}

	chattable, err := buildChattable(chatID, payload, opts)
	if err != nil {
		return channel.SendResult{}, err
	}
	sent, err := sess.bot.Send(chattable)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	return channel.SendResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// FetchProfile resolves a chat's display name through the Bot API.
func (a *Adapter) FetchProfile(ctx context.Context, accountID, contactID string) (*channel.ContactProfile, error) {
	a.mu.Lock()
	sess := a.sessions[accountID]
	a.mu.Unlock()
	if sess == nil {
		return nil, channel.ErrNotConnected
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(contactID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram contact must be a chat id: %q", contactID)
	}
	chat, err := sess.bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram get chat: %w", err)
	}
	name := strings.TrimSpace(chat.Title)
	if name == "" {
		name = strings.TrimSpace(strings.TrimSpace(chat.FirstName) + " " + strings.TrimSpace(chat.LastName))
	}
	if name == "" {
		name = strings.TrimSpace(chat.UserName)
	}
	return &channel.ContactProfile{ExternalID: contactID, Name: name}, nil
}

func buildChattable(chatID int64, payload channel.OutboundPayload, opts channel.SendOptions) (tgbotapi.Chattable, error) {
	replyTo := 0
	if raw := strings.TrimSpace(opts.ReplyToMessageID); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			replyTo = value
		}
	}
	caption := payload.Caption
	if caption == "" {
		caption = payload.Text
	}

	switch payload.Content {
	case channel.ContentImage:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(payload.MediaURL))
		photo.Caption = caption
		photo.ReplyToMessageID = replyTo
		return photo, nil
	case channel.ContentVideo:
		video := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(payload.MediaURL))
		video.Caption = caption
		video.ReplyToMessageID = replyTo
		return video, nil
	case channel.ContentAudio:
		audio := tgbotapi.NewAudio(chatID, tgbotapi.FileURL(payload.MediaURL))
		audio.Caption = caption
		audio.ReplyToMessageID = replyTo
		return audio, nil
	case channel.ContentDocument:
		document := tgbotapi.NewDocument(chatID, tgbotapi.FileURL(payload.MediaURL))
		document.Caption = caption
		document.ReplyToMessageID = replyTo
		return document, nil
	case channel.ContentLocation:
		location := tgbotapi.NewLocation(chatID, payload.Latitude, payload.Longitude)
		location.ReplyToMessageID = replyTo
		return location, nil
	case channel.ContentText, "":
		message := tgbotapi.NewMessage(chatID, payload.Text)
		message.ReplyToMessageID = replyTo
		return message, nil
	default:
		return nil, fmt.Errorf("unsupported content kind: %s", payload.Content)
	}
}
