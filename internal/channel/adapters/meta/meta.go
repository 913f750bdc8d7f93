// Package meta hosts the two Graph API surfaces, Messenger and Instagram.
// Both receive messages as webhook pushes and send through the same client,
// so one adapter type serves both kinds.
package meta

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/channel/ratelimit"
	"github.com/replyhub/replyhub/internal/channel/signature"
	"github.com/replyhub/replyhub/internal/config"
)

type session struct {
	pageToken   string
	appSecret   string
	verifyToken string
}

type Adapter struct {
	channel.Hooks

	kind     channel.Kind
	client   *graphClient
	verifier signature.Verifier
	devMode  bool
	logger   *slog.Logger
	limiter  *ratelimit.Limiter

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates the adapter for one surface. Valid kinds are KindMessenger and
// KindInstagram. devMode makes app_secret optional and drops the signature
// requirement, for local testing only.
func New(kind channel.Kind, cfg config.MetaConfig, devMode bool, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		kind:   kind,
		client: newGraphClient(cfg.GraphBaseURL, cfg.RequestsPerSecond),
		verifier: signature.Verifier{
			Prefix:       "sha256=",
			AllowMissing: devMode,
		},
		devMode: devMode,
		logger: log.With(slog.String("adapter", kind.String())),
		limiter: ratelimit.New(ratelimit.Config{
			MinDelay: time.Duration(cfg.MinSendDelayMs) * time.Millisecond,
		}),
		sessions: map[string]*session{},
	}
}

func (a *Adapter) Kind() channel.Kind {
	return a.kind
}

// Connect validates the page token against the Graph API and keeps the
// credentials ready for webhook deliveries. There is no persistent socket;
// inbound traffic arrives as webhook pushes.
func (a *Adapter) Connect(ctx context.Context, account channel.Account) error {
	pageToken := account.Credential("page_token")
	if pageToken == "" {
		return fmt.Errorf("%w: page_token", channel.ErrMissingCredentials)
	}
	appSecret := account.Credential("app_secret")
	if appSecret == "" && !a.devMode {
		return fmt.Errorf("%w: app_secret", channel.ErrMissingCredentials)
	}
	verifyToken := account.Credential("verify_token")

	info, err := a.client.verifyToken(ctx, pageToken)
	if err != nil {
		return fmt.Errorf("verify page token: %w", err)
	}

	a.mu.Lock()
	a.sessions[account.ID] = &session{
		pageToken:   pageToken,
		appSecret:   appSecret,
		verifyToken: verifyToken,
	}
	a.mu.Unlock()

	a.logger.Info("connected", slog.String("account_id", account.ID),
		slog.String("page_id", info.ID), slog.String("page_name", info.Name))
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context, accountID string) error {
	a.mu.Lock()
	delete(a.sessions, accountID)
	a.mu.Unlock()
	a.logger.Info("disconnected", slog.String("account_id", accountID))
	return nil
}

func (a *Adapter) Connected(accountID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[accountID] != nil
}

func (a *Adapter) Send(ctx context.Context, accountID, recipientID string, payload channel.OutboundPayload, opts channel.SendOptions) (channel.SendResult, error) {
	sess := a.session(accountID)
	if sess == nil {
		return channel.SendResult{}, channel.ErrNotConnected
	}
	if err := a.limiter.Wait(ctx, accountID, recipientID); err != nil {
		return channel.SendResult{}, err
	}
	messageID, err := a.client.sendMessage(ctx, sess.pageToken, recipientID, payload)
	if err != nil {
		return channel.SendResult{}, err
	}
	return channel.SendResult{MessageID: messageID}, nil
}

// FetchProfile resolves the sender's display name and avatar.
func (a *Adapter) FetchProfile(ctx context.Context, accountID, contactID string) (*channel.ContactProfile, error) {
	sess := a.session(accountID)
	if sess == nil {
		return nil, channel.ErrNotConnected
	}
	return a.client.fetchProfile(ctx, sess.pageToken, contactID)
}

// VerifyChallenge answers the subscription handshake Meta performs when the
// callback URL is registered.
func (a *Adapter) VerifyChallenge(accountID string, query url.Values) (string, error) {
	sess := a.session(accountID)
	if sess == nil {
		return "", channel.ErrNotConnected
	}
	if query.Get("hub.mode") != "subscribe" {
		return "", fmt.Errorf("unexpected hub.mode: %q", query.Get("hub.mode"))
	}
	if query.Get("hub.verify_token") != sess.verifyToken {
		return "", fmt.Errorf("verify token mismatch")
	}
	return query.Get("hub.challenge"), nil
}

// HandleWebhook verifies the delivery signature and feeds the contained
// messages through the inbound handler.
func (a *Adapter) HandleWebhook(ctx context.Context, accountID, sig string, body []byte) error {
	sess := a.session(accountID)
	if sess == nil {
		return channel.ErrNotConnected
	}
	if sess.appSecret != "" {
		if err := a.verifier.Verify(sess.appSecret, body, sig); err != nil {
			return err
		}
	}
	events, err := parseWebhook(a.kind, accountID, body)
	if err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}
	for _, ev := range events {
		if err := a.EmitInbound(ctx, ev); err != nil {
			a.logger.Error("handle inbound failed",
				slog.String("account_id", accountID), slog.Any("error", err))
		}
	}
	return nil
}

func (a *Adapter) session(accountID string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[accountID]
}
